package classifier

import (
	"strings"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/config"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/model"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/observer"
)

// Default event types considered critical when no allow-list is configured.
var defaultEventTypes = []string{
	"SECURITY",
	"ERROR",
	"EXCEPTION",
	"MAIN",
	"PERFMON",
}

// Severities that make an event notifiable regardless of its description.
var acceptedSeverities = map[model.Severity]struct{}{
	model.SeverityError:     {},
	model.SeverityCritical:  {},
	model.SeverityAlert:     {},
	model.SeverityEmergency: {},
}

// Keywords always matched against descriptions, on top of any configured ones.
// The Russian entries come with the audit subsystem's stock messages.
var defaultKeywords = []string{
	"ошибка",
	"критическая",
	"авария",
	"недоступен",
	"failed",
	"critical",
	"error",
}

// Classifier decides which audit events deserve a notification.
type Classifier struct {
	enabled    bool
	eventTypes map[string]struct{}
	keywords   []string
}

// New builds a Classifier from the notifier configuration. An empty event type
// allow-list falls back to the built-in critical set; configured keywords are
// matched in addition to the built-in ones, never instead of them.
func New(cfg config.NotifierConfig) *Classifier {
	types := cfg.EventTypes
	if len(types) == 0 {
		types = defaultEventTypes
	}
	typeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		typeSet[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}

	keywords := make([]string, 0, len(defaultKeywords)+len(cfg.Keywords))
	seen := make(map[string]struct{})
	for _, kw := range append(append([]string{}, cfg.Keywords...), defaultKeywords...) {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		keywords = append(keywords, kw)
	}

	return &Classifier{
		enabled:    cfg.Enabled,
		eventTypes: typeSet,
		keywords:   keywords,
	}
}

// IsNotifiable reports whether the event should be relayed. The event type
// gates first; within an allowed type, a severe enough level is accepted
// outright and everything else goes through case-insensitive keyword matching
// against the description.
func (c *Classifier) IsNotifiable(ev model.AuditEvent) bool {
	observer.IncEventsReceived(ev.Type)

	if !c.enabled {
		return false
	}

	if _, ok := c.eventTypes[strings.ToUpper(ev.Type)]; !ok {
		return false
	}

	if _, ok := acceptedSeverities[ev.Severity]; ok {
		observer.IncEventsAccepted(ev.Type)
		return true
	}

	desc := strings.ToLower(ev.Description)
	for _, kw := range c.keywords {
		if strings.Contains(desc, kw) {
			observer.IncEventsAccepted(ev.Type)
			return true
		}
	}
	return false
}
