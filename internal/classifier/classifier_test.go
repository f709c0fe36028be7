package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/config"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/model"
)

func enabledConfig() config.NotifierConfig {
	return config.NotifierConfig{Enabled: true}
}

func TestIsNotifiable_DisabledRejectsEverything(t *testing.T) {
	c := New(config.NotifierConfig{Enabled: false})

	ev := model.AuditEvent{
		Type:        "SECURITY",
		Description: "critical breach detected",
		Severity:    model.SeverityEmergency,
	}
	assert.False(t, c.IsNotifiable(ev))
}

func TestIsNotifiable_DefaultTypeAllowList(t *testing.T) {
	c := New(enabledConfig())

	testCases := []struct {
		name     string
		ev       model.AuditEvent
		expected bool
	}{
		{
			name:     "security type with severe level",
			ev:       model.AuditEvent{Type: "SECURITY", Severity: model.SeverityCritical},
			expected: true,
		},
		{
			name:     "type outside the allow-list",
			ev:       model.AuditEvent{Type: "MARKETING", Severity: model.SeverityCritical},
			expected: false,
		},
		{
			name:     "lowercase type is normalized",
			ev:       model.AuditEvent{Type: "error", Severity: model.SeverityError},
			expected: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, c.IsNotifiable(tc.ev))
		})
	}
}

func TestIsNotifiable_ConfiguredTypesReplaceDefaults(t *testing.T) {
	cfg := enabledConfig()
	cfg.EventTypes = []string{"BILLING"}
	c := New(cfg)

	assert.True(t, c.IsNotifiable(model.AuditEvent{Type: "BILLING", Severity: model.SeverityError}))
	// SECURITY is a default, but the configured list wins.
	assert.False(t, c.IsNotifiable(model.AuditEvent{Type: "SECURITY", Severity: model.SeverityError}))
}

func TestIsNotifiable_SeverityShortCircuit(t *testing.T) {
	c := New(enabledConfig())

	for _, sev := range []model.Severity{
		model.SeverityError,
		model.SeverityCritical,
		model.SeverityAlert,
		model.SeverityEmergency,
	} {
		ev := model.AuditEvent{Type: "MAIN", Description: "all quiet", Severity: sev}
		assert.True(t, c.IsNotifiable(ev), "severity %s should be accepted without keyword match", sev)
	}

	ev := model.AuditEvent{Type: "MAIN", Description: "all quiet", Severity: model.SeverityWarning}
	assert.False(t, c.IsNotifiable(ev))
}

func TestIsNotifiable_KeywordMatching(t *testing.T) {
	c := New(enabledConfig())

	testCases := []struct {
		name     string
		desc     string
		expected bool
	}{
		{"english keyword", "request to upstream failed with 502", true},
		{"case-insensitive", "CRITICAL disk usage on /var", true},
		{"russian keyword", "Произошла ошибка при обработке заказа", true},
		{"no keyword", "user logged in successfully", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ev := model.AuditEvent{Type: "MAIN", Description: tc.desc, Severity: model.SeverityWarning}
			assert.Equal(t, tc.expected, c.IsNotifiable(ev))
		})
	}
}

func TestIsNotifiable_ConfiguredKeywordsExtendDefaults(t *testing.T) {
	cfg := enabledConfig()
	cfg.Keywords = []string{"quota exceeded"}
	c := New(cfg)

	withConfigured := model.AuditEvent{Type: "MAIN", Description: "tenant quota exceeded for uploads"}
	withDefault := model.AuditEvent{Type: "MAIN", Description: "payment gateway failed"}

	assert.True(t, c.IsNotifiable(withConfigured))
	assert.True(t, c.IsNotifiable(withDefault), "built-in keywords still apply alongside configured ones")
}
