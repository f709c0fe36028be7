package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Severity represents the severity level reported by the audit subsystem
type Severity string

// Severity levels in ascending order of urgency
const (
	SeverityNone      Severity = "NONE"
	SeverityWarning   Severity = "WARNING"
	SeverityError     Severity = "ERROR"
	SeverityCritical  Severity = "CRITICAL"
	SeverityAlert     Severity = "ALERT"
	SeverityEmergency Severity = "EMERGENCY"
)

// AuditEvent is a single event emitted by the external audit/log subsystem.
// It is ephemeral: only its fingerprint (dedup) and rendered message (queue)
// are persisted.
type AuditEvent struct {
	Type        string   `json:"type" validate:"required,max=255"`
	ItemID      string   `json:"item_id" validate:"max=255"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity" validate:"omitempty,oneof=NONE WARNING ERROR CRITICAL ALERT EMERGENCY"`
	RemoteAddr  string   `json:"remote_addr,omitempty"`
	UserAgent   string   `json:"user_agent,omitempty"`
	RequestURI  string   `json:"request_uri,omitempty"`
	SiteID      string   `json:"site_id,omitempty"`
	UserID      int64    `json:"user_id,omitempty"`
	Timestamp   int64    `json:"timestamp" validate:"gte=0"`
}

// Fingerprint returns a stable hash over the ordered triple (type, item id,
// description). Events sharing a fingerprint are considered the same logical
// event for deduplication purposes. Descriptions containing variable data
// (embedded timestamps and the like) defeat this on purpose; widening or
// narrowing the hashed fields is a behavioral change, not a cleanup.
func (e AuditEvent) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write([]byte(e.ItemID))
	h.Write([]byte{0})
	h.Write([]byte(e.Description))
	return hex.EncodeToString(h.Sum(nil))
}

// Key returns a human-readable correlation key for queue rows and logs.
// It is not unique.
func (e AuditEvent) Key() string {
	if e.ItemID != "" {
		return e.Type + "_" + e.ItemID
	}
	return fmt.Sprintf("%s_%d", e.Type, e.Timestamp)
}
