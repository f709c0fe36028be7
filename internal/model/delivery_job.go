package model

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus is the delivery state of a queued notification
type JobStatus string

// Job state machine: PENDING -> PROCESSING -> {SENT | PENDING (rescheduled) | FAILED}.
// SENT and FAILED are terminal; rows never regress out of them.
const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobSent       JobStatus = "SENT"
	JobFailed     JobStatus = "FAILED"
)

// DeliveryJob is one queued notification delivery, one row per
// (event, chat) pair.
type DeliveryJob struct {
	ID int64 `json:"id" gorm:"primaryKey;autoIncrement"`
	// EventKey correlates the row back to the source event in logs. Not unique.
	EventKey string `json:"event_key" gorm:"column:event_key;index" validate:"required,max=255"`
	// ChatID is the target Telegram chat identifier.
	ChatID string `json:"chat_id" gorm:"column:chat_id" validate:"required,max=255"`
	// Message is the pre-rendered text. Immutable once created.
	Message string `json:"message" gorm:"column:message;type:text" validate:"required"`
	// Payload keeps a JSON copy of the source event for operator diagnosis.
	Payload datatypes.JSON `json:"payload,omitempty" gorm:"type:jsonb;column:payload"`
	// Attempts counts failed sends. It increments only on failure.
	Attempts    int        `json:"attempts" gorm:"column:attempts;default:0"`
	Status      JobStatus  `json:"status" gorm:"column:status;index;default:PENDING"`
	LastError   *string    `json:"last_error,omitempty" gorm:"column:last_error;type:text"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty" gorm:"column:scheduled_at;index"`
	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (DeliveryJob) TableName() string {
	return "delivery_jobs"
}

// Terminal reports whether the job is in a final state
func (j DeliveryJob) Terminal() bool {
	return j.Status == JobSent || j.Status == JobFailed
}
