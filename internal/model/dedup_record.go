package model

import (
	"time"
)

// DedupRecord is one row per distinct event fingerprint. A row blocks
// re-notification of its fingerprint while silence_until is NULL or in the
// future; only the retention sweep removes the block permanently.
type DedupRecord struct {
	ID        int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	EventHash string `json:"event_hash" gorm:"column:event_hash;uniqueIndex;size:64" validate:"required,len=64"`
	EventType string `json:"event_type" gorm:"column:event_type;index" validate:"required,max=255"`
	ItemID    string `json:"item_id" gorm:"column:item_id"`
	// Description is kept verbatim for the admin event history view.
	Description  string     `json:"description" gorm:"column:description;type:text"`
	CreatedAt    time.Time  `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	SilenceUntil *time.Time `json:"silence_until,omitempty" gorm:"column:silence_until;index"`
}

// TableName specifies the table name for GORM
func (DedupRecord) TableName() string {
	return "dedup_records"
}
