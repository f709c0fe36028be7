package model

// QueueStats aggregates delivery job counts by status
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// EventTypeCount is one entry of the top-N event type frequency list
type EventTypeCount struct {
	EventType string `json:"event_type" gorm:"column:event_type"`
	Count     int64  `json:"count" gorm:"column:cnt"`
}

// DedupStats aggregates dedup record counts
type DedupStats struct {
	TotalRecords   int64            `json:"total_records"`
	ActiveSilences int64            `json:"active_silences"`
	TopEventTypes  []EventTypeCount `json:"top_event_types"`
}

// StatsReport is the combined read-only operational snapshot
type StatsReport struct {
	Queue QueueStats `json:"queue"`
	Dedup DedupStats `json:"dedup"`
}
