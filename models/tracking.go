package models

import "time"

type EventKind string

const (
	EventOpen  EventKind = "open"
	EventClick EventKind = "click"
)

// TrackingEvent is an append-only engagement record from a beacon hit.
type TrackingEvent struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	Kind       EventKind `gorm:"not null;size:16;index:idx_tracking_campaign_kind,priority:2" json:"kind"`
	CampaignID string    `gorm:"not null;size:191;index:idx_tracking_campaign_kind,priority:1" json:"campaignId"`
	Email      string    `gorm:"not null" json:"email"`
	URL        string    `json:"url,omitempty"`
	UserAgent  string    `json:"userAgent"`
	IP         string    `json:"ip"`
	Timestamp  time.Time `gorm:"not null;index" json:"timestamp"`
}
