package models

import "time"

// DefaultCampaignName is given to campaigns created lazily on first reference.
const DefaultCampaignName = "Campagne principale"

// Campaign is one named batch of outbound emails tracked as a unit.
type Campaign struct {
	ID        string        `gorm:"primaryKey;size:191" json:"campaignId"`
	Name      string        `gorm:"not null" json:"name"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Stats     CampaignStats `gorm:"embedded;embeddedPrefix:stats_" json:"stats"`
}

// CampaignStats is bumped alongside the delivered counter.
type CampaignStats struct {
	EmailsSent int        `gorm:"not null" json:"emailsSent"`
	LastSent   *time.Time `json:"lastSent"`
}

// NewCampaign returns the default campaign document for id.
func NewCampaign(id string, now time.Time) *Campaign {
	return &Campaign{
		ID:        id,
		Name:      DefaultCampaignName,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
