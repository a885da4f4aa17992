package models

import "time"

// UnsubscribedRecord is an entry of the global suppression list.
type UnsubscribedRecord struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	Email          string    `gorm:"not null;index" json:"email"`
	UnsubscribedAt time.Time `json:"unsubscribedAt"`
}
