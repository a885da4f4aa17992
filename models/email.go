package models

import (
	"fmt"
	"time"
)

// Bucket partitions the per-recipient ledger of a campaign.
type Bucket string

const (
	BucketDelivered Bucket = "delivered"
	BucketPending   Bucket = "en_attente"
	BucketFailed    Bucket = "non_delivre"
)

// Status is the status value written into records of the bucket.
func (b Bucket) Status() string {
	switch b {
	case BucketDelivered:
		return "delivered"
	case BucketPending:
		return "pending"
	case BucketFailed:
		return "failed"
	}
	return string(b)
}

// ParseBucket accepts both the bucket name and its status alias.
func ParseBucket(s string) (Bucket, error) {
	switch s {
	case "delivered":
		return BucketDelivered, nil
	case "en_attente", "pending":
		return BucketPending, nil
	case "non_delivre", "failed":
		return BucketFailed, nil
	}
	return "", fmt.Errorf("unknown bucket %q", s)
}

// EmailRecord is the status of one recipient inside one bucket of a campaign.
// An address may appear in several buckets at once; moving between buckets is
// done by writing the new bucket, the old record is left alone.
type EmailRecord struct {
	CampaignID    string    `gorm:"primaryKey;size:191" json:"campaignId"`
	Bucket        Bucket    `gorm:"primaryKey;size:32" json:"-"`
	DocID         string    `gorm:"primaryKey;size:64" json:"-"`
	Email         string    `gorm:"not null;index" json:"email"`
	Status        string    `gorm:"not null" json:"status"`
	Reason        string    `json:"reason,omitempty"`
	PendingReason string    `json:"pendingReason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// EmailTotals are the denormalized per-bucket counts of a campaign.
type EmailTotals struct {
	Delivered int `gorm:"not null" json:"delivered"`
	Pending   int `gorm:"not null" json:"pending"`
	Failed    int `gorm:"not null" json:"failed"`
}

// EmailConfig is the counter document kept next to the ledger. Only the
// delivered total is maintained by the write path.
type EmailConfig struct {
	CampaignID  string      `gorm:"primaryKey;size:191" json:"campaignId"`
	TotalEmails EmailTotals `gorm:"embedded;embeddedPrefix:total_" json:"totalEmails"`
	LastUpdated time.Time   `json:"lastUpdated"`
}
