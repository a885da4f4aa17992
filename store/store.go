// Package store holds the campaign ledger, its counter documents, the global
// suppression list and tracking events.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"etatdeslieux/models"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrCountersNotFound = errors.New("counter document not found")
)

// Store is the document database behind every handler. Implementations must
// make MarkDelivered atomic: the delivered record insert, the counter
// increment and the campaign stats bump either all happen or none do.
type Store interface {
	// EnsureCampaign returns the campaign, creating the default one if absent.
	EnsureCampaign(ctx context.Context, campaignID string) (*models.Campaign, error)
	GetCampaign(ctx context.Context, campaignID string) (*models.Campaign, error)

	// MarkDelivered reports whether a new delivered record was inserted.
	// Re-marking an address only refreshes its updatedAt.
	MarkDelivered(ctx context.Context, campaignID, email string) (bool, error)
	// MarkFailed and MarkPending overwrite the record in their bucket and
	// never touch the counter document.
	MarkFailed(ctx context.Context, campaignID, email, reason string) error
	MarkPending(ctx context.Context, campaignID, email, reason string) error
	ListBucket(ctx context.Context, campaignID string, bucket models.Bucket) ([]models.EmailRecord, error)
	IsContacted(ctx context.Context, campaignID, email string) (bool, error)

	GetCounters(ctx context.Context, campaignID string) (*models.EmailConfig, error)
	// ReconcileCounters recounts every bucket and overwrites the counters.
	ReconcileCounters(ctx context.Context, campaignID string) (*models.EmailConfig, error)

	// Unsubscribe reports whether the address was newly added.
	Unsubscribe(ctx context.Context, email string) (bool, error)
	IsUnsubscribed(ctx context.Context, email string) (bool, error)

	RecordEvent(ctx context.Context, event *models.TrackingEvent) error
	// ListEvents returns events oldest first; an empty kind means all kinds.
	ListEvents(ctx context.Context, campaignID string, kind models.EventKind) ([]models.TrackingEvent, error)

	Close() error
}

// NormalizeEmail is the canonical form every id is derived from.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DocID is the deterministic document id of an address. Both backends and
// both suppression paths use it.
func DocID(email string) string {
	sum := blake2b.Sum256([]byte(NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}

// ISOLayout matches what browsers produce for Date.toISOString.
const ISOLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

// ParseTimestamp tolerates RFC3339 strings and Unix milliseconds. Anything
// else yields the zero time.
func ParseTimestamp(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC()
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}
