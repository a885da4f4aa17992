package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"etatdeslieux/models"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrTxConflict is returned when an optimistic transaction kept losing the
// race for its watched keys.
var ErrTxConflict = errors.New("transaction aborted after too many conflicts")

const defaultTxRetries = 25

// RedisStore keeps every document as a Redis hash (or JSON string for the
// append-only kinds) and uses WATCH/MULTI/EXEC for the delivered transaction.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	now        func() time.Time
}

type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTxRetries bounds the optimistic retries of MarkDelivered.
func WithTxRetries(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		prefix:     "edl:",
		maxRetries: defaultTxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) campaignKey(campaignID string) string {
	return s.prefix + "campaign:" + campaignID
}

func (s *RedisStore) bucketKey(campaignID string, bucket models.Bucket) string {
	return fmt.Sprintf("%sledger:%s:%s", s.prefix, campaignID, bucket)
}

func (s *RedisStore) recordKey(campaignID string, bucket models.Bucket, docID string) string {
	return s.bucketKey(campaignID, bucket) + ":" + docID
}

func (s *RedisStore) configKey(campaignID string) string {
	return s.prefix + "emailconfig:" + campaignID
}

func (s *RedisStore) unsubscribedKey(docID string) string {
	return s.prefix + "unsubscribed:" + docID
}

func (s *RedisStore) eventsKey(campaignID string) string {
	return s.prefix + "events:" + campaignID
}

func (s *RedisStore) stamp() (time.Time, string) {
	now := s.now().UTC()
	return now, now.Format(time.RFC3339Nano)
}

func (s *RedisStore) EnsureCampaign(ctx context.Context, campaignID string) (*models.Campaign, error) {
	key := s.campaignKey(campaignID)
	_, stamp := s.stamp()

	// HSETNX per field inside MULTI: a no-op for an existing campaign.
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "name", models.DefaultCampaignName)
		pipe.HSetNX(ctx, key, "createdAt", stamp)
		pipe.HSetNX(ctx, key, "updatedAt", stamp)
		pipe.HSetNX(ctx, key, "emailsSent", 0)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ensure campaign %s: %w", campaignID, err)
	}
	return s.GetCampaign(ctx, campaignID)
}

func (s *RedisStore) GetCampaign(ctx context.Context, campaignID string) (*models.Campaign, error) {
	fields, err := s.client.HGetAll(ctx, s.campaignKey(campaignID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", campaignID, err)
	}
	if len(fields) == 0 {
		return nil, ErrCampaignNotFound
	}

	campaign := &models.Campaign{
		ID:        campaignID,
		Name:      fields["name"],
		CreatedAt: ParseTimestamp(fields["createdAt"]),
		UpdatedAt: ParseTimestamp(fields["updatedAt"]),
	}
	campaign.Stats.EmailsSent, _ = strconv.Atoi(fields["emailsSent"])
	if last := ParseTimestamp(fields["lastSent"]); !last.IsZero() {
		campaign.Stats.LastSent = &last
	}
	return campaign, nil
}

func (s *RedisStore) MarkDelivered(ctx context.Context, campaignID, email string) (bool, error) {
	docID := DocID(email)
	recKey := s.recordKey(campaignID, models.BucketDelivered, docID)
	idxKey := s.bucketKey(campaignID, models.BucketDelivered)
	cfgKey := s.configKey(campaignID)
	campKey := s.campaignKey(campaignID)

	var created bool
	txf := func(tx *redis.Tx) error {
		created = false

		recExists, err := tx.Exists(ctx, recKey).Result()
		if err != nil {
			return err
		}
		cfgExists, err := tx.Exists(ctx, cfgKey).Result()
		if err != nil {
			return err
		}
		campExists, err := tx.Exists(ctx, campKey).Result()
		if err != nil {
			return err
		}

		_, stamp := s.stamp()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if recExists > 0 {
				pipe.HSet(ctx, recKey, "updatedAt", stamp)
				return nil
			}

			pipe.HSet(ctx, recKey, map[string]interface{}{
				"campaignId": campaignID,
				"email":      strings.TrimSpace(email),
				"status":     models.BucketDelivered.Status(),
				"timestamp":  stamp,
				"updatedAt":  stamp,
			})
			pipe.SAdd(ctx, idxKey, docID)

			if cfgExists > 0 {
				pipe.HIncrBy(ctx, cfgKey, "delivered", 1)
				pipe.HSet(ctx, cfgKey, "lastUpdated", stamp)
			} else {
				pipe.HSet(ctx, cfgKey, map[string]interface{}{
					"delivered":   1,
					"pending":     0,
					"failed":      0,
					"lastUpdated": stamp,
				})
			}

			if campExists > 0 {
				pipe.HIncrBy(ctx, campKey, "emailsSent", 1)
				pipe.HSet(ctx, campKey, "lastSent", stamp, "updatedAt", stamp)
			}
			return nil
		})
		if err == nil && recExists == 0 {
			created = true
		}
		return err
	}

	if err := s.watch(ctx, txf, recKey, cfgKey, campKey); err != nil {
		return false, fmt.Errorf("mark delivered %s/%s: %w", campaignID, email, err)
	}
	return created, nil
}

func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTxConflict
}

func (s *RedisStore) MarkFailed(ctx context.Context, campaignID, email, reason string) error {
	return s.writeRecord(ctx, campaignID, models.BucketFailed, email, map[string]interface{}{"reason": reason})
}

func (s *RedisStore) MarkPending(ctx context.Context, campaignID, email, reason string) error {
	return s.writeRecord(ctx, campaignID, models.BucketPending, email, map[string]interface{}{"pendingReason": reason})
}

func (s *RedisStore) writeRecord(ctx context.Context, campaignID string, bucket models.Bucket, email string, extra map[string]interface{}) error {
	docID := DocID(email)
	recKey := s.recordKey(campaignID, bucket, docID)
	_, stamp := s.stamp()

	fields := map[string]interface{}{
		"campaignId": campaignID,
		"email":      strings.TrimSpace(email),
		"status":     bucket.Status(),
		"timestamp":  stamp,
		"updatedAt":  stamp,
	}
	for k, v := range extra {
		fields[k] = v
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recKey)
		pipe.HSet(ctx, recKey, fields)
		pipe.SAdd(ctx, s.bucketKey(campaignID, bucket), docID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s record %s/%s: %w", bucket, campaignID, email, err)
	}
	return nil
}

func (s *RedisStore) ListBucket(ctx context.Context, campaignID string, bucket models.Bucket) ([]models.EmailRecord, error) {
	ids, err := s.client.SMembers(ctx, s.bucketKey(campaignID, bucket)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s bucket of %s: %w", bucket, campaignID, err)
	}
	if len(ids) == 0 {
		return []models.EmailRecord{}, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(campaignID, bucket, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s bucket of %s: %w", bucket, campaignID, err)
	}

	records := make([]models.EmailRecord, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		// Index entry left behind by an out-of-band delete.
		if len(fields) == 0 {
			continue
		}
		records = append(records, models.EmailRecord{
			CampaignID:    campaignID,
			Bucket:        bucket,
			DocID:         ids[i],
			Email:         fields["email"],
			Status:        fields["status"],
			Reason:        fields["reason"],
			PendingReason: fields["pendingReason"],
			Timestamp:     ParseTimestamp(fields["timestamp"]),
			UpdatedAt:     ParseTimestamp(fields["updatedAt"]),
		})
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

func (s *RedisStore) IsContacted(ctx context.Context, campaignID, email string) (bool, error) {
	n, err := s.client.Exists(ctx, s.recordKey(campaignID, models.BucketDelivered, DocID(email))).Result()
	if err != nil {
		return false, fmt.Errorf("check contacted %s/%s: %w", campaignID, email, err)
	}
	return n > 0, nil
}

func (s *RedisStore) GetCounters(ctx context.Context, campaignID string) (*models.EmailConfig, error) {
	fields, err := s.client.HGetAll(ctx, s.configKey(campaignID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get counters %s: %w", campaignID, err)
	}
	if len(fields) == 0 {
		return nil, ErrCountersNotFound
	}

	cfg := &models.EmailConfig{
		CampaignID:  campaignID,
		LastUpdated: ParseTimestamp(fields["lastUpdated"]),
	}
	cfg.TotalEmails.Delivered, _ = strconv.Atoi(fields["delivered"])
	cfg.TotalEmails.Pending, _ = strconv.Atoi(fields["pending"])
	cfg.TotalEmails.Failed, _ = strconv.Atoi(fields["failed"])
	return cfg, nil
}

// ReconcileCounters recounts the record hashes of every bucket and drops index
// members whose record no longer exists.
func (s *RedisStore) ReconcileCounters(ctx context.Context, campaignID string) (*models.EmailConfig, error) {
	buckets := []models.Bucket{models.BucketDelivered, models.BucketPending, models.BucketFailed}
	cfgKey := s.configKey(campaignID)
	watched := []string{cfgKey}
	for _, bucket := range buckets {
		watched = append(watched, s.bucketKey(campaignID, bucket))
	}

	var cfg *models.EmailConfig
	txf := func(tx *redis.Tx) error {
		var totals models.EmailTotals
		counts := map[models.Bucket]*int{
			models.BucketDelivered: &totals.Delivered,
			models.BucketPending:   &totals.Pending,
			models.BucketFailed:    &totals.Failed,
		}
		dead := map[models.Bucket][]interface{}{}

		for _, bucket := range buckets {
			ids, err := tx.SMembers(ctx, s.bucketKey(campaignID, bucket)).Result()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				continue
			}

			keys := make([]string, len(ids))
			for i, id := range ids {
				keys[i] = s.recordKey(campaignID, bucket, id)
			}
			if err := tx.Watch(ctx, keys...).Err(); err != nil {
				return err
			}

			cmds := make([]*redis.IntCmd, len(keys))
			if _, err := tx.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for i, key := range keys {
					cmds[i] = pipe.Exists(ctx, key)
				}
				return nil
			}); err != nil {
				return err
			}

			for i, cmd := range cmds {
				if cmd.Val() > 0 {
					*counts[bucket]++
				} else {
					dead[bucket] = append(dead[bucket], ids[i])
				}
			}
		}

		now, stamp := s.stamp()
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for bucket, ids := range dead {
				pipe.SRem(ctx, s.bucketKey(campaignID, bucket), ids...)
			}
			pipe.HSet(ctx, cfgKey, map[string]interface{}{
				"delivered":   totals.Delivered,
				"pending":     totals.Pending,
				"failed":      totals.Failed,
				"lastUpdated": stamp,
			})
			return nil
		})
		if err == nil {
			cfg = &models.EmailConfig{CampaignID: campaignID, TotalEmails: totals, LastUpdated: now}
		}
		return err
	}

	if err := s.watch(ctx, txf, watched...); err != nil {
		return nil, fmt.Errorf("reconcile counters %s: %w", campaignID, err)
	}
	return cfg, nil
}

func (s *RedisStore) Unsubscribe(ctx context.Context, email string) (bool, error) {
	docID := DocID(email)
	now, _ := s.stamp()
	payload, err := json.Marshal(models.UnsubscribedRecord{
		ID:             docID,
		Email:          strings.TrimSpace(email),
		UnsubscribedAt: now,
	})
	if err != nil {
		return false, err
	}

	created, err := s.client.SetNX(ctx, s.unsubscribedKey(docID), payload, 0).Result()
	if err != nil {
		return false, fmt.Errorf("unsubscribe %s: %w", email, err)
	}
	return created, nil
}

func (s *RedisStore) IsUnsubscribed(ctx context.Context, email string) (bool, error) {
	n, err := s.client.Exists(ctx, s.unsubscribedKey(DocID(email))).Result()
	if err != nil {
		return false, fmt.Errorf("check unsubscribed %s: %w", email, err)
	}
	return n > 0, nil
}

func (s *RedisStore) RecordEvent(ctx context.Context, event *models.TrackingEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp, _ = s.stamp()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.eventsKey(event.CampaignID), payload).Err(); err != nil {
		return fmt.Errorf("record %s event: %w", event.Kind, err)
	}
	return nil
}

func (s *RedisStore) ListEvents(ctx context.Context, campaignID string, kind models.EventKind) ([]models.TrackingEvent, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(campaignID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", campaignID, err)
	}

	events := make([]models.TrackingEvent, 0, len(raw))
	for _, item := range raw {
		var evt models.TrackingEvent
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if kind != "" && evt.Kind != kind {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
