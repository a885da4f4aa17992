package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"etatdeslieux/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps the ledger in Postgres. MarkDelivered relies on
// INSERT ... ON CONFLICT so concurrent marks never lose a counter update.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) EnsureCampaign(ctx context.Context, campaignID string) (*models.Campaign, error) {
	campaign := models.NewCampaign(campaignID, s.now())
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(campaign).Error; err != nil {
		return nil, fmt.Errorf("ensure campaign %s: %w", campaignID, err)
	}
	return s.GetCampaign(ctx, campaignID)
}

func (s *GormStore) GetCampaign(ctx context.Context, campaignID string) (*models.Campaign, error) {
	var campaign models.Campaign
	err := s.db.WithContext(ctx).Where("id = ?", campaignID).First(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", campaignID, err)
	}
	return &campaign, nil
}

func (s *GormStore) MarkDelivered(ctx context.Context, campaignID, email string) (bool, error) {
	docID := DocID(email)
	var created bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		record := models.EmailRecord{
			CampaignID: campaignID,
			Bucket:     models.BucketDelivered,
			DocID:      docID,
			Email:      strings.TrimSpace(email),
			Status:     models.BucketDelivered.Status(),
			Timestamp:  now,
			UpdatedAt:  now,
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Model(&models.EmailRecord{}).
				Where("campaign_id = ? AND bucket = ? AND doc_id = ?", campaignID, models.BucketDelivered, docID).
				Update("updated_at", now).Error
		}

		counter := models.EmailConfig{
			CampaignID:  campaignID,
			TotalEmails: models.EmailTotals{Delivered: 1},
			LastUpdated: now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "campaign_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total_delivered": gorm.Expr("email_configs.total_delivered + 1"),
				"last_updated":    now,
			}),
		}).Create(&counter).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.Campaign{}).
			Where("id = ?", campaignID).
			Updates(map[string]interface{}{
				"stats_emails_sent": gorm.Expr("stats_emails_sent + 1"),
				"stats_last_sent":   now,
			}).Error; err != nil {
			return err
		}

		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark delivered %s/%s: %w", campaignID, email, err)
	}
	return created, nil
}

func (s *GormStore) MarkFailed(ctx context.Context, campaignID, email, reason string) error {
	return s.writeRecord(ctx, campaignID, models.BucketFailed, email, func(r *models.EmailRecord) {
		r.Reason = reason
	})
}

func (s *GormStore) MarkPending(ctx context.Context, campaignID, email, reason string) error {
	return s.writeRecord(ctx, campaignID, models.BucketPending, email, func(r *models.EmailRecord) {
		r.PendingReason = reason
	})
}

func (s *GormStore) writeRecord(ctx context.Context, campaignID string, bucket models.Bucket, email string, fill func(*models.EmailRecord)) error {
	now := s.now()
	record := models.EmailRecord{
		CampaignID: campaignID,
		Bucket:     bucket,
		DocID:      DocID(email),
		Email:      strings.TrimSpace(email),
		Status:     bucket.Status(),
		Timestamp:  now,
		UpdatedAt:  now,
	}
	fill(&record)

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "bucket"}, {Name: "doc_id"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("write %s record %s/%s: %w", bucket, campaignID, email, err)
	}
	return nil
}

func (s *GormStore) ListBucket(ctx context.Context, campaignID string, bucket models.Bucket) ([]models.EmailRecord, error) {
	records := []models.EmailRecord{}
	if err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND bucket = ?", campaignID, bucket).
		Order("timestamp ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list %s bucket of %s: %w", bucket, campaignID, err)
	}
	return records, nil
}

func (s *GormStore) IsContacted(ctx context.Context, campaignID, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.EmailRecord{}).
		Where("campaign_id = ? AND bucket = ? AND doc_id = ?", campaignID, models.BucketDelivered, DocID(email)).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("check contacted %s/%s: %w", campaignID, email, err)
	}
	return count > 0, nil
}

func (s *GormStore) GetCounters(ctx context.Context, campaignID string) (*models.EmailConfig, error) {
	var cfg models.EmailConfig
	err := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCountersNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get counters %s: %w", campaignID, err)
	}
	return &cfg, nil
}

func (s *GormStore) ReconcileCounters(ctx context.Context, campaignID string) (*models.EmailConfig, error) {
	var cfg models.EmailConfig

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []struct {
			Bucket models.Bucket
			Total  int
		}
		if err := tx.Model(&models.EmailRecord{}).
			Select("bucket, COUNT(*) AS total").
			Where("campaign_id = ?", campaignID).
			Group("bucket").
			Scan(&rows).Error; err != nil {
			return err
		}

		cfg = models.EmailConfig{CampaignID: campaignID, LastUpdated: s.now()}
		for _, row := range rows {
			switch row.Bucket {
			case models.BucketDelivered:
				cfg.TotalEmails.Delivered = row.Total
			case models.BucketPending:
				cfg.TotalEmails.Pending = row.Total
			case models.BucketFailed:
				cfg.TotalEmails.Failed = row.Total
			}
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "campaign_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"total_delivered", "total_pending", "total_failed", "last_updated"}),
		}).Create(&cfg).Error
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile counters %s: %w", campaignID, err)
	}
	return &cfg, nil
}

func (s *GormStore) Unsubscribe(ctx context.Context, email string) (bool, error) {
	record := models.UnsubscribedRecord{
		ID:             DocID(email),
		Email:          strings.TrimSpace(email),
		UnsubscribedAt: s.now(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if res.Error != nil {
		return false, fmt.Errorf("unsubscribe %s: %w", email, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) IsUnsubscribed(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.UnsubscribedRecord{}).
		Where("id = ?", DocID(email)).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("check unsubscribed %s: %w", email, err)
	}
	return count > 0, nil
}

func (s *GormStore) RecordEvent(ctx context.Context, event *models.TrackingEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("record %s event: %w", event.Kind, err)
	}
	return nil
}

func (s *GormStore) ListEvents(ctx context.Context, campaignID string, kind models.EventKind) ([]models.TrackingEvent, error) {
	query := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}

	events := []models.TrackingEvent{}
	if err := query.Order("timestamp ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list events %s: %w", campaignID, err)
	}
	return events, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
