package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"etatdeslieux/config"
	"etatdeslieux/metrics"
	"etatdeslieux/store"
	"etatdeslieux/utils"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

// BounceWorker polls the bounce mailbox and writes failed deliveries into
// the ledger.
type BounceWorker struct {
	cfg    config.IMAPConfig
	store  store.Store
	logger *logrus.Entry
}

func NewBounceWorker(cfg config.IMAPConfig, s store.Store) *BounceWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &BounceWorker{
		cfg:    cfg,
		store:  s,
		logger: utils.Component("bounce_worker"),
	}
}

func (bw *BounceWorker) Start(ctx context.Context) {
	bw.logger.WithField("mailbox", bw.cfg.Mailbox).Info("Starting bounce worker")
	ticker := time.NewTicker(bw.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.poll(ctx); err != nil {
				bw.logger.WithError(err).Error("Bounce mailbox poll failed")
			}
		case <-ctx.Done():
			bw.logger.Info("Stopping bounce worker")
			return
		}
	}
}

func (bw *BounceWorker) connect() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", bw.cfg.Host, bw.cfg.Port)
	tlsConfig := &tls.Config{ServerName: bw.cfg.Host}

	var (
		c   *client.Client
		err error
	)
	switch strings.ToUpper(bw.cfg.Encryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(bw.cfg.Username, bw.cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	return c, nil
}

// poll fetches unseen messages without marking them, handles each one and
// flags as \Seen only those that need no retry.
func (bw *BounceWorker) poll(ctx context.Context) error {
	c, err := bw.connect()
	if err != nil {
		return err
	}
	defer c.Logout()

	if _, err := c.Select(bw.cfg.Mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := c.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	handled := new(imap.SeqSet)
	for msg := range messages {
		var body io.Reader
		for _, literal := range msg.Body {
			body = literal
			break
		}
		if body == nil {
			continue
		}
		if bw.HandleMessage(ctx, body) {
			handled.AddNum(msg.SeqNum)
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %w", err)
	}

	if handled.Empty() {
		return nil
	}
	flags := []interface{}{imap.SeenFlag}
	if err := c.Store(handled, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return fmt.Errorf("failed to flag messages: %w", err)
	}
	return nil
}

// HandleMessage records one raw message and reports whether it is done with.
// Ledger errors leave the message unseen for the next poll.
func (bw *BounceWorker) HandleMessage(ctx context.Context, raw io.Reader) bool {
	bounce, err := ParseBounce(raw)
	if errors.Is(err, ErrNotBounce) {
		return true
	}
	if err != nil {
		bw.logger.WithError(err).Warn("Unreadable message in bounce mailbox")
		return true
	}

	log := bw.logger.WithFields(logrus.Fields{
		"campaign_id": bounce.CampaignID,
		"email_id":    store.DocID(bounce.Recipient),
	})
	if bounce.CampaignID == "" {
		log.Warn("Bounce without campaign header, skipping")
		return true
	}

	if bounce.Delayed {
		err = bw.store.MarkPending(ctx, bounce.CampaignID, bounce.Recipient, bounce.Reason)
	} else {
		err = bw.store.MarkFailed(ctx, bounce.CampaignID, bounce.Recipient, bounce.Reason)
	}
	if err != nil {
		utils.LogError("bounce_ledger_write", err, map[string]interface{}{"campaign_id": bounce.CampaignID})
		return false
	}

	metrics.BouncesProcessedTotal.Inc()
	log.WithField("delayed", bounce.Delayed).Info("Bounce recorded")
	return true
}
