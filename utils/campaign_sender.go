package utils

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"etatdeslieux/metrics"
	"etatdeslieux/store"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Dispatch outcomes, also used as the newsletter_dispatch_total label.
const (
	OutcomeSent                = "sent"
	OutcomeFailed              = "failed"
	OutcomeSkippedInvalid      = "skipped_invalid"
	OutcomeSkippedUnsubscribed = "skipped_unsubscribed"
	OutcomeSkippedContacted    = "skipped_contacted"
	OutcomeSkippedDuplicate    = "skipped_duplicate"
)

type NewsletterRequest struct {
	CampaignID string   `json:"campaignId" validate:"required"`
	Subject    string   `json:"subject" validate:"required"`
	HTML       string   `json:"html" validate:"required"`
	Recipients []string `json:"recipients" validate:"required,min=1,max=5000"`
}

type RecipientResult struct {
	Email   string `json:"email"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

type DispatchReport struct {
	CampaignID string            `json:"campaignId"`
	Sent       int               `json:"sent"`
	Skipped    int               `json:"skipped"`
	Failed     int               `json:"failed"`
	Results    []RecipientResult `json:"results"`
}

func (r *DispatchReport) add(result RecipientResult) {
	switch result.Outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeFailed:
		r.Failed++
	default:
		r.Skipped++
	}
	r.Results = append(r.Results, result)
	metrics.NewsletterDispatchTotal.WithLabelValues(result.Outcome).Inc()
}

// CampaignSender delivers a newsletter one recipient at a time and records
// each outcome in the ledger.
type CampaignSender struct {
	Store   store.Store
	Mailer  Mailer
	BaseURL string
	Limiter *rate.Limiter
	Logger  *logrus.Entry
}

func NewCampaignSender(s store.Store, mailer Mailer, baseURL string, perSecond float64) *CampaignSender {
	return &CampaignSender{
		Store:   s,
		Mailer:  mailer,
		BaseURL: baseURL,
		Limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		Logger:  Component("dispatch"),
	}
}

var newsletterLayout = template.Must(template.New("newsletter").Parse(`<!DOCTYPE html>
<html lang="fr">
<head><meta charset="utf-8"></head>
<body>
{{.Body}}
<p style="font-size:12px;color:#888">Vous recevez cet email car vous êtes inscrit à notre liste. <a href="{{.UnsubscribeURL}}">Se désabonner</a></p>
</body>
</html>`))

func renderNewsletter(body, unsubscribeURL string) (string, error) {
	var buf bytes.Buffer
	err := newsletterLayout.Execute(&buf, struct {
		Body           template.HTML
		UnsubscribeURL string
	}{template.HTML(body), unsubscribeURL})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Dispatch sends req to every eligible recipient. A store error while
// checking eligibility aborts the run and returns the partial report.
func (cs *CampaignSender) Dispatch(ctx context.Context, req NewsletterRequest) (*DispatchReport, error) {
	if _, err := cs.Store.EnsureCampaign(ctx, req.CampaignID); err != nil {
		return nil, err
	}

	report := &DispatchReport{CampaignID: req.CampaignID, Results: []RecipientResult{}}
	seen := make(map[string]struct{}, len(req.Recipients))

	for _, raw := range req.Recipients {
		email := strings.TrimSpace(raw)
		key := store.NormalizeEmail(email)
		if _, dup := seen[key]; dup {
			report.add(RecipientResult{Email: email, Outcome: OutcomeSkippedDuplicate})
			continue
		}
		seen[key] = struct{}{}

		if status, details := VerifyRecipient(email); status != RecipientValid {
			report.add(RecipientResult{Email: email, Outcome: OutcomeSkippedInvalid, Reason: details})
			continue
		}

		unsubscribed, err := cs.Store.IsUnsubscribed(ctx, email)
		if err != nil {
			return report, err
		}
		if unsubscribed {
			report.add(RecipientResult{Email: email, Outcome: OutcomeSkippedUnsubscribed})
			continue
		}

		contacted, err := cs.Store.IsContacted(ctx, req.CampaignID, email)
		if err != nil {
			return report, err
		}
		if contacted {
			report.add(RecipientResult{Email: email, Outcome: OutcomeSkippedContacted})
			continue
		}

		if err := cs.Limiter.Wait(ctx); err != nil {
			return report, err
		}
		report.add(cs.sendOne(ctx, req, email))
	}

	cs.Logger.WithFields(logrus.Fields{
		"campaign_id": req.CampaignID,
		"sent":        report.Sent,
		"skipped":     report.Skipped,
		"failed":      report.Failed,
	}).Info("Newsletter dispatch finished")
	return report, nil
}

func (cs *CampaignSender) sendOne(ctx context.Context, req NewsletterRequest, email string) RecipientResult {
	log := cs.Logger.WithFields(logrus.Fields{"campaign_id": req.CampaignID, "email": email})

	unsubscribeURL := GenerateUnsubscribeURL(cs.BaseURL, email)
	body, err := renderNewsletter(InjectTracking(req.HTML, cs.BaseURL, req.CampaignID, email), unsubscribeURL)
	if err != nil {
		return RecipientResult{Email: email, Outcome: OutcomeFailed, Reason: err.Error()}
	}

	sendErr := cs.Mailer.Send(ctx, OutgoingEmail{
		To:      email,
		Subject: req.Subject,
		HTML:    body,
		Headers: map[string]string{
			"X-Campaign-Id":    req.CampaignID,
			"List-Unsubscribe": fmt.Sprintf("<%s>", unsubscribeURL),
		},
	})
	if sendErr != nil {
		log.WithError(sendErr).Warn("Newsletter delivery failed")
		if err := cs.Store.MarkFailed(ctx, req.CampaignID, email, sendErr.Error()); err != nil {
			LogError("ledger_write", err, map[string]interface{}{"campaign_id": req.CampaignID, "email": email, "bucket": "non_delivre"})
		}
		return RecipientResult{Email: email, Outcome: OutcomeFailed, Reason: sendErr.Error()}
	}

	if _, err := cs.Store.MarkDelivered(ctx, req.CampaignID, email); err != nil {
		LogError("ledger_write", err, map[string]interface{}{"campaign_id": req.CampaignID, "email": email, "bucket": "delivered"})
		return RecipientResult{Email: email, Outcome: OutcomeSent, Reason: err.Error()}
	}
	return RecipientResult{Email: email, Outcome: OutcomeSent}
}
