package controller

import (
	"errors"

	"etatdeslieux/metrics"
	"etatdeslieux/models"
	"etatdeslieux/store"
	"etatdeslieux/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const (
	msgEmailAndCampaignRequired = "Email et campaignId requis"
	msgCampaignRequired         = "campaignId requis"
	msgCampaignNotFound         = "Campagne non trouvée"
)

// LedgerController serves the per-campaign delivery ledger.
type LedgerController struct {
	Store  store.Store
	Logger *logrus.Entry
}

func NewLedgerController(s store.Store) *LedgerController {
	return &LedgerController{Store: s, Logger: utils.Component("ledger")}
}

type contactRequest struct {
	Email      string `json:"email" validate:"required"`
	CampaignID string `json:"campaignId" validate:"required"`
}

type failedRequest struct {
	Email      string `json:"email" validate:"required"`
	CampaignID string `json:"campaignId" validate:"required"`
	Reason     string `json:"reason"`
}

type pendingRequest struct {
	Email         string `json:"email" validate:"required"`
	CampaignID    string `json:"campaignId" validate:"required"`
	PendingReason string `json:"pendingReason"`
}

type campaignRequest struct {
	CampaignID string `json:"campaignId" validate:"required"`
}

// EmailRecordResponse is the uniform shape of every bucket listing.
type EmailRecordResponse struct {
	Email     string `json:"email"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

func toRecordResponses(records []models.EmailRecord) []EmailRecordResponse {
	out := make([]EmailRecordResponse, 0, len(records))
	for _, r := range records {
		resp := EmailRecordResponse{
			Email:  r.Email,
			Status: r.Status,
			Reason: r.Reason,
		}
		if resp.Reason == "" {
			resp.Reason = r.PendingReason
		}
		ts := r.Timestamp
		if ts.IsZero() {
			ts = r.UpdatedAt
		}
		if !ts.IsZero() {
			resp.Timestamp = store.FormatTimestamp(ts)
		}
		out = append(out, resp)
	}
	return out
}

// AddToContacted records a delivered email. The campaign must exist.
func (lc *LedgerController) AddToContacted(c *fiber.Ctx) error {
	var req contactRequest
	if err := utils.ParseBody(c, &req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, msgEmailAndCampaignRequired, err)
	}
	ctx := c.UserContext()

	if _, err := lc.Store.GetCampaign(ctx, req.CampaignID); err != nil {
		if errors.Is(err, store.ErrCampaignNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, msgCampaignNotFound, nil)
		}
		return lc.serverError(c, "Erreur lors de la vérification de la campagne", err, req.CampaignID)
	}

	created, err := lc.Store.MarkDelivered(ctx, req.CampaignID, req.Email)
	if err != nil {
		metrics.LedgerWritesTotal.WithLabelValues(string(models.BucketDelivered), "error").Inc()
		return lc.serverError(c, "Erreur lors de l'ajout aux contacts", err, req.CampaignID)
	}

	result := "refreshed"
	if created {
		result = "created"
	}
	metrics.LedgerWritesTotal.WithLabelValues(string(models.BucketDelivered), result).Inc()
	return c.JSON(utils.SuccessResponse(nil))
}

func (lc *LedgerController) AddFailedDelivery(c *fiber.Ctx) error {
	var req failedRequest
	if err := utils.ParseBody(c, &req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, msgEmailAndCampaignRequired, err)
	}

	if err := lc.Store.MarkFailed(c.UserContext(), req.CampaignID, req.Email, req.Reason); err != nil {
		metrics.LedgerWritesTotal.WithLabelValues(string(models.BucketFailed), "error").Inc()
		return lc.serverError(c, "Erreur lors de l'enregistrement de l'échec", err, req.CampaignID)
	}
	metrics.LedgerWritesTotal.WithLabelValues(string(models.BucketFailed), "created").Inc()
	return c.JSON(utils.SuccessResponse(nil))
}

func (lc *LedgerController) AddPendingDelivery(c *fiber.Ctx) error {
	var req pendingRequest
	if err := utils.ParseBody(c, &req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, msgEmailAndCampaignRequired, err)
	}

	if err := lc.Store.MarkPending(c.UserContext(), req.CampaignID, req.Email, req.PendingReason); err != nil {
		metrics.LedgerWritesTotal.WithLabelValues(string(models.BucketPending), "error").Inc()
		return lc.serverError(c, "Erreur lors de l'enregistrement de l'email en attente", err, req.CampaignID)
	}
	metrics.LedgerWritesTotal.WithLabelValues(string(models.BucketPending), "created").Inc()
	return c.JSON(utils.SuccessResponse(nil))
}

// GetDeliveredEmails creates the campaign on first reference, unlike the
// failed and pending listings which answer 404.
func (lc *LedgerController) GetDeliveredEmails(c *fiber.Ctx) error {
	var req campaignRequest
	if err := utils.ParseBody(c, &req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, msgCampaignRequired, err)
	}
	ctx := c.UserContext()

	if _, err := lc.Store.EnsureCampaign(ctx, req.CampaignID); err != nil {
		return lc.serverError(c, "Erreur lors de la récupération de la campagne", err, req.CampaignID)
	}

	records, err := lc.Store.ListBucket(ctx, req.CampaignID, models.BucketDelivered)
	if err != nil {
		return lc.serverError(c, "Erreur lors de la récupération des emails délivrés", err, req.CampaignID)
	}
	return c.JSON(fiber.Map{"deliveredEmails": toRecordResponses(records)})
}

func (lc *LedgerController) GetFailedEmails(c *fiber.Ctx) error {
	return lc.listExisting(c, models.BucketFailed, "failedEmails", "Erreur lors de la récupération des emails non délivrés")
}

func (lc *LedgerController) GetPendingEmails(c *fiber.Ctx) error {
	return lc.listExisting(c, models.BucketPending, "pendingEmails", "Erreur lors de la récupération des emails en attente")
}

func (lc *LedgerController) listExisting(c *fiber.Ctx, bucket models.Bucket, key, failure string) error {
	var req campaignRequest
	if err := utils.ParseBody(c, &req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, msgCampaignRequired, err)
	}
	ctx := c.UserContext()

	if _, err := lc.Store.GetCampaign(ctx, req.CampaignID); err != nil {
		if errors.Is(err, store.ErrCampaignNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"error":   msgCampaignNotFound,
				key:       []EmailRecordResponse{},
			})
		}
		return lc.serverError(c, failure, err, req.CampaignID)
	}

	records, err := lc.Store.ListBucket(ctx, req.CampaignID, bucket)
	if err != nil {
		return lc.serverError(c, failure, err, req.CampaignID)
	}
	return c.JSON(fiber.Map{key: toRecordResponses(records)})
}

func (lc *LedgerController) CheckAlreadyContacted(c *fiber.Ctx) error {
	var req contactRequest
	if err := utils.ParseBody(c, &req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, msgEmailAndCampaignRequired, err)
	}

	contacted, err := lc.Store.IsContacted(c.UserContext(), req.CampaignID, req.Email)
	if err != nil {
		return lc.serverError(c, "Erreur lors de la vérification du contact", err, req.CampaignID)
	}
	return c.JSON(fiber.Map{"alreadyContacted": contacted})
}

func (lc *LedgerController) serverError(c *fiber.Ctx, message string, err error, campaignID string) error {
	utils.LogError("ledger", err, map[string]interface{}{
		"campaign_id": campaignID,
		"path":        c.Path(),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, message, err)
}
