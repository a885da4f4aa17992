package controller

import (
	"errors"

	"etatdeslieux/models"
	"etatdeslieux/store"
	"etatdeslieux/utils"

	"github.com/gofiber/fiber/v2"
)

// CampaignController exposes the staff views of a campaign.
type CampaignController struct {
	Store store.Store
}

func NewCampaignController(s store.Store) *CampaignController {
	return &CampaignController{Store: s}
}

func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	id := c.Params("id")
	ctx := c.UserContext()

	campaign, err := cc.Store.GetCampaign(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrCampaignNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, msgCampaignNotFound, nil)
		}
		return cc.serverError(c, "Erreur lors de la récupération de la campagne", err, id)
	}

	counters, err := cc.Store.GetCounters(ctx, id)
	if errors.Is(err, store.ErrCountersNotFound) {
		counters = &models.EmailConfig{CampaignID: id}
	} else if err != nil {
		return cc.serverError(c, "Erreur lors de la récupération des compteurs", err, id)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"campaign":    campaign,
		"emailConfig": counters,
	}))
}

// ReconcileCounters rebuilds the counter document from the ledger buckets.
func (cc *CampaignController) ReconcileCounters(c *fiber.Ctx) error {
	id := c.Params("id")
	ctx := c.UserContext()

	if _, err := cc.Store.GetCampaign(ctx, id); err != nil {
		if errors.Is(err, store.ErrCampaignNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, msgCampaignNotFound, nil)
		}
		return cc.serverError(c, "Erreur lors de la récupération de la campagne", err, id)
	}

	counters, err := cc.Store.ReconcileCounters(ctx, id)
	if err != nil {
		return cc.serverError(c, "Erreur lors du recalcul des compteurs", err, id)
	}

	utils.LogEvent("counters_reconciled", map[string]interface{}{
		"campaign_id": id,
		"staff_id":    c.Locals("staffID"),
		"delivered":   counters.TotalEmails.Delivered,
		"pending":     counters.TotalEmails.Pending,
		"failed":      counters.TotalEmails.Failed,
	})
	return c.JSON(utils.SuccessResponse(fiber.Map{"emailConfig": counters}))
}

func (cc *CampaignController) ListEvents(c *fiber.Ctx) error {
	id := c.Params("id")
	kind := models.EventKind(c.Query("kind"))
	switch kind {
	case "", models.EventOpen, models.EventClick:
	default:
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Type d'événement invalide", nil)
	}

	events, err := cc.Store.ListEvents(c.UserContext(), id, kind)
	if err != nil {
		return cc.serverError(c, "Erreur lors de la récupération des événements", err, id)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"events": events}))
}

func (cc *CampaignController) serverError(c *fiber.Ctx, message string, err error, campaignID string) error {
	utils.LogError("campaign", err, map[string]interface{}{
		"campaign_id": campaignID,
		"path":        c.Path(),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, message, err)
}
