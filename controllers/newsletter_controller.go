package controller

import (
	"context"

	"etatdeslieux/utils"

	"github.com/gofiber/fiber/v2"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req utils.NewsletterRequest) (*utils.DispatchReport, error)
}

type NewsletterController struct {
	Sender Dispatcher
}

func NewNewsletterController(sender Dispatcher) *NewsletterController {
	return &NewsletterController{Sender: sender}
}

// SendNewsletter runs the dispatch inside the request. A run interrupted by
// a backend error still returns what was sent so far.
func (nc *NewsletterController) SendNewsletter(c *fiber.Ctx) error {
	var req utils.NewsletterRequest
	if err := utils.ParseBody(c, &req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Requête d'envoi invalide", err)
	}

	report, err := nc.Sender.Dispatch(c.UserContext(), req)
	if err != nil {
		utils.LogError("newsletter_dispatch", err, map[string]interface{}{
			"campaign_id": req.CampaignID,
			"staff_id":    c.Locals("staffID"),
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Erreur lors de l'envoi de la newsletter",
			"details": err.Error(),
			"report":  report,
		})
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"report": report}))
}
