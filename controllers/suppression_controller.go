package controller

import (
	"bytes"
	"html/template"

	"etatdeslieux/metrics"
	"etatdeslieux/store"
	"etatdeslieux/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const (
	msgEmailRequired       = "Email requis"
	msgUnsubscribed        = "Vous avez été désabonné avec succès"
	msgAlreadyUnsubscribed = "Vous êtes déjà désabonné"
)

// SuppressionController manages the global unsubscribe list.
type SuppressionController struct {
	Store  store.Store
	Logger *logrus.Entry
}

func NewSuppressionController(s store.Store) *SuppressionController {
	return &SuppressionController{Store: s, Logger: utils.Component("suppression")}
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (sc *SuppressionController) Unsubscribe(c *fiber.Ctx) error {
	var req emailRequest
	if err := utils.ParseBody(c, &req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, msgEmailRequired, err)
	}

	message, err := sc.unsubscribe(c, req.Email)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Erreur lors du désabonnement", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"message": message}))
}

var unsubscribePage = template.Must(template.New("unsubscribe").Parse(`<!DOCTYPE html>
<html lang="fr">
<head><meta charset="utf-8"><title>Désabonnement</title></head>
<body style="font-family:sans-serif;text-align:center;padding:48px">
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Email}}<p style="color:#888">{{.Email}}</p>{{end}}
</body>
</html>`))

// UnsubscribePage is the target of the link embedded in every newsletter.
func (sc *SuppressionController) UnsubscribePage(c *fiber.Ctx) error {
	email := c.Query("email")
	if err := utils.ValidateStruct(emailRequest{Email: email}); err != nil {
		return sc.renderPage(c, fiber.StatusBadRequest, "Lien invalide", "Ce lien de désabonnement n'est pas valide.", "")
	}

	message, err := sc.unsubscribe(c, email)
	if err != nil {
		return sc.renderPage(c, fiber.StatusInternalServerError, "Erreur", "Une erreur est survenue, veuillez réessayer plus tard.", "")
	}
	return sc.renderPage(c, fiber.StatusOK, "Désabonnement", message, email)
}

func (sc *SuppressionController) CheckUnsubscribed(c *fiber.Ctx) error {
	var req emailRequest
	if err := utils.ParseBody(c, &req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, msgEmailRequired, err)
	}

	unsubscribed, err := sc.Store.IsUnsubscribed(c.UserContext(), req.Email)
	if err != nil {
		utils.LogError("suppression", err, map[string]interface{}{"path": c.Path()})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Erreur lors de la vérification du désabonnement", err)
	}
	return c.JSON(fiber.Map{"isUnsubscribed": unsubscribed})
}

func (sc *SuppressionController) unsubscribe(c *fiber.Ctx, email string) (string, error) {
	created, err := sc.Store.Unsubscribe(c.UserContext(), email)
	if err != nil {
		metrics.UnsubscribesTotal.WithLabelValues("error").Inc()
		utils.LogError("suppression", err, map[string]interface{}{"path": c.Path()})
		return "", err
	}
	if !created {
		metrics.UnsubscribesTotal.WithLabelValues("duplicate").Inc()
		return msgAlreadyUnsubscribed, nil
	}

	metrics.UnsubscribesTotal.WithLabelValues("created").Inc()
	utils.LogEvent("unsubscribed", map[string]interface{}{"email_id": store.DocID(email)})
	return msgUnsubscribed, nil
}

func (sc *SuppressionController) renderPage(c *fiber.Ctx, status int, title, message, email string) error {
	var buf bytes.Buffer
	if err := unsubscribePage.Execute(&buf, fiber.Map{"Title": title, "Message": message, "Email": email}); err != nil {
		return err
	}
	c.Type("html", "utf-8")
	return c.Status(status).Send(buf.Bytes())
}
