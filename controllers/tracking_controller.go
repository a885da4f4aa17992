package controller

import (
	"context"
	"net/url"
	"time"

	"etatdeslieux/metrics"
	"etatdeslieux/models"
	"etatdeslieux/store"
	"etatdeslieux/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const beaconTimeout = 3 * time.Second

// EventPublisher receives every recorded tracking event.
type EventPublisher interface {
	Publish(event *models.TrackingEvent)
}

// TrackingController serves the open pixel and the click redirect. Neither
// beacon ever reports a recording failure to the mail client.
type TrackingController struct {
	Store    store.Store
	Feed     EventPublisher
	SiteRoot string
	Logger   *logrus.Entry
}

func NewTrackingController(s store.Store, feed EventPublisher, siteRoot string) *TrackingController {
	return &TrackingController{
		Store:    s,
		Feed:     feed,
		SiteRoot: siteRoot,
		Logger:   utils.Component("tracking"),
	}
}

func campaignParam(c *fiber.Ctx) string {
	if cid := c.Query("cid"); cid != "" {
		return cid
	}
	return c.Query("campaignId")
}

func (tc *TrackingController) HandleOpenTracking(c *fiber.Ctx) error {
	cid := campaignParam(c)
	email := c.Query("email")
	if cid == "" || email == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Paramètres cid et email requis", nil)
	}

	tc.record(c, &models.TrackingEvent{
		Kind:       models.EventOpen,
		CampaignID: cid,
		Email:      email,
	})

	return c.Type("gif").Send(transparentPixel())
}

func (tc *TrackingController) HandleClickTracking(c *fiber.Ctx) error {
	cid := campaignParam(c)
	email := c.Query("email")
	rawURL := c.Query("url")
	if cid == "" || email == "" || rawURL == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Paramètres cid, email et url requis", nil)
	}

	target := tc.redirectTarget(rawURL)
	tc.record(c, &models.TrackingEvent{
		Kind:       models.EventClick,
		CampaignID: cid,
		Email:      email,
		URL:        target,
	})

	return c.Redirect(target, fiber.StatusFound)
}

// redirectTarget falls back to the site root for anything that is not an
// absolute http(s) URL. The query parameter is already decoded by fiber.
func (tc *TrackingController) redirectTarget(target string) string {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return tc.SiteRoot
	}
	return target
}

func (tc *TrackingController) record(c *fiber.Ctx, event *models.TrackingEvent) {
	event.UserAgent = c.Get(fiber.HeaderUserAgent)
	event.IP = c.IP()

	ctx, cancel := context.WithTimeout(c.UserContext(), beaconTimeout)
	defer cancel()

	if err := tc.Store.RecordEvent(ctx, event); err != nil {
		metrics.TrackingEventsTotal.WithLabelValues(string(event.Kind), "error").Inc()
		tc.Logger.WithError(err).WithFields(logrus.Fields{
			"kind":        event.Kind,
			"campaign_id": event.CampaignID,
		}).Warn("Failed to record tracking event")
		return
	}

	metrics.TrackingEventsTotal.WithLabelValues(string(event.Kind), "recorded").Inc()
	if tc.Feed != nil {
		tc.Feed.Publish(event)
	}
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
