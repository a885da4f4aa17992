package controller

import (
	"sync"

	"etatdeslieux/metrics"
	"etatdeslieux/models"
	"etatdeslieux/utils"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 32

type subscriber struct {
	send chan []byte
}

// LiveFeed fans tracking events out to connected staff. Publish never
// blocks: a subscriber whose buffer is full is disconnected.
type LiveFeed struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	logger      *logrus.Entry
}

func NewLiveFeed() *LiveFeed {
	return &LiveFeed{
		subscribers: make(map[*subscriber]struct{}),
		logger:      utils.Component("live_feed"),
	}
}

func (f *LiveFeed) Publish(event *models.TrackingEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.WithError(err).Error("Failed to encode tracking event")
		return
	}

	f.mu.RLock()
	var slow []*subscriber
	for sub := range f.subscribers {
		select {
		case sub.send <- payload:
		default:
			slow = append(slow, sub)
		}
	}
	f.mu.RUnlock()

	for _, sub := range slow {
		f.logger.Warn("Dropping slow live feed subscriber")
		f.unsubscribe(sub)
	}
}

func (f *LiveFeed) subscribe() *subscriber {
	sub := &subscriber{send: make(chan []byte, subscriberBuffer)}
	f.mu.Lock()
	f.subscribers[sub] = struct{}{}
	f.mu.Unlock()
	metrics.LiveFeedSubscribers.Inc()
	return sub
}

func (f *LiveFeed) unsubscribe(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[sub]; !ok {
		return
	}
	delete(f.subscribers, sub)
	close(sub.send)
	metrics.LiveFeedSubscribers.Dec()
}

// Subscribers returns the number of connected clients.
func (f *LiveFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// UpgradeOnly rejects plain HTTP requests on the websocket route.
func UpgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handler streams every published event to the connection as a JSON text
// frame until either side goes away.
func (f *LiveFeed) Handler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()

		sub := f.subscribe()
		defer f.unsubscribe(sub)

		staffID, _ := conn.Locals("staffID").(string)
		log := f.logger.WithField("staff_id", staffID)
		log.Info("Live feed subscriber connected")

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case payload, ok := <-sub.send:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					log.WithError(err).Debug("Live feed write failed")
					return
				}
			case <-done:
				log.Info("Live feed subscriber disconnected")
				return
			}
		}
	})
}
