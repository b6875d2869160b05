package notify

import (
	"encoding/json"
	"log/slog"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/watchloop/agentsup/internal/eventbus"
)

// Service is the Notification Service (spec.md §2.K): it subscribes to
// notification:new events (already upserted into the repository by
// whichever component raised them) and announces each one on every
// configured channel.
type Service struct {
	manager *Manager
	slack   *slackSink
	bus     *eventbus.Bus
	logger  *slog.Logger

	busEvents <-chan eventbus.Event
	stopped   chan struct{}
}

// New constructs the push Manager, the optional Slack sink, and starts
// consuming notification:new events from bus.
func New(cfg Config, bus *eventbus.Bus, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	manager, err := NewManager(logger, cfg.VAPIDConfigDir)
	if err != nil {
		return nil, err
	}
	s := &Service{
		manager: manager,
		slack:   newSlackSink(cfg.SlackWebhookURL, logger),
		bus:     bus,
		logger:  logger,
		stopped: make(chan struct{}),
	}
	s.busEvents = bus.Subscribe(eventbus.KindNotificationNew)
	go s.consumeBus()
	return s, nil
}

// Stop unsubscribes from the bus.
func (s *Service) Stop() {
	s.bus.Unsubscribe(s.busEvents)
	<-s.stopped
}

// VAPIDPublicKey exposes the push Manager's public key for the HTTP
// surface to hand to browser clients during subscription setup.
func (s *Service) VAPIDPublicKey() string { return s.manager.VAPIDPublicKey() }

// Subscribe/Unsubscribe register and remove browser push endpoints; they
// delegate straight to the push Manager.
func (s *Service) Subscribe(sub *webpush.Subscription) {
	s.manager.Subscribe(sub)
}

func (s *Service) Unsubscribe(endpoint string) {
	s.manager.Unsubscribe(endpoint)
}

func (s *Service) consumeBus() {
	defer close(s.stopped)
	for ev := range s.busEvents {
		p, ok := ev.Payload.(eventbus.NotificationNew)
		if !ok {
			continue
		}
		s.announce(announcement{
			ID: p.ID, Type: p.Type, Message: p.Message,
			SessionID: p.SessionID, TicketID: p.TicketID, At: p.At,
		})
	}
}

func (s *Service) announce(a announcement) {
	payload, err := json.Marshal(pushPayload{Type: a.Type, Message: a.Message, SessionID: a.SessionID, TicketID: a.TicketID})
	if err != nil {
		s.logger.Debug("notify: marshal push payload failed", "err", err)
	} else {
		s.manager.Send(payload)
	}
	s.slack.send(a)
}
