package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_jukebox/internal/events"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Token string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSBus fans events out across nodes over NATS core pub/sub. Subjects
// follow the pattern "skald.events.<event_type>".
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
	local  *events.Bus
	nodeID string

	mu          sync.Mutex
	subscribers map[events.EventType]*nats.Subscription
	useFallback bool
}

// NewNATSBus connects to NATS. An unreachable broker degrades to the
// in-memory bus instead of failing startup.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	nb := &NATSBus{
		logger:      logger.With().Str("component", "eventbus").Logger(),
		local:       events.NewBus(),
		nodeID:      nodeID,
		subscribers: make(map[events.EventType]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			nb.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			nb.logger.Info().Msg("nats reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		nb.logger.Warn().Err(err).Msg("nats unreachable, using in-memory fallback")
		nb.useFallback = true
		return nb, nil
	}

	nb.conn = conn
	nb.logger.Info().Str("url", cfg.URL).Msg("nats event bus connected")
	return nb, nil
}

func subject(eventType events.EventType) string {
	return fmt.Sprintf("skald.events.%s", eventType)
}

// Subscribe registers a subscriber for an event type, binding the NATS
// subject on first use.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := nb.local.Subscribe(eventType)

	nb.mu.Lock()
	defer nb.mu.Unlock()
	if nb.useFallback {
		return sub
	}
	if _, exists := nb.subscribers[eventType]; !exists {
		natsSub, err := nb.conn.Subscribe(subject(eventType), func(msg *nats.Msg) {
			parsed, err := unmarshalMessage(msg.Data)
			if err != nil {
				nb.logger.Error().Err(err).Msg("bad nats message")
				return
			}
			if parsed.NodeID == nb.nodeID {
				return
			}
			nb.local.Publish(eventType, parsed.Payload)
		})
		if err != nil {
			nb.logger.Error().Err(err).Str("subject", subject(eventType)).Msg("nats subscribe failed")
			return sub
		}
		nb.subscribers[eventType] = natsSub
	}
	return sub
}

// Publish delivers locally and forwards to the broker.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.Publish(eventType, payload)

	nb.mu.Lock()
	fallback := nb.useFallback
	nb.mu.Unlock()
	if fallback {
		return
	}

	data, err := marshalMessage(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Msg("marshal nats message")
		return
	}
	if err := nb.conn.Publish(subject(eventType), data); err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("nats publish failed")
	}
}

// Unsubscribe removes a subscriber.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.local.Unsubscribe(eventType, sub)
}

// Close drains the connection so in-flight messages are delivered.
func (nb *NATSBus) Close() error {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	for _, sub := range nb.subscribers {
		sub.Unsubscribe()
	}
	nb.subscribers = make(map[events.EventType]*nats.Subscription)
	if nb.conn != nil {
		return nb.conn.Drain()
	}
	return nil
}
