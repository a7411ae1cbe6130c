// Package messaging provides a NATS client wrapper for pub/sub messaging
// across the matchmaking services. It handles connection lifecycle,
// subject-based subscriptions, and convenience methods for the matching and
// room-notification channels. Signaling servers and the matcher may run as
// many instances; NATS is how an event for a participant reaches whichever
// instance owns their connection.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across the services.
const (
	SubjectMatchRequest = "match.request"
	SubjectMatchCancel  = "match.cancel"
	SubjectMatchFound   = "match.found" // + .<participant_id>
	SubjectRoomNotify   = "room.notify" // + .<participant_id> (room lifecycle + media events)
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "sparkdate",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup. Subscribing a subject that is
// already subscribed replaces the handler; the previous subscription is
// unsubscribed so it neither double-delivers nor lingers on the server.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	old := c.subs[subject]
	c.subs[subject] = sub
	c.mu.Unlock()

	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe replaced %s: %v", subject, err)
		}
	}

	return nil
}

// PublishMatchRequest publishes a search-start request to the matcher.
func (c *NATSClient) PublishMatchRequest(data []byte) error {
	return c.Publish(SubjectMatchRequest, data)
}

// PublishMatchCancel publishes a search-cancel request to the matcher.
func (c *NATSClient) PublishMatchCancel(data []byte) error {
	return c.Publish(SubjectMatchCancel, data)
}

// SubscribeMatchRequest subscribes to search-start requests from signaling
// servers.
func (c *NATSClient) SubscribeMatchRequest(handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchRequest, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeMatchCancel subscribes to search-cancel requests from signaling
// servers.
func (c *NATSClient) SubscribeMatchCancel(handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchCancel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMatchFound publishes a match result (or search timeout) to a
// participant.
func (c *NATSClient) PublishMatchFound(participantID string, data []byte) error {
	return c.Publish(SubjectMatchFound+"."+participantID, data)
}

// SubscribeMatchFound subscribes to match results for a participant.
func (c *NATSClient) SubscribeMatchFound(participantID string, handler func(data []byte)) error {
	subject := SubjectMatchFound + "." + participantID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeMatchFound unsubscribes from match results for a participant.
func (c *NATSClient) UnsubscribeMatchFound(participantID string) error {
	return c.unsubscribe(SubjectMatchFound + "." + participantID)
}

// PublishRoomNotify publishes a room lifecycle or media event to a
// participant, wherever their connection lives.
func (c *NATSClient) PublishRoomNotify(participantID string, data []byte) error {
	return c.Publish(SubjectRoomNotify+"."+participantID, data)
}

// SubscribeRoomNotify subscribes to room events for a participant.
func (c *NATSClient) SubscribeRoomNotify(participantID string, handler func(data []byte)) error {
	subject := SubjectRoomNotify + "." + participantID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeRoomNotify unsubscribes from room events for a participant.
func (c *NATSClient) UnsubscribeRoomNotify(participantID string) error {
	return c.unsubscribe(SubjectRoomNotify + "." + participantID)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
