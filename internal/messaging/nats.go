// Package messaging connects pairchat instances over NATS. A Relay extends
// the local WebSocket transport so that joins and emits addressed to
// connections or channels held by other instances reach them.
package messaging

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "nats")

// ErrNotConnected is reported by Healthy while the client is reconnecting or
// closed.
var ErrNotConnected = errors.New("messaging: nats not connected")

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name shown by the server
	ReconnectWait time.Duration // pause between reconnect attempts
	MaxReconnects int           // -1 retries forever
	FlushTimeout  time.Duration // bound for Flush after subscribing
}

// DefaultNATSConfig returns the settings used when only a URL is given.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "pairchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		FlushTimeout:  2 * time.Second,
	}
}

// NATSClient is a publish/subscribe handle shared by the relay. It keeps its
// subscriptions so they can be drained on Close.
type NATSClient struct {
	conn   *nats.Conn
	config NATSConfig

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSClient connects to config.URL. It fails if the first connection
// attempt fails; later outages are retried in the background.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	entry := log.WithField("name", config.Name)
	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			entry.WithError(err).Warn("disconnected, relay paused")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			entry.WithField("url", nc.ConnectedUrl()).Info("reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			e := entry.WithError(err)
			if sub != nil {
				e = e.WithField("subject", sub.Subject)
			}
			e.Warn("async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", config.URL, err)
	}

	entry.WithField("url", nc.ConnectedUrl()).Info("connected")
	return &NATSClient{conn: nc, config: config}, nil
}

// Publish sends data on subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers every message on subject (wildcards allowed) to handler.
// It returns once the server has registered the interest, so publishes made
// after Subscribe returns are not missed.
func (c *NATSClient) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	if err := c.conn.FlushTimeout(c.config.FlushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Healthy reports whether the connection is currently usable.
func (c *NATSClient) Healthy() error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("%w (%s)", ErrNotConnected, c.conn.Status())
	}
	return nil
}

// Close drains the subscriptions and the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.WithError(err).WithField("subject", sub.Subject).Warn("drain failed")
		}
	}
	if err := c.conn.Drain(); err != nil {
		log.WithError(err).Warn("connection drain failed")
		c.conn.Close()
	}
}
