// Package broker carries toasts between sibling instances.
//
// Every instance owns one named channel and pulls from it; siblings publish
// into it. Channels are created lazily by their owner and collected by any
// instance once the owner is gone.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "toastboard/pkg/logx"
)

var (
	// ErrChannelNotFound is returned when a channel (or its subscription)
	// does not exist. Collection races make it expected, not fatal.
	ErrChannelNotFound = errors.New("broker: channel not found")
	// ErrListUnsupported is returned by drivers that cannot enumerate channels.
	ErrListUnsupported = errors.New("broker: listing channels unsupported")
	ErrClosed          = errors.New("broker: closed")
)

// Message is one pulled payload. Token acknowledges it.
type Message struct {
	Token   string
	Payload []byte
}

// Broker is the pub/sub transport used for one-hop sibling broadcast.
type Broker interface {
	// EnsureChannel creates the channel and its subscription if missing.
	EnsureChannel(ctx context.Context, name string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	// Pull blocks until messages are available, the driver's wait elapses or
	// ctx is done. An empty result with a nil error is a normal timeout.
	Pull(ctx context.Context, channel string) ([]Message, error)
	Ack(ctx context.Context, tokens ...string) error
	ListChannels(ctx context.Context) ([]string, error)
	// DeleteChannel removes the channel's subscriptions, then the channel.
	DeleteChannel(ctx context.Context, name string) error
	Close() error
}

// Config configures the broker.
//
// Driver values:
//   - "none" or "": no broker (single-instance mode)
//   - "memory": in-process hub
//   - "kafka": topic + consumer group per channel
//   - "amqp": durable queue per channel on the default exchange
type Config struct {
	Driver       string
	Brokers      []string
	URL          string
	ClientID     string
	PullWait     time.Duration
	PullMax      int
	QueueExpires time.Duration

	// Hub is shared by memory brokers of several boards in one process.
	// A fresh hub is used when nil.
	Hub *Hub
}

const (
	DefaultPullWait     = 10 * time.Second
	DefaultPullMax      = 64
	DefaultQueueExpires = 10 * time.Minute
)

func (c *Config) withDefaults() {
	if c.PullWait <= 0 {
		c.PullWait = DefaultPullWait
	}
	if c.PullMax <= 0 {
		c.PullMax = DefaultPullMax
	}
	if c.QueueExpires <= 0 {
		c.QueueExpires = DefaultQueueExpires
	}
	if c.ClientID == "" {
		c.ClientID = "toastboard"
	}
}

// Open initializes the configured broker.
// It returns (nil, nil) if the broker is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Broker, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.withDefaults()
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "memory":
		hub := cfg.Hub
		if hub == nil {
			hub = NewHub()
		}
		return hub.Client(cfg.PullWait, cfg.PullMax), nil
	case "kafka":
		return openKafka(cfg, log)
	case "amqp", "rabbitmq":
		return openAMQP(ctx, cfg, log)
	default:
		return nil, errors.New("unknown broker driver: " + driver)
	}
}
