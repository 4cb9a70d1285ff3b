package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	logx "toastboard/pkg/logx"
)

// getPollInterval is how often an empty queue is polled with basic.get.
const getPollInterval = 200 * time.Millisecond

// amqpBroker maps a channel to a durable queue on the default exchange.
// Queues carry x-expires so the server reaps the queue of a dead instance;
// AMQP cannot enumerate queues, so ListChannels is unsupported.
type amqpBroker struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	// gen increments whenever ch is reopened; delivery tags are per channel.
	gen    uint64
	closed bool
}

func openAMQP(ctx context.Context, cfg Config, log logx.Logger) (Broker, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is required")
	}
	b := &amqpBroker{cfg: cfg, log: log}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.channelLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

// channelLocked returns a usable channel, redialing as needed. b.mu must be held.
func (b *amqpBroker) channelLocked() (*amqp.Channel, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.DialConfig(strings.TrimSpace(b.cfg.URL), amqp.Config{
			Properties: amqp.Table{"connection_name": b.cfg.ClientID},
		})
		if err != nil {
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		b.conn = conn
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	b.ch = ch
	b.gen++
	return ch, nil
}

func mapAMQPErr(err error) error {
	var ae *amqp.Error
	if errors.As(err, &ae) && ae.Code == amqp.NotFound {
		return fmt.Errorf("%w: %v", ErrChannelNotFound, err)
	}
	return err
}

func (b *amqpBroker) EnsureChannel(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.channelLocked()
	if err != nil {
		return err
	}
	args := amqp.Table{"x-expires": b.cfg.QueueExpires.Milliseconds()}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

func (b *amqpBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.channelLocked()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		return mapAMQPErr(err)
	}
	return nil
}

// getBatch takes up to PullMax messages without waiting.
func (b *amqpBroker) getBatch(queue string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.channelLocked()
	if err != nil {
		return nil, err
	}
	var out []Message
	for len(out) < b.cfg.PullMax {
		d, ok, err := ch.Get(queue, false)
		if err != nil {
			return out, mapAMQPErr(err)
		}
		if !ok {
			break
		}
		tok := strconv.FormatUint(b.gen, 10) + ":" + strconv.FormatUint(d.DeliveryTag, 10)
		out = append(out, Message{Token: tok, Payload: d.Body})
	}
	return out, nil
}

func (b *amqpBroker) Pull(ctx context.Context, channel string) ([]Message, error) {
	deadline := time.NewTimer(b.cfg.PullWait)
	defer deadline.Stop()
	tick := time.NewTicker(getPollInterval)
	defer tick.Stop()

	for {
		msgs, err := b.getBatch(channel)
		if len(msgs) > 0 || err != nil {
			return msgs, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-tick.C:
		}
	}
}

// Ack acknowledges deliveries of the current channel. Tokens from a previous
// channel are dropped: the server has already requeued those messages.
func (b *amqpBroker) Ack(ctx context.Context, tokens ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.channelLocked()
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range tokens {
		genStr, tagStr, ok := strings.Cut(t, ":")
		if !ok {
			continue
		}
		gen, err1 := strconv.ParseUint(genStr, 10, 64)
		tag, err2 := strconv.ParseUint(tagStr, 10, 64)
		if err1 != nil || err2 != nil || gen != b.gen {
			continue
		}
		if err := ch.Ack(tag, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *amqpBroker) ListChannels(ctx context.Context) ([]string, error) {
	return nil, ErrListUnsupported
}

func (b *amqpBroker) DeleteChannel(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.channelLocked()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDelete(name, false, false, false); err != nil {
		return mapAMQPErr(err)
	}
	return nil
}

func (b *amqpBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var errs []error
	if b.ch != nil && !b.ch.IsClosed() {
		errs = append(errs, b.ch.Close())
	}
	if b.conn != nil && !b.conn.IsClosed() {
		errs = append(errs, b.conn.Close())
	}
	return errors.Join(errs...)
}
