package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	logx "toastboard/pkg/logx"
)

// kafkaBroker maps a channel to a topic plus a consumer group of the same
// name. Offsets are committed only on Ack.
type kafkaBroker struct {
	cfg Config
	log logx.Logger

	producer *kgo.Client
	admin    *kadm.Client

	mu        sync.Mutex
	consumers map[string]*kgo.Client
	pending   map[string]*kgo.Record
	closed    bool
}

func openKafka(cfg Config, log logx.Logger) (Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
	)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &kafkaBroker{
		cfg:       cfg,
		log:       log,
		producer:  cl,
		admin:     kadm.NewClient(cl),
		consumers: make(map[string]*kgo.Client),
		pending:   make(map[string]*kgo.Record),
	}, nil
}

func recordToken(r *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
}

func mapKafkaErr(err error) error {
	if errors.Is(err, kerr.UnknownTopicOrPartition) {
		return fmt.Errorf("%w: %v", ErrChannelNotFound, err)
	}
	return err
}

func (k *kafkaBroker) EnsureChannel(ctx context.Context, name string) error {
	resp, err := k.admin.CreateTopics(ctx, 1, -1, nil, name)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", name, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	_, err = k.consumer(name)
	return err
}

// consumer returns the group consumer of channel, creating it on first use.
func (k *kafkaBroker) consumer(channel string) (*kgo.Client, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}
	if c, ok := k.consumers[channel]; ok {
		return c, nil
	}
	c, err := kgo.NewClient(
		kgo.SeedBrokers(k.cfg.Brokers...),
		kgo.ClientID(k.cfg.ClientID),
		kgo.ConsumerGroup(channel),
		kgo.ConsumeTopics(channel),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(k.cfg.PullWait),
	)
	if err != nil {
		return nil, fmt.Errorf("new kafka consumer: %w", err)
	}
	k.consumers[channel] = c
	return c, nil
}

func (k *kafkaBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	rec := &kgo.Record{Topic: channel, Value: payload}
	if err := k.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return mapKafkaErr(err)
	}
	return nil
}

func (k *kafkaBroker) Pull(ctx context.Context, channel string) ([]Message, error) {
	c, err := k.consumer(channel)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, k.cfg.PullWait)
	defer cancel()

	fetches := c.PollRecords(pctx, k.cfg.PullMax)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, mapKafkaErr(fe.Err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Message
	k.mu.Lock()
	fetches.EachRecord(func(r *kgo.Record) {
		tok := recordToken(r)
		k.pending[tok] = r
		out = append(out, Message{Token: tok, Payload: r.Value})
	})
	k.mu.Unlock()
	return out, nil
}

func (k *kafkaBroker) Ack(ctx context.Context, tokens ...string) error {
	byTopic := make(map[string][]*kgo.Record)
	k.mu.Lock()
	for _, t := range tokens {
		if r, ok := k.pending[t]; ok {
			byTopic[r.Topic] = append(byTopic[r.Topic], r)
			delete(k.pending, t)
		}
	}
	consumers := make(map[string]*kgo.Client, len(byTopic))
	for topic := range byTopic {
		consumers[topic] = k.consumers[topic]
	}
	k.mu.Unlock()

	var errs []error
	for topic, recs := range byTopic {
		c := consumers[topic]
		if c == nil {
			continue
		}
		if err := c.CommitRecords(ctx, recs...); err != nil {
			errs = append(errs, fmt.Errorf("commit %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

func (k *kafkaBroker) ListChannels(ctx context.Context) ([]string, error) {
	details, err := k.admin.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	out := make([]string, 0, len(details))
	for name, d := range details {
		if d.Err != nil {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

func (k *kafkaBroker) DeleteChannel(ctx context.Context, name string) error {
	k.mu.Lock()
	if c, ok := k.consumers[name]; ok {
		c.Close()
		delete(k.consumers, name)
	}
	for tok, r := range k.pending {
		if r.Topic == name {
			delete(k.pending, tok)
		}
	}
	k.mu.Unlock()

	groups, err := k.admin.DeleteGroups(ctx, name)
	if err != nil {
		return fmt.Errorf("delete group %s: %w", name, err)
	}
	for _, g := range groups {
		if g.Err != nil && !errors.Is(g.Err, kerr.GroupIDNotFound) {
			return fmt.Errorf("delete group %s: %w", g.Group, g.Err)
		}
	}

	topics, err := k.admin.DeleteTopics(ctx, name)
	if err != nil {
		return fmt.Errorf("delete topic %s: %w", name, err)
	}
	for _, t := range topics {
		if t.Err != nil {
			return mapKafkaErr(t.Err)
		}
	}
	return nil
}

func (k *kafkaBroker) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	consumers := k.consumers
	k.consumers = map[string]*kgo.Client{}
	k.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	k.producer.Close()
	return nil
}
