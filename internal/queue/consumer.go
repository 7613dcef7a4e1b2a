// Package queue pulls inbound batch-start messages off a NATS
// JetStream durable consumer and hands each one to the orchestrator,
// the way the teacher's processors each own one jetstream.Consumer and
// run a Fetch loop against it (spec.md section 6's "enqueue mechanism
// is out of scope; assume messages arrive already decoded").
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/yungbote/neurobridge-backend/internal/domain/batch"
	"github.com/yungbote/neurobridge-backend/internal/platform/logger"
)

// Starter is the subset of orchestrator.Orchestrator the consumer
// needs, defined consumer-side so this package never imports the
// concrete orchestrator type.
type Starter interface {
	StartBatch(ctx context.Context, msg batch.QueueMessage) error
}

type Config struct {
	URL          string
	Stream       string
	Subject      string
	ConsumerName string
	FetchTimeout time.Duration
	AckWait      time.Duration
	MaxDeliver   int
}

func (c Config) withDefaults() Config {
	if c.ConsumerName == "" {
		c.ConsumerName = "orchestrator-batch-intake"
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.AckWait <= 0 {
		c.AckWait = 5 * time.Minute
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	return c
}

// Consumer owns one durable JetStream pull consumer and feeds decoded
// QueueMessages into an Orchestrator.
type Consumer struct {
	cfg      Config
	log      *logger.Logger
	starter  Starter
	nc       *nats.Conn
	consumer jetstream.Consumer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func New(log *logger.Logger, starter Starter, cfg Config) (*Consumer, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Stream == "" || cfg.Subject == "" {
		return nil, fmt.Errorf("queue: stream and subject are required")
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("orchestratord"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("queue: connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, cfg.Stream)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: get stream %s: %w", cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: create consumer: %w", err)
	}

	return &Consumer{cfg: cfg, log: log, starter: starter, nc: nc, consumer: consumer}, nil
}

// Run blocks, fetching one message at a time until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	for {
		select {
		case <-runCtx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(c.cfg.FetchTimeout))
		if err != nil {
			if runCtx.Err() != nil {
				return
			}
			c.log.Warn("queue fetch failed", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handle(runCtx, msg)
		}

		if err := msgs.Error(); err != nil && runCtx.Err() == nil {
			c.log.Debug("queue fetch returned an error after draining", "error", err)
		}
	}
}

// Stop cancels the fetch loop; it is safe to call even if Run was
// never started.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Consumer) Close() {
	c.Stop()
	if c.nc != nil {
		c.nc.Close()
	}
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	var qm batch.QueueMessage
	if err := json.Unmarshal(msg.Data(), &qm); err != nil {
		c.log.Error("queue message is not a valid batch descriptor, dropping", "error", err)
		if ackErr := msg.Ack(); ackErr != nil {
			c.log.Warn("failed to ack malformed queue message", "error", ackErr)
		}
		return
	}

	if qm.BatchID == "" {
		c.log.Error("queue message missing batch_id, dropping")
		if ackErr := msg.Ack(); ackErr != nil {
			c.log.Warn("failed to ack queue message with no batch_id", "error", ackErr)
		}
		return
	}

	if err := c.starter.StartBatch(ctx, qm); err != nil {
		c.log.Error("failed to start batch from queue message", "batch_id", qm.BatchID, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			c.log.Warn("failed to nak queue message", "batch_id", qm.BatchID, "error", nakErr)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		c.log.Warn("failed to ack queue message", "batch_id", qm.BatchID, "error", err)
	}
}
