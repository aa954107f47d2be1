package kafka

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// MessageReader is the part of kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Decider applies judgements.
type Decider interface {
	Decide(ctx context.Context, j models.Judgement) (bool, error)
}

// ConflictHandler receives judgements the resolver refused because they would
// break a no_match. They need a human decision.
type ConflictHandler func(ctx context.Context, j models.Judgement, conflict *errors.ConflictError)

// JudgementMessage is the wire format of a judgement on the input topic.
type JudgementMessage struct {
	Left      string    `json:"left"`
	Right     string    `json:"right"`
	Verdict   string    `json:"verdict"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

const (
	defaultRetryBackoff = 200 * time.Millisecond
	maxRetryBackoff     = 30 * time.Second
)

// JudgementConsumer reads judgements from Kafka and feeds them to the
// resolver. Messages are committed once handled, including ones that were
// malformed or rejected. A resolver storage failure is retried on the same
// message with backoff; the consumer does not fetch past it, since committing
// a later offset of the partition would also commit the failed one.
type JudgementConsumer struct {
	reader       MessageReader
	topic        string
	decider      Decider
	onConflict   ConflictHandler
	logger       ectologger.Logger
	retryBackoff time.Duration
	wg           sync.WaitGroup
	cancel       context.CancelFunc
}

// NewJudgementConsumer creates a consumer group reader for cfg
func NewJudgementConsumer(cfg ConsumerConfig, decider Decider, onConflict ConflictHandler, logger ectologger.Logger) *JudgementConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})
	return NewJudgementConsumerWithReader(reader, cfg.Topic, decider, onConflict, logger)
}

// NewJudgementConsumerWithReader creates a consumer over an existing reader
func NewJudgementConsumerWithReader(reader MessageReader, topic string, decider Decider, onConflict ConflictHandler, logger ectologger.Logger) *JudgementConsumer {
	return &JudgementConsumer{
		reader:       reader,
		topic:        topic,
		decider:      decider,
		onConflict:   onConflict,
		logger:       logger,
		retryBackoff: defaultRetryBackoff,
	}
}

// WithRetryBackoff sets the first delay before a failed message is retried.
// The delay doubles on every attempt up to 30s.
func (c *JudgementConsumer) WithRetryBackoff(d time.Duration) *JudgementConsumer {
	c.retryBackoff = d
	return c
}

// Start begins consuming messages
func (c *JudgementConsumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithField("topic", c.topic).Info("Judgement consumer started")
	return nil
}

// Stop gracefully stops the consumer
func (c *JudgementConsumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *JudgementConsumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.logger.WithContext(ctx).Info("Consumer loop stopping")
			return
		default:
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return
				}
				c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
				continue
			}

			if !c.processMessage(ctx, msg) {
				return
			}
		}
	}
}

// processMessage handles msg until it succeeds or ctx ends, then commits it.
// It reports false when ctx ended first and the message was left uncommitted.
func (c *JudgementConsumer) processMessage(ctx context.Context, msg kafka.Message) bool {
	ctx, span := tracing.StartSpan(ctx, "kafka.JudgementConsumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	backoff := c.retryBackoff
	for attempt := 1; ; attempt++ {
		status := c.handle(ctx, msg, log)
		metrics.KafkaMessagesConsumed.WithLabelValues(c.topic, status).Inc()
		if status != "failed" {
			break
		}

		log.WithFields(map[string]any{
			"attempt": attempt,
			"backoff": backoff.String(),
		}).Warn("Retrying judgement message")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Warn("Stopped before judgement message was applied, leaving it uncommitted")
			return false
		case <-timer.C:
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
	}
	return true
}

func (c *JudgementConsumer) handle(ctx context.Context, msg kafka.Message, log ectologger.Logger) string {
	var in JudgementMessage
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		log.WithError(err).Error("Failed to parse judgement message")
		return "malformed"
	}
	verdict, ok := models.ParseVerdict(in.Verdict)
	if !ok {
		log.WithField("verdict", in.Verdict).Warn("Skipping judgement with unknown verdict")
		return "skipped"
	}
	timestamp := in.Timestamp
	if timestamp.IsZero() {
		timestamp = msg.Time
	}
	j := models.Judgement{
		Left:      in.Left,
		Right:     in.Right,
		Verdict:   verdict,
		Actor:     in.Actor,
		Timestamp: timestamp,
	}

	applied, err := c.decider.Decide(ctx, j)
	var conflict *errors.ConflictError
	switch {
	case errors.As(err, &conflict):
		if c.onConflict != nil {
			c.onConflict(ctx, j, conflict)
		}
		return "conflict"
	case errors.IsValidationError(err):
		log.WithError(err).Warn("Rejected invalid judgement")
		return "invalid"
	case err != nil:
		log.WithError(err).Error("Failed to apply judgement")
		return "failed"
	case applied:
		return "applied"
	default:
		return "ignored"
	}
}
