package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/engine"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/metrics"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/verifier"
	"github.com/aegisshield/patrol/shared/utils"
)

// MessageReader is the subset of *kafka.Reader the consumer needs
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ScanSubmitter accepts decoded scan submissions
type ScanSubmitter interface {
	SubmitScan(ctx context.Context, sub *verifier.Submission) (*engine.ScanResult, error)
}

// Consumer reads scan submissions from the scan topic and feeds them to the
// engine. Messages of one partition are handled in order by one worker and
// committed only after the engine gave a definitive answer.
type Consumer struct {
	config        config.KafkaConfig
	logger        *zap.Logger
	reader        MessageReader
	submitter     ScanSubmitter
	metrics       *metrics.Collector
	retry         utils.RetryConfig
	queues        []chan kafka.Message
	shutdownChan  chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	messageCount  atomic.Int64
	errorCount    atomic.Int64
	lastProcessed atomic.Int64
}

// Stats is a snapshot of consumer counters
type Stats struct {
	MessagesProcessed int64     `json:"messages_processed"`
	Errors            int64     `json:"errors"`
	LastProcessed     time.Time `json:"last_processed"`
}

// NewReader creates a consumer-group reader for the scan topic
func NewReader(cfg config.KafkaConfig, logger *zap.Logger) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topics.CheckpointScans,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
		Logger: kafka.LoggerFunc(func(format string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(format string, args ...interface{}) {
			logger.Error(fmt.Sprintf(format, args...))
		}),
	})
}

// NewConsumer creates a consumer over reader
func NewConsumer(cfg config.KafkaConfig, reader MessageReader, submitter ScanSubmitter, m *metrics.Collector, logger *zap.Logger) *Consumer {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queues := make([]chan kafka.Message, workers)
	for i := range queues {
		queues[i] = make(chan kafka.Message, 16)
	}
	return &Consumer{
		config:    cfg,
		logger:    logger.Named("kafka_consumer"),
		reader:    reader,
		submitter: submitter,
		metrics:   m,
		retry: utils.RetryConfig{
			Delay:    500 * time.Millisecond,
			MaxDelay: 30 * time.Second,
		},
		queues:       queues,
		shutdownChan: make(chan struct{}),
	}
}

// Start launches the fetch loop and the workers
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting Kafka consumer",
		zap.String("topic", c.config.Topics.CheckpointScans),
		zap.String("group_id", c.config.GroupID),
		zap.Int("workers", len(c.queues)))

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-c.shutdownChan:
		case <-ctx.Done():
		}
	}()

	for i := range c.queues {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	c.wg.Add(1)
	go c.fetchLoop(ctx)
	return nil
}

// Stop stops fetching, lets workers finish their current message and
// closes the reader
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping Kafka consumer")
		close(c.shutdownChan)
		c.wg.Wait()
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("Failed to close Kafka reader", zap.Error(err))
		}
		c.logger.Info("Kafka consumer stopped")
	})
}

// Stats returns consumer counters
func (c *Consumer) Stats() Stats {
	s := Stats{
		MessagesProcessed: c.messageCount.Load(),
		Errors:            c.errorCount.Load(),
	}
	if ts := c.lastProcessed.Load(); ts > 0 {
		s.LastProcessed = time.Unix(0, ts)
	}
	return s
}

func (c *Consumer) fetchLoop(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		for _, q := range c.queues {
			close(q)
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			c.errorCount.Add(1)
			c.logger.Error("Failed to fetch Kafka message", zap.Error(err))
			if !c.sleep(ctx, time.Second) {
				return
			}
			continue
		}

		select {
		case c.queues[msg.Partition%len(c.queues)] <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()
	c.logger.Debug("Starting Kafka consumer worker", zap.Int("worker_id", id))

	for msg := range c.queues[id] {
		if !c.handle(ctx, msg) {
			// shutting down; the uncommitted message is redelivered to the next owner
			for range c.queues[id] {
			}
			return
		}
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := c.reader.CommitMessages(commitCtx, msg)
		cancel()
		if err != nil {
			c.errorCount.Add(1)
			c.logger.Error("Failed to commit Kafka message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// handle processes one message until it has a definitive outcome. It returns
// false only when ctx ended before that happened.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	topic := msg.Topic
	var sub verifier.Submission
	if err := json.Unmarshal(msg.Value, &sub); err != nil {
		c.errorCount.Add(1)
		c.metrics.RecordEventProcessed(topic, "malformed")
		c.logger.Warn("Skipping malformed scan message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return true
	}

	for attempt := 1; ; attempt++ {
		result, err := c.submitter.SubmitScan(ctx, &sub)
		if err == nil || definitive(err) {
			status := "accepted"
			switch {
			case err != nil:
				status = "rejected"
				c.logger.Info("Scan message rejected",
					zap.String("patrol_id", sub.PatrolID),
					zap.String("checkpoint_id", sub.CheckpointID),
					zap.Error(err))
			case result.Duplicate:
				status = "duplicate"
			case !result.Accepted:
				status = "failed"
			}
			c.metrics.RecordEventProcessed(topic, status)
			c.messageCount.Add(1)
			c.lastProcessed.Store(time.Now().UnixNano())
			return true
		}

		if ctx.Err() != nil {
			return false
		}
		c.errorCount.Add(1)
		c.metrics.RecordEventProcessed(topic, "retry")
		delay := c.retry.BackoffDelay(attempt)
		c.logger.Warn("Scan message failed, retrying",
			zap.String("patrol_id", sub.PatrolID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if !c.sleep(ctx, delay) {
			return false
		}
	}
}

// definitive reports whether resubmitting the same message cannot change the outcome
func definitive(err error) bool {
	return errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrInvalidState) ||
		errors.Is(err, apperr.ErrDuplicateScan)
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
