package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 2 * time.Second
)

// Sender performs the actual email delivery.
type Sender interface {
	Send(ctx context.Context, send EmailSend) error
}

// DeliveryLog records terminal outcomes. Implementations must commit durably:
// the consumer acknowledges a message only after the log write succeeds.
type DeliveryLog interface {
	RecordDelivered(ctx context.Context, send EmailSend) error
	RecordFailed(ctx context.Context, send EmailSend, reason string) error
}

// messageSource is the fetch/commit slice of kafka.Reader, split out so tests
// can feed messages without a broker.
type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	logger       *log.Logger
	source       messageSource
	sender       Sender
	deliveryLog  DeliveryLog
	maxAttempts  int
	retryBackoff time.Duration
}

func NewConsumer(logger *log.Logger, source messageSource, sender Sender, deliveryLog DeliveryLog) *Consumer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Consumer{
		logger:       logger,
		source:       source,
		sender:       sender,
		deliveryLog:  deliveryLog,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
	}
}

func NewKafkaConsumer(logger *log.Logger, brokers []string, topic, groupID string, sender Sender, deliveryLog DeliveryLog) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	return NewConsumer(logger, reader, sender, deliveryLog)
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.source.Close(); err != nil {
			c.logger.Printf("close message source: %v", err)
		}
	}()

	for {
		msg, err := c.source.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := c.process(ctx, msg); err != nil {
			// Leave the message unacknowledged; it redelivers.
			c.logger.Printf("process send message offset=%d err=%v", msg.Offset, err)
			continue
		}
		if err := c.source.CommitMessages(ctx, msg); err != nil {
			c.logger.Printf("commit send message offset=%d err=%v", msg.Offset, err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	var send EmailSend
	if err := json.Unmarshal(msg.Value, &send); err != nil {
		// A malformed message can never succeed; record it and move on.
		c.logger.Printf("malformed email send offset=%d err=%v", msg.Offset, err)
		return c.deliveryLog.RecordFailed(ctx, EmailSend{MessageID: string(msg.Key)}, "malformed payload: "+err.Error())
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.sender.Send(ctx, send)
		if lastErr == nil {
			return c.deliveryLog.RecordDelivered(ctx, send)
		}
		c.logger.Printf("email send attempt=%d message_id=%s err=%v", attempt, send.MessageID, lastErr)
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryBackoff):
		}
	}
	return c.deliveryLog.RecordFailed(ctx, send, lastErr.Error())
}
