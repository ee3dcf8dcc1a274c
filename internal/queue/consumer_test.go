package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeSource struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (s *fakeSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return kafka.Message{}, io.EOF
	}
	msg := s.messages[0]
	s.messages = s.messages[1:]
	return msg, nil
}

func (s *fakeSource) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		s.committed = append(s.committed, msg.Offset)
	}
	return nil
}

func (s *fakeSource) Close() error { return nil }

type fakeSender struct {
	mu       sync.Mutex
	failures int
	sent     []EmailSend
}

func (s *fakeSender) Send(_ context.Context, send EmailSend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("smtp unavailable")
	}
	s.sent = append(s.sent, send)
	return nil
}

type fakeDeliveryLog struct {
	mu        sync.Mutex
	delivered []EmailSend
	failed    []string
	failErr   error
}

func (l *fakeDeliveryLog) RecordDelivered(_ context.Context, send EmailSend) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return l.failErr
	}
	l.delivered = append(l.delivered, send)
	return nil
}

func (l *fakeDeliveryLog) RecordFailed(_ context.Context, send EmailSend, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return l.failErr
	}
	l.failed = append(l.failed, reason)
	return nil
}

func queuedMessage(t *testing.T, offset int64, send EmailSend) kafka.Message {
	t.Helper()
	value, err := json.Marshal(send)
	if err != nil {
		t.Fatalf("marshal send: %v", err)
	}
	return kafka.Message{Offset: offset, Value: value}
}

func TestConsumerRetriesThenDelivers(t *testing.T) {
	source := &fakeSource{messages: []kafka.Message{
		queuedMessage(t, 1, EmailSend{MessageID: "m1", To: "a@example.com"}),
	}}
	sender := &fakeSender{failures: 2}
	logBook := &fakeDeliveryLog{}

	consumer := NewConsumer(nil, source, sender, logBook)
	consumer.retryBackoff = time.Millisecond

	if err := consumer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected delivery after retries, sent=%d", len(sender.sent))
	}
	if len(logBook.delivered) != 1 || len(logBook.failed) != 0 {
		t.Fatalf("unexpected log state delivered=%d failed=%d", len(logBook.delivered), len(logBook.failed))
	}
	if len(source.committed) != 1 || source.committed[0] != 1 {
		t.Fatalf("expected offset 1 committed, got %v", source.committed)
	}
}

func TestConsumerRecordsTerminalFailure(t *testing.T) {
	source := &fakeSource{messages: []kafka.Message{
		queuedMessage(t, 7, EmailSend{MessageID: "m2", To: "b@example.com"}),
	}}
	sender := &fakeSender{failures: 100}
	logBook := &fakeDeliveryLog{}

	consumer := NewConsumer(nil, source, sender, logBook)
	consumer.retryBackoff = time.Millisecond

	if err := consumer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(logBook.failed) != 1 {
		t.Fatalf("expected one terminal failure, got %d", len(logBook.failed))
	}
	if len(source.committed) != 1 {
		t.Fatal("terminal failure must still be acknowledged after logging")
	}
}

func TestConsumerDoesNotAckWhenLogWriteFails(t *testing.T) {
	source := &fakeSource{messages: []kafka.Message{
		queuedMessage(t, 3, EmailSend{MessageID: "m3", To: "c@example.com"}),
	}}
	sender := &fakeSender{}
	logBook := &fakeDeliveryLog{failErr: errors.New("db down")}

	consumer := NewConsumer(nil, source, sender, logBook)
	consumer.retryBackoff = time.Millisecond

	if err := consumer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(source.committed) != 0 {
		t.Fatal("message must stay unacknowledged when the durable log write fails")
	}
}
