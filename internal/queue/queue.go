// Package queue is the outbound email send path. Producers enqueue
// fire-and-forget; the consumer owns retry-with-backoff and records the
// terminal outcome in the delivery log before acknowledging.
package queue

import (
	"context"
	"sync"
	"time"
)

// EmailSend is one queued outbound email.
type EmailSend struct {
	MessageID           string    `json:"message_id"`
	TenantID            string    `json:"tenant_id"`
	CustomerID          string    `json:"customer_id"`
	CampaignID          string    `json:"campaign_id,omitempty"`
	WorkflowExecutionID string    `json:"workflow_execution_id,omitempty"`
	To                  string    `json:"to"`
	Subject             string    `json:"subject"`
	Body                string    `json:"body"`
	TemplateID          string    `json:"template_id,omitempty"`
	EnqueuedAt          time.Time `json:"enqueued_at"`
}

type Queue interface {
	Enqueue(ctx context.Context, send EmailSend) error
	Close() error
}

// MemoryQueue buffers sends in memory. Used in tests and in deployments with
// no broker configured.
type MemoryQueue struct {
	mu    sync.Mutex
	sends []EmailSend
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, send EmailSend) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sends = append(q.sends, send)
	return nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

func (q *MemoryQueue) Sends() []EmailSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]EmailSend, len(q.sends))
	copy(out, q.sends)
	return out
}
