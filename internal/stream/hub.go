// Package stream holds the ephemeral streaming state an actor keeps for its
// attached viewers: the connection set and the typing-user map. Both live only
// in memory and are lost when the instance goes away.
package stream

import (
	"io"
	"log"
	"sync"
	"time"
)

// Event is one frame fanned out to attached connections.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Conn is the send half of an attached connection.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Client wraps a Conn with write serialization so broadcasts and direct
// replies never interleave a frame.
type Client struct {
	mu   sync.Mutex
	conn Conn
}

func (c *Client) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

type Hub struct {
	logger *log.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*Client]struct{}),
	}
}

func (h *Hub) Attach(conn Conn) *Client {
	client := &Client{conn: conn}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	return client
}

func (h *Hub) Detach(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends event to every attached client. A failed send detaches that
// client and never propagates to the caller.
func (h *Hub) Broadcast(event Event) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if err := client.WriteJSON(event); err != nil {
			h.logger.Printf("broadcast send failed type=%s err=%v", event.Type, err)
			h.Detach(client)
			_ = client.Close()
		}
	}
}

// TypingUser is one currently-typing participant.
type TypingUser struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	At       time.Time `json:"at"`
}

// TypingSet tracks who is typing right now. Owned by a single-threaded actor,
// so no locking.
type TypingSet struct {
	users map[string]TypingUser
}

func NewTypingSet() *TypingSet {
	return &TypingSet{users: make(map[string]TypingUser)}
}

func (t *TypingSet) Set(userID, userName string, now time.Time) {
	t.users[userID] = TypingUser{UserID: userID, UserName: userName, At: now}
}

func (t *TypingSet) Clear(userID string) {
	delete(t.users, userID)
}

// Prune drops entries older than maxAge and reports whether anything changed.
func (t *TypingSet) Prune(now time.Time, maxAge time.Duration) bool {
	changed := false
	for id, user := range t.users {
		if now.Sub(user.At) > maxAge {
			delete(t.users, id)
			changed = true
		}
	}
	return changed
}

func (t *TypingSet) Snapshot() []TypingUser {
	out := make([]TypingUser, 0, len(t.users))
	for _, user := range t.users {
		out = append(out, user)
	}
	return out
}
