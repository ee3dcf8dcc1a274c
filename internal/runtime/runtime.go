// Package runtime hosts named actor instances. Every instance owns a mailbox
// goroutine, so all work submitted against one name executes serialized; work
// against different names runs concurrently. Each instance may hold at most
// one pending alarm, and setting a new alarm supersedes the previous one.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

var ErrHostClosed = errors.New("runtime host is closed")

// Actor is the behavior attached to one named instance. HandleAlarm is entered
// through the instance mailbox, so it observes the same serialization as every
// other turn.
type Actor interface {
	HandleAlarm(ctx context.Context) error
}

// Factory builds the actor for a name the first time the name is addressed.
type Factory func(name string, inst *Instance) (Actor, error)

type Host struct {
	logger  *log.Logger
	factory Factory

	mu        sync.Mutex
	instances map[string]*Instance
	closed    bool
}

func NewHost(logger *log.Logger, factory Factory) *Host {
	if factory == nil {
		panic("runtime: factory is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Host{
		logger:    logger,
		factory:   factory,
		instances: make(map[string]*Instance),
	}
}

// Get returns the instance for name, creating it on first use.
func (h *Host) Get(name string) (*Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHostClosed
	}
	if inst, ok := h.instances[name]; ok {
		return inst, nil
	}

	inst := &Instance{
		name:   name,
		logger: h.logger,
		tasks:  make(chan task, 64),
		stopCh: make(chan struct{}),
	}
	actor, err := h.factory(name, inst)
	if err != nil {
		return nil, fmt.Errorf("build actor %q: %w", name, err)
	}
	inst.actor = actor
	go inst.run()
	h.instances[name] = inst
	return inst, nil
}

// Close stops alarm timers and mailbox goroutines. In-flight turns finish;
// queued turns are rejected.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	instances := make([]*Instance, 0, len(h.instances))
	for _, inst := range h.instances {
		instances = append(instances, inst)
	}
	h.mu.Unlock()

	for _, inst := range instances {
		inst.stop()
	}
}

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Instance is one named actor's execution context.
type Instance struct {
	name   string
	logger *log.Logger
	actor  Actor

	tasks    chan task
	stopCh   chan struct{}
	stopOnce sync.Once

	alarmMu    sync.Mutex
	alarmTimer *time.Timer
	alarmAt    time.Time
	alarmSet   bool
	alarmGen   uint64
}

func (i *Instance) Name() string {
	return i.name
}

func (i *Instance) Actor() Actor {
	return i.actor
}

// Do runs fn inside the instance's serialized context and waits for the
// result. A caller whose context expires stops waiting, but an already-queued
// turn still executes in order.
func (i *Instance) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case i.tasks <- task{ctx: ctx, fn: fn, done: done}:
	case <-i.stopCh:
		return ErrHostClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-i.stopCh:
		return ErrHostClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetAlarm schedules the single pending wakeup, replacing any prior one.
func (i *Instance) SetAlarm(at time.Time) {
	i.alarmMu.Lock()
	defer i.alarmMu.Unlock()
	i.alarmGen++
	gen := i.alarmGen
	if i.alarmTimer != nil {
		i.alarmTimer.Stop()
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	i.alarmAt = at
	i.alarmSet = true
	i.alarmTimer = time.AfterFunc(delay, func() { i.fireAlarm(gen) })
}

// ClearAlarm drops the pending wakeup, if any.
func (i *Instance) ClearAlarm() {
	i.alarmMu.Lock()
	defer i.alarmMu.Unlock()
	i.alarmGen++
	if i.alarmTimer != nil {
		i.alarmTimer.Stop()
		i.alarmTimer = nil
	}
	i.alarmSet = false
}

// AlarmAt reports the pending wakeup time, if one is set.
func (i *Instance) AlarmAt() (time.Time, bool) {
	i.alarmMu.Lock()
	defer i.alarmMu.Unlock()
	return i.alarmAt, i.alarmSet
}

func (i *Instance) fireAlarm(gen uint64) {
	i.alarmMu.Lock()
	if gen != i.alarmGen {
		// Superseded or cleared after the timer was armed.
		i.alarmMu.Unlock()
		return
	}
	i.alarmSet = false
	i.alarmTimer = nil
	i.alarmMu.Unlock()

	err := i.Do(context.Background(), func(ctx context.Context) error {
		return i.actor.HandleAlarm(ctx)
	})
	if err != nil && !errors.Is(err, ErrHostClosed) {
		i.logger.Printf("alarm turn failed instance=%s err=%v", i.name, err)
	}
}

func (i *Instance) run() {
	for {
		select {
		case <-i.stopCh:
			return
		case t := <-i.tasks:
			t.done <- t.fn(t.ctx)
		}
	}
}

func (i *Instance) stop() {
	i.ClearAlarm()
	i.stopOnce.Do(func() { close(i.stopCh) })
}
