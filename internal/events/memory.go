package events

import (
	"context"
	"log/slog"
	"sync"

	"buildrunner/internal/logger"
)

// MemoryPublisher fans events out to in-process subscribers
type MemoryPublisher struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

// NewMemoryPublisher creates a publisher without subscribers
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Subscribe returns a channel receiving every event published afterwards.
// The channel is closed by Close.
func (p *MemoryPublisher) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return ch
	}
	p.subs = append(p.subs, ch)
	return ch
}

// Publish delivers ev to every subscriber, blocking while a subscriber is full
func (p *MemoryPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes all subscriber channels
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = nil
	return nil
}

// LogPublisher writes events to a structured logger
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher logs to log, or to the application logger when nil
func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = logger.Get()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	attrs := []any{"run_id", ev.RunID, "job", ev.Job, "type", string(ev.Type)}
	switch ev.Type {
	case TypeStatus:
		attrs = append(attrs, "status", ev.Status)
	case TypeConsole:
		attrs = append(attrs, "bytes", len(ev.Fragment))
	}
	if ev.BuildNumber > 0 {
		attrs = append(attrs, "build_number", ev.BuildNumber)
	}
	p.log.InfoContext(ctx, "run event", attrs...)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
