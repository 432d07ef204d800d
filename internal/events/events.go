// Package events publishes the progress of job runs to interested parties.
package events

import (
	"context"
	"fmt"
	"time"

	"buildrunner/internal/config"
)

// Type of a run event
type Type string

const (
	TypeStatus  Type = "status"
	TypeConsole Type = "console"
)

// Event is one notification of a run: a status change or a console fragment
type Event struct {
	RunID       string    `json:"run_id"`
	Job         string    `json:"job"`
	Type        Type      `json:"type"`
	Status      string    `json:"status,omitempty"`
	Fragment    string    `json:"fragment,omitempty"`
	BuildNumber int       `json:"build_number,omitempty"`
	Time        time.Time `json:"time"`
}

// Publisher delivers run events
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// New creates the publisher selected by cfg.Kind
func New(cfg config.EventsConfig) (Publisher, error) {
	switch cfg.Kind {
	case "", config.EventsNone:
		return Nop{}, nil
	case config.EventsLog:
		return NewLogPublisher(nil), nil
	case config.EventsKafka:
		return NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	default:
		return nil, fmt.Errorf("unknown events kind %q", cfg.Kind)
	}
}

// Nop drops every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
