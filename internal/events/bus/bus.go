// Package bus fans committed store events out to in-process consumers.
// The in-memory implementation serves a single process; the NATS
// implementation lets several gateway instances share one event stream.
package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is one fan-out unit: a committed store mutation addressed to a
// delivery channel.
type Event struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps a fresh event with a UUID and the current time.
func NewEvent(channel, name string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Channel:   channel,
		Name:      name,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes one event. Returning an error logs it; delivery is not
// retried at this layer.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the fan-out contract shared by the memory and NATS buses.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}

const subjectPrefix = "dcm.events"

// SubjectAll matches every event subject.
const SubjectAll = subjectPrefix + ".>"

// Subject maps a delivery channel to a bus subject. Channel path segments
// become subject tokens: agents/builder-1 publishes on dcm.events.agents.builder-1.
func Subject(channel string) string {
	return subjectPrefix + "." + strings.ReplaceAll(channel, "/", ".")
}
