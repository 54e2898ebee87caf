// Package feed carries event changes to the calendar view. Producers (the
// poller, the database webhook, local writes) publish messages on a Hub;
// a single View goroutine owns the state and republishes an annotated
// calendar per nest after every message.
package feed

import (
	"context"
	"time"

	"nestcal/internal/record"
)

// Message is one of Snapshot, Change, Relay or Invalidate.
type Message interface {
	Kind() string
}

// Snapshot replaces a nest's state wholesale.
type Snapshot struct {
	GroupID string
	Records []record.Raw
	// Stale marks a snapshot served from the local mirror after a failed
	// hosted read.
	Stale bool
	At    time.Time
}

// Kind implements Message.
func (Snapshot) Kind() string { return "snapshot" }

// Op is a row change operation as named by the database webhook.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Change is one row change. Old is the previous row for updates and
// deletes, when the producer has it.
type Change struct {
	Op     Op
	Record record.Raw
	Old    record.Raw
}

// Kind implements Message.
func (Change) Kind() string { return "change" }

// Relay is a delegation notice: EventID was handed from one member to
// another. The nest is refetched when one arrives.
type Relay struct {
	GroupID    string    `json:"nest_id"`
	EventID    string    `json:"event_id"`
	FromMember string    `json:"from_member"`
	ToMember   string    `json:"to_member"`
	At         time.Time `json:"at"`
}

// Kind implements Message.
func (Relay) Kind() string { return "relay" }

// Invalidate asks the view to recompute without a data change, e.g. after
// subscriptions were refreshed. An empty GroupID means every nest.
type Invalidate struct {
	GroupID string
}

// Kind implements Message.
func (Invalidate) Kind() string { return "invalidate" }

// Hub is the single channel between producers and the View.
type Hub struct {
	ch chan Message
}

// NewHub returns a Hub buffering up to size messages.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = 64
	}
	return &Hub{ch: make(chan Message, size)}
}

// Publish blocks until the message is queued or ctx is done.
func (h *Hub) Publish(ctx context.Context, m Message) error {
	select {
	case h.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages is the consumer side.
func (h *Hub) Messages() <-chan Message {
	return h.ch
}
