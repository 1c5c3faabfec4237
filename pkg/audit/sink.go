package audit

import (
	"context"
	"time"
)

// FailureMode controls how the pipeline reacts when the sink refuses a write.
type FailureMode string

const (
	// FailureModeBlock fails the request when the audit write fails (fail-closed).
	FailureModeBlock FailureMode = "block"
	// FailureModeBuffer logs a warning and continues (fail-open). Buffered
	// events are bounded; the oldest events are dropped on overflow.
	FailureModeBuffer FailureMode = "buffer"
)

// Sink is the destination for audit events. Implementations must be safe for
// concurrent use.
type Sink interface {
	// Emit appends a single event.
	Emit(ctx context.Context, event *Event) error
	// EmitBatch appends a batch of events in order.
	EmitBatch(ctx context.Context, events []*Event) error
	// Flush drains any buffered events. Must be called before shutdown.
	Flush(ctx context.Context) error
	// Close flushes and releases resources.
	Close() error
}

// Querier is an optional capability for sinks that support reading events
// back, e.g. the sqlite sink.
type Querier interface {
	Query(ctx context.Context, filter Filter) ([]*Event, error)
}

// Filter narrows a Query.
type Filter struct {
	Types     []string
	UserID    string
	ClientID  string
	SessionID string
	Since     time.Time
	Until     time.Time
	Limit     int
}
