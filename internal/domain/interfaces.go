package domain

import (
	"context"
)

// TextGenerator is the outbound text-generation collaborator. Generate is
// invoked at most once per pipeline call, bounded by the context deadline;
// implementations must honor cancellation.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// MessageStore is the persistence collaborator. Each write is a single
// transaction; the pipeline issues at most one Save per invocation.
type MessageStore interface {
	// Save persists the message, its observations and the serialized bundle,
	// returning the new message id.
	Save(ctx context.Context, rec *MessageRecord) (int64, error)

	// List returns records ordered newest-first (without observations or
	// bundle payloads) plus the total count.
	List(ctx context.Context, limit, offset int) ([]*MessageRecord, int64, error)

	// Get returns one record including raw text and bundle JSON, or
	// ErrNotFound.
	Get(ctx context.Context, id int64) (*MessageRecord, error)

	// Observations returns the stored observations for a message, in insert
	// order, or ErrNotFound when the message does not exist.
	Observations(ctx context.Context, id int64) ([]Observation, error)

	// DeleteAll clears all persisted messages and observations.
	DeleteAll(ctx context.Context) error

	Close() error
}

// SummaryCache caches AI-generated summaries keyed by message content so a
// resubmitted identical message does not spend LLM quota. Implementations are
// best-effort: a cache failure never fails the pipeline.
type SummaryCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, summary string)
}
