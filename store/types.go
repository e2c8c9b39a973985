package store

import (
	"context"
	"time"
)

// Message is a single stored message. Offset is the position *after* the
// message, i.e. the offset a reader acks once it has consumed it.
type Message struct {
	Data      []byte
	Offset    Offset
	Timestamp time.Time
}

// ProducerRef identifies one idempotent-producer request.
type ProducerRef struct {
	ID    string
	Epoch int64
	Seq   int64
}

// StreamInfo is a snapshot of stream metadata.
type StreamInfo struct {
	Path          string
	ContentType   string // normalized media type
	CurrentOffset Offset
	TTLSeconds    *int64
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	Closed        bool
	ClosedBy      *ProducerRef
	LastSeq       *int64 // last accepted Stream-Seq value
}

// IsExpired reports whether the stream is past its TTL or expiry instant.
func (m *StreamInfo) IsExpired(now time.Time) bool {
	if m.ExpiresAt != nil && now.After(*m.ExpiresAt) {
		return true
	}
	if m.TTLSeconds != nil && now.After(m.CreatedAt.Add(time.Duration(*m.TTLSeconds)*time.Second)) {
		return true
	}
	return false
}

// CreateOptions configures stream creation.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
	Closed      bool
}

// AppendOptions configures a single append.
type AppendOptions struct {
	// Seq is the stream-wide Stream-Seq value; nil when the header is absent.
	Seq *int64

	// ContentType of the request; empty inherits the stream's type.
	ContentType string

	// Close marks the stream closed after this append (Stream-Closed: true).
	Close bool

	// Producer carries the idempotent-producer tuple; nil when absent.
	Producer *ProducerRef

	// IdempotencyKey is the Idempotency-Key header, distinct from the
	// producer ledger. Replays of the same key return the cached result.
	IdempotencyKey string
}

// AppendResult is the outcome of a successful (or deduplicated) append.
type AppendResult struct {
	NextOffset Offset
	Duplicate  bool // replay detected via producer seq or idempotency key
	Closed     bool // stream is closed after this request

	// Producer echoes, valid when the request carried producer headers.
	ProducerEpoch int64
	ProducerSeq   int64
}

// ReadResult is the outcome of a catch-up read.
type ReadResult struct {
	Messages   []Message
	NextOffset Offset
	UpToDate   bool
	Closed     bool
}

// WaitResult is the outcome of a long-poll wait.
type WaitResult struct {
	Messages   []Message
	NextOffset Offset
	TimedOut   bool
	Closed     bool
}

// CloseResult is the outcome of closing a stream.
type CloseResult struct {
	FinalOffset   Offset
	AlreadyClosed bool
}

// Hooks receive store lifecycle notifications; used to drive webhook wakes.
// Callbacks run synchronously under no store locks.
type Hooks struct {
	OnCreate func(path string)
	OnAppend func(path string)
	OnDelete func(path string)
}

// Store is the stream engine contract.
type Store interface {
	// Create is idempotent: an existing unexpired stream with identical
	// config is returned with created=false; differing config fails with
	// STREAM_CONFLICT.
	Create(path string, opts CreateOptions) (info *StreamInfo, created bool, err error)

	// Get returns metadata, expiry-aware: an expired stream is dropped and
	// reported NOT_FOUND.
	Get(path string) (*StreamInfo, error)

	// Has reports stream existence, expiry-aware.
	Has(path string) bool

	// Delete removes a stream and resolves its waiters with an empty result.
	Delete(path string) error

	// Append validates and appends. On any error no state changes.
	Append(path string, data []byte, opts AppendOptions) (AppendResult, error)

	// CloseStream marks a stream closed without appending. A nil producer is
	// an unconditional idempotent close; with a producer the close
	// participates in replay deduplication.
	CloseStream(path string, by *ProducerRef) (CloseResult, error)

	// Read returns all messages with offset strictly greater than from.
	Read(path string, from Offset) (ReadResult, error)

	// WaitForMessages parks until data past from arrives, the stream closes
	// or is deleted, the timeout lapses, or ctx is cancelled. A non-positive
	// timeout degrades to a catch-up read.
	WaitForMessages(ctx context.Context, path string, from Offset, timeout time.Duration) (WaitResult, error)

	// Tail returns the current tail offset and closed flag.
	Tail(path string) (Offset, bool, error)

	// SetHooks installs lifecycle callbacks. Must be called before serving.
	SetHooks(h Hooks)

	// Close shuts the store down: stops the sweeper and resolves all
	// waiters with an empty result.
	Close() error
}
