package webhook

import (
	"sync"
	"time"
)

// ConsumerState is the per-consumer delivery state machine.
type ConsumerState string

const (
	StateIdle   ConsumerState = "IDLE"   // no delivery in flight, waiting for data
	StateWaking ConsumerState = "WAKING" // delivery attempted, awaiting first callback
	StateLive   ConsumerState = "LIVE"   // subscriber is actively consuming
)

// Subscription is a pattern-matched webhook registration.
type Subscription struct {
	SubscriptionID string `json:"subscription_id"`
	Pattern        string `json:"pattern"`
	Webhook        string `json:"webhook"`
	WebhookSecret  string `json:"webhook_secret,omitempty"`
	Description    string `json:"description,omitempty"`
}

// ConsumerInstance is the bookkeeping for one (subscription, primary stream)
// pair. All mutable fields are guarded by mu; the manager is the only writer.
type ConsumerInstance struct {
	mu sync.Mutex

	ConsumerID     string
	SubscriptionID string
	PrimaryStream  string
	State          ConsumerState
	Epoch          int64
	WakeID         string
	WakeIDClaimed  bool
	Streams        map[string]string // path -> acked offset ("-1" = nothing acked)
	LastCallbackAt time.Time

	FirstFailureAt *time.Time
	LastFailureAt  *time.Time
	RetryCount     int

	retryTimer    *time.Timer
	livenessTimer *time.Timer
}

// cancelRetryLocked stops a pending retry timer. Caller holds mu.
func (c *ConsumerInstance) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// cancelLivenessLocked stops the liveness timer. Caller holds mu.
func (c *ConsumerInstance) cancelLivenessLocked() {
	if c.livenessTimer != nil {
		c.livenessTimer.Stop()
		c.livenessTimer = nil
	}
}

// CancelTimers stops both timers.
func (c *ConsumerInstance) CancelTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelRetryLocked()
	c.cancelLivenessLocked()
}

// StreamEntry pairs a stream path with an offset.
type StreamEntry struct {
	Path   string `json:"path"`
	Offset string `json:"offset"`
}

// WakePayload is the signed body POSTed to the subscriber's webhook URL.
type WakePayload struct {
	ConsumerID    string        `json:"consumer_id"`
	Epoch         int64         `json:"epoch"`
	WakeID        string        `json:"wake_id"`
	PrimaryStream string        `json:"primary_stream"`
	Streams       []StreamEntry `json:"streams"`
	TriggeredBy   []string      `json:"triggered_by"`
	Callback      string        `json:"callback"`
	Token         string        `json:"token"`
}

// CallbackRequest is the body subscribers POST to the callback endpoint.
type CallbackRequest struct {
	Epoch       int64         `json:"epoch"`
	WakeID      string        `json:"wake_id,omitempty"`
	Acks        []StreamEntry `json:"acks,omitempty"`
	Subscribe   []string      `json:"subscribe,omitempty"`
	Unsubscribe []string      `json:"unsubscribe,omitempty"`
	Done        *bool         `json:"done,omitempty"`
}

// CallbackSuccess is the 200 response to a valid callback.
type CallbackSuccess struct {
	OK      bool          `json:"ok"`
	Token   string        `json:"token"`
	Streams []StreamEntry `json:"streams"`
}

// CallbackError is the error envelope for callback failures.
type CallbackError struct {
	OK    bool            `json:"ok"`
	Error CallbackErrBody `json:"error"`
	Token string          `json:"token,omitempty"`
}

type CallbackErrBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Callback error codes.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeTokenExpired   = "TOKEN_EXPIRED"
	ErrCodeTokenInvalid   = "TOKEN_INVALID"
	ErrCodeAlreadyClaimed = "ALREADY_CLAIMED"
	ErrCodeInvalidOffset  = "INVALID_OFFSET"
	ErrCodeStaleEpoch     = "STALE_EPOCH"
	ErrCodeConsumerGone   = "CONSUMER_GONE"
)

// CallbackStatus maps callback error codes to HTTP status codes.
var CallbackStatus = map[string]int{
	ErrCodeInvalidRequest: 400,
	ErrCodeTokenExpired:   401,
	ErrCodeTokenInvalid:   401,
	ErrCodeAlreadyClaimed: 409,
	ErrCodeInvalidOffset:  400,
	ErrCodeStaleEpoch:     409,
	ErrCodeConsumerGone:   410,
}

// Persister stores webhook-layer records so subscriptions and consumer
// instances survive restarts. The bolt store implements it; a nil Persister
// means in-memory only.
type Persister interface {
	PutRecord(kind, key string, val []byte) error
	DeleteRecord(kind, key string) error
	LoadRecords(kind string, fn func(key string, val []byte) error) error
}

const (
	recordKindSubscriptions = "subscriptions"
	recordKindConsumers     = "consumers"
)

// consumerRecord is the persisted form of a ConsumerInstance.
type consumerRecord struct {
	ConsumerID     string            `json:"consumer_id"`
	SubscriptionID string            `json:"subscription_id"`
	PrimaryStream  string            `json:"primary_stream"`
	State          ConsumerState     `json:"state"`
	Epoch          int64             `json:"epoch"`
	WakeID         string            `json:"wake_id,omitempty"`
	WakeIDClaimed  bool              `json:"wake_id_claimed"`
	Streams        map[string]string `json:"streams"`
	FirstFailureAt *int64            `json:"first_failure_at_ms,omitempty"`
	LastFailureAt  *int64            `json:"last_failure_at_ms,omitempty"`
}
