package webhook

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streamd/store"
)

const (
	deliveryTimeout  = 30 * time.Second
	livenessTimeout  = 45 * time.Second
	maxRetryBackoff  = 30 * time.Second
	steadyRetryDelay = 60 * time.Second
	failureGCWindow  = 3 * 24 * time.Hour
	fastRetryCount   = 10
)

// TailFunc reports the current tail offset of a stream. ok is false when the
// stream does not exist.
type TailFunc func(path string) (store.Offset, bool)

// Manager drives the per-consumer wake state machine: it watches stream
// events, delivers signed wake webhooks, retries failed deliveries and
// processes subscriber callbacks.
type Manager struct {
	store  *Store
	tokens *TokenIssuer
	tail   TailFunc

	callbackBaseURL string
	client          *http.Client
	logger          *zap.Logger

	wg       sync.WaitGroup
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewManager wires a manager over the given registry. callbackBaseURL is the
// externally reachable prefix for the callback endpoint, without a trailing
// slash.
func NewManager(st *Store, tokens *TokenIssuer, tail TailFunc, callbackBaseURL string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:           st,
		tokens:          tokens,
		tail:            tail,
		callbackBaseURL: callbackBaseURL,
		client:          &http.Client{Timeout: deliveryTimeout},
		logger:          logger,
		stopped:         make(chan struct{}),
	}
}

// OnStreamCreated materializes consumers for every subscription whose pattern
// matches the new stream and wakes them.
func (m *Manager) OnStreamCreated(path string) {
	for _, sub := range m.store.MatchingSubscriptions(path) {
		c := m.store.EnsureConsumer(sub.SubscriptionID, path)
		m.Wake(c, path)
	}
}

// OnStreamAppend wakes idle consumers of the stream, first materializing
// instances for subscriptions registered after the stream was created.
// Consumers that are already WAKING or LIVE will see the new data through
// their normal read loop, so no extra wake is sent.
func (m *Manager) OnStreamAppend(path string) {
	for _, sub := range m.store.MatchingSubscriptions(path) {
		m.store.EnsureConsumer(sub.SubscriptionID, path)
	}
	for _, cid := range m.store.ConsumersForStream(path) {
		c := m.store.GetConsumer(cid)
		if c == nil {
			continue
		}
		m.Wake(c, path)
	}
}

// OnStreamDeleted detaches the stream from all consumers.
func (m *Manager) OnStreamDeleted(path string) {
	m.store.RemoveStream(path)
}

// Wake transitions an IDLE consumer to WAKING under a fresh epoch and wake-id
// and fires the delivery. Consumers already WAKING or LIVE are left alone.
func (m *Manager) Wake(c *ConsumerInstance, triggeredBy string) {
	select {
	case <-m.stopped:
		return
	default:
	}

	c.mu.Lock()
	if c.State != StateIdle {
		c.mu.Unlock()
		return
	}
	c.cancelRetryLocked()
	c.cancelLivenessLocked()
	c.State = StateWaking
	c.Epoch++
	c.WakeID = NewWakeID()
	c.WakeIDClaimed = false
	c.RetryCount = 0
	payload := m.buildPayloadLocked(c, triggeredBy)
	c.mu.Unlock()

	m.store.PersistConsumer(c)
	m.spawnDelivery(c, payload)
}

// buildPayloadLocked snapshots the wake payload. Caller holds c.mu.
func (m *Manager) buildPayloadLocked(c *ConsumerInstance, triggeredBy string) *WakePayload {
	streams := make([]StreamEntry, 0, len(c.Streams))
	for p, o := range c.Streams {
		streams = append(streams, StreamEntry{Path: p, Offset: o})
	}
	return &WakePayload{
		ConsumerID:    c.ConsumerID,
		Epoch:         c.Epoch,
		WakeID:        c.WakeID,
		PrimaryStream: c.PrimaryStream,
		Streams:       streams,
		TriggeredBy:   []string{triggeredBy},
		Callback:      m.callbackBaseURL + "/callback/" + url.PathEscape(c.ConsumerID),
		Token:         m.tokens.Generate(c.ConsumerID, c.Epoch),
	}
}

func (m *Manager) spawnDelivery(c *ConsumerInstance, payload *WakePayload) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.deliver(c, payload)
	}()
}

// deliver POSTs the signed wake payload. On success the liveness timer
// starts; on failure a retry is scheduled unless the wake has been claimed
// in the meantime.
func (m *Manager) deliver(c *ConsumerInstance, payload *WakePayload) {
	sub := m.store.GetSubscription(c.SubscriptionID)
	if sub == nil {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("encoding wake payload", zap.Error(err))
		return
	}

	req, err := http.NewRequest(http.MethodPost, sub.Webhook, bytes.NewReader(body))
	if err != nil {
		m.logger.Error("building wake request", zap.String("webhook", sub.Webhook), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Webhook-Signature", SignPayload(body, sub.WebhookSecret))

	resp, err := m.client.Do(req)
	ok := err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	if resp != nil {
		resp.Body.Close()
	}

	if ok {
		m.onDeliverySuccess(c, payload.WakeID)
		return
	}
	if err != nil {
		m.logger.Warn("wake delivery failed",
			zap.String("consumer_id", c.ConsumerID), zap.Error(err))
	} else {
		m.logger.Warn("wake delivery rejected",
			zap.String("consumer_id", c.ConsumerID), zap.Int("status", resp.StatusCode))
	}
	m.onDeliveryFailure(c, payload)
}

func (m *Manager) onDeliverySuccess(c *ConsumerInstance, wakeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.FirstFailureAt = nil
	c.LastFailureAt = nil
	c.RetryCount = 0
	if c.State == StateWaking && c.WakeID == wakeID && !c.WakeIDClaimed {
		m.armLivenessLocked(c)
	}
}

func (m *Manager) onDeliveryFailure(c *ConsumerInstance, payload *WakePayload) {
	now := time.Now()

	c.mu.Lock()
	if c.State != StateWaking || c.WakeID != payload.WakeID || c.WakeIDClaimed {
		// The wake was claimed or superseded while the request was in flight.
		c.mu.Unlock()
		return
	}
	if c.FirstFailureAt == nil {
		c.FirstFailureAt = &now
	}
	c.LastFailureAt = &now
	c.RetryCount++

	if now.Sub(*c.FirstFailureAt) > failureGCWindow {
		c.mu.Unlock()
		m.logger.Warn("removing consumer after sustained delivery failure",
			zap.String("consumer_id", c.ConsumerID))
		m.store.RemoveConsumer(c.ConsumerID)
		return
	}

	delay := retryDelay(c.RetryCount)
	wakeID := c.WakeID
	c.retryTimer = time.AfterFunc(delay, func() {
		m.retryWake(c, wakeID, payload)
	})
	c.mu.Unlock()

	m.store.PersistConsumer(c)
}

func (m *Manager) retryWake(c *ConsumerInstance, wakeID string, payload *WakePayload) {
	select {
	case <-m.stopped:
		return
	default:
	}

	c.mu.Lock()
	if c.State != StateWaking || c.WakeID != wakeID || c.WakeIDClaimed {
		c.mu.Unlock()
		return
	}
	// Re-snapshot so retries carry current acked offsets and a fresh token.
	refreshed := m.buildPayloadLocked(c, payload.TriggeredBy[0])
	refreshed.WakeID = wakeID
	c.mu.Unlock()

	m.spawnDelivery(c, refreshed)
}

// retryDelay implements exponential backoff with jitter: attempt n (counting
// from 1) backs off as min(2^(n-1) * 100ms, 30s) +/- 1s, attempts past
// fastRetryCount settle at 60s +/- 5s.
func retryDelay(attempt int) time.Duration {
	if attempt > fastRetryCount {
		return steadyRetryDelay + jitter(5*time.Second)
	}
	if attempt < 1 {
		attempt = 1
	}
	d := 100 * time.Millisecond << uint(attempt-1)
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	d += jitter(time.Second)
	if d < 0 {
		d = 0
	}
	return d
}

func jitter(span time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(2*span))) - span
}

// armLivenessLocked (re)starts the liveness timer. When it fires the
// consumer drops back to IDLE; if unacked data remains a new wake follows
// under a fresh epoch. Caller holds c.mu.
func (m *Manager) armLivenessLocked(c *ConsumerInstance) {
	c.cancelLivenessLocked()
	c.livenessTimer = time.AfterFunc(livenessTimeout, func() {
		m.onLivenessExpired(c)
	})
}

func (m *Manager) onLivenessExpired(c *ConsumerInstance) {
	c.mu.Lock()
	if c.State == StateIdle {
		c.mu.Unlock()
		return
	}
	c.State = StateIdle
	c.cancelRetryLocked()
	c.cancelLivenessLocked()
	c.mu.Unlock()

	m.store.PersistConsumer(c)
	if m.hasPendingWork(c) {
		m.Wake(c, c.PrimaryStream)
	}
}

// hasPendingWork reports whether any subscribed stream has data beyond the
// consumer's acked offset.
func (m *Manager) hasPendingWork(c *ConsumerInstance) bool {
	c.mu.Lock()
	acked := make(map[string]string, len(c.Streams))
	for p, o := range c.Streams {
		acked[p] = o
	}
	c.mu.Unlock()

	for path, off := range acked {
		tail, ok := m.tail(path)
		if !ok {
			continue
		}
		parsed, err := store.ParseOffset(off)
		if err != nil {
			continue
		}
		if parsed.LessThan(tail) {
			return true
		}
	}
	return false
}

// HandleCallback processes one subscriber callback. It returns either a
// success envelope or an error envelope; the HTTP status for errors comes
// from CallbackStatus.
func (m *Manager) HandleCallback(consumerID, bearer string, req *CallbackRequest) (*CallbackSuccess, *CallbackError) {
	check := m.tokens.Validate(bearer, consumerID)
	if !check.Valid {
		return nil, &CallbackError{Error: CallbackErrBody{Code: check.Code, Message: "callback token rejected"}}
	}

	c := m.store.GetConsumer(consumerID)
	if c == nil {
		return nil, &CallbackError{Error: CallbackErrBody{Code: ErrCodeConsumerGone, Message: "consumer no longer exists"}}
	}

	c.mu.Lock()

	if req.Epoch != c.Epoch || check.Epoch != c.Epoch {
		// A newer wake superseded this subscriber's session. Hand back a
		// token for the current epoch so it can rejoin.
		epoch := c.Epoch
		c.mu.Unlock()
		return nil, &CallbackError{
			Error: CallbackErrBody{Code: ErrCodeStaleEpoch, Message: "a newer wake supersedes this epoch"},
			Token: m.tokens.Generate(consumerID, epoch),
		}
	}

	// Acks: validate everything before mutating anything, so a rejected
	// callback cannot leave a half-applied claim behind.
	type ackUpdate struct {
		path string
		off  string
	}
	updates := make([]ackUpdate, 0, len(req.Acks))
	for _, ack := range req.Acks {
		cur, tracked := c.Streams[ack.Path]
		if !tracked {
			continue
		}
		parsed, err := store.ParseOffset(ack.Offset)
		if err != nil {
			c.mu.Unlock()
			return nil, &CallbackError{Error: CallbackErrBody{Code: ErrCodeInvalidOffset, Message: "malformed ack offset for " + ack.Path}}
		}
		if tail, ok := m.tail(ack.Path); ok && tail.LessThan(parsed) {
			c.mu.Unlock()
			return nil, &CallbackError{Error: CallbackErrBody{Code: ErrCodeInvalidOffset, Message: "ack offset beyond end of " + ack.Path}}
		}
		if prev, err := store.ParseOffset(cur); err == nil && parsed.LessThan(prev) {
			// Regressions are ignored rather than rejected; a slow
			// subscriber may replay an old ack after a retry.
			continue
		}
		updates = append(updates, ackUpdate{path: ack.Path, off: parsed.String()})
	}

	if req.WakeID != "" {
		if req.WakeID != c.WakeID {
			c.mu.Unlock()
			return nil, &CallbackError{Error: CallbackErrBody{Code: ErrCodeAlreadyClaimed, Message: "wake id is not current"}}
		}
		if c.WakeIDClaimed {
			c.mu.Unlock()
			return nil, &CallbackError{Error: CallbackErrBody{Code: ErrCodeAlreadyClaimed, Message: "wake id already claimed"}}
		}
		c.WakeIDClaimed = true
	}

	for _, u := range updates {
		c.Streams[u.path] = u.off
	}

	if c.State == StateWaking {
		c.State = StateLive
	}
	c.LastCallbackAt = time.Now()
	c.cancelRetryLocked()
	c.FirstFailureAt = nil
	c.LastFailureAt = nil
	c.RetryCount = 0

	done := req.Done != nil && *req.Done
	if done {
		c.State = StateIdle
		c.cancelLivenessLocked()
	} else {
		m.armLivenessLocked(c)
	}

	subscribe := append([]string(nil), req.Subscribe...)
	unsubscribe := append([]string(nil), req.Unsubscribe...)
	c.mu.Unlock()

	for _, path := range subscribe {
		m.store.AddStreamToConsumer(c, path, store.BeforeBeginning)
	}
	gone := false
	for _, path := range unsubscribe {
		if m.store.DropStreamFromConsumer(c, path) {
			gone = true
		}
	}
	if gone {
		m.store.RemoveConsumer(c.ConsumerID)
		return nil, &CallbackError{Error: CallbackErrBody{Code: ErrCodeConsumerGone, Message: "last stream unsubscribed"}}
	}

	m.store.PersistConsumer(c)

	if done && m.hasPendingWork(c) {
		m.Wake(c, c.PrimaryStream)
	}

	token := bearer
	if NeedsRefresh(check.Exp) {
		c.mu.Lock()
		epoch := c.Epoch
		c.mu.Unlock()
		token = m.tokens.Generate(consumerID, epoch)
	}

	c.mu.Lock()
	streams := make([]StreamEntry, 0, len(c.Streams))
	for p, o := range c.Streams {
		streams = append(streams, StreamEntry{Path: p, Offset: o})
	}
	c.mu.Unlock()

	return &CallbackSuccess{OK: true, Token: token, Streams: streams}, nil
}

// ResumePending wakes every restored consumer that still has unacked data.
// Called once after Load.
func (m *Manager) ResumePending() {
	for _, c := range m.store.AllConsumers() {
		if m.hasPendingWork(c) {
			m.Wake(c, c.PrimaryStream)
		}
	}
}

// Shutdown stops new wakes, cancels timers and waits for in-flight
// deliveries to finish.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopped) })
	m.store.Shutdown()
	m.wg.Wait()
}
