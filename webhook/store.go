package webhook

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// errSubscriptionConflict is returned when a subscription ID is reused with a
// different pattern or webhook URL.
var errSubscriptionConflict = errors.New("subscription exists with different configuration")

// IsConflict reports whether err is a subscription configuration conflict.
func IsConflict(err error) bool {
	return errors.Is(err, errSubscriptionConflict)
}

// Store owns all subscriptions and consumer instances. Cross-references are
// by ID only; the stream engine never holds pointers into this store.
type Store struct {
	mu sync.RWMutex

	subscriptions map[string]*Subscription
	consumers     map[string]*ConsumerInstance

	// Secondary indexes.
	subscriptionConsumers map[string]map[string]struct{} // subscription_id -> consumer ids
	streamConsumers       map[string]map[string]struct{} // stream path -> consumer ids

	persister Persister
	logger    *zap.Logger
}

// NewStore creates an empty registry. persister may be nil for in-memory
// operation.
func NewStore(persister Persister, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		subscriptions:         make(map[string]*Subscription),
		consumers:             make(map[string]*ConsumerInstance),
		subscriptionConsumers: make(map[string]map[string]struct{}),
		streamConsumers:       make(map[string]map[string]struct{}),
		persister:             persister,
		logger:                logger,
	}
}

// Load restores persisted subscriptions and consumers. Restored consumers
// come back as IDLE but keep their epoch, wake-id and claimed flag, so a
// wake that was already claimed is never re-fired; pending work is picked up
// by the manager's resume pass.
func (s *Store) Load() error {
	if s.persister == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.persister.LoadRecords(recordKindSubscriptions, func(_ string, val []byte) error {
		var sub Subscription
		if err := json.Unmarshal(val, &sub); err != nil {
			return err
		}
		s.subscriptions[sub.SubscriptionID] = &sub
		s.subscriptionConsumers[sub.SubscriptionID] = make(map[string]struct{})
		return nil
	})
	if err != nil {
		return err
	}

	return s.persister.LoadRecords(recordKindConsumers, func(_ string, val []byte) error {
		var rec consumerRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		c := &ConsumerInstance{
			ConsumerID:     rec.ConsumerID,
			SubscriptionID: rec.SubscriptionID,
			PrimaryStream:  rec.PrimaryStream,
			State:          StateIdle,
			Epoch:          rec.Epoch,
			WakeID:         rec.WakeID,
			WakeIDClaimed:  rec.WakeIDClaimed,
			Streams:        rec.Streams,
		}
		if c.Streams == nil {
			c.Streams = make(map[string]string)
		}
		if rec.FirstFailureAt != nil {
			t := time.UnixMilli(*rec.FirstFailureAt)
			c.FirstFailureAt = &t
		}
		if rec.LastFailureAt != nil {
			t := time.UnixMilli(*rec.LastFailureAt)
			c.LastFailureAt = &t
		}
		s.indexConsumerLocked(c)
		return nil
	})
}

// CreateSubscription registers a subscription or idempotently matches an
// existing one. The secret is generated server-side and only surfaced on the
// creating call.
func (s *Store) CreateSubscription(subscriptionID, pattern, webhookURL, description string) (*Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subscriptions[subscriptionID]; ok {
		if existing.Pattern == pattern && existing.Webhook == webhookURL {
			return existing, false, nil
		}
		return nil, false, errSubscriptionConflict
	}

	sub := &Subscription{
		SubscriptionID: subscriptionID,
		Pattern:        pattern,
		Webhook:        webhookURL,
		WebhookSecret:  NewWebhookSecret(),
		Description:    description,
	}
	s.subscriptions[subscriptionID] = sub
	s.subscriptionConsumers[subscriptionID] = make(map[string]struct{})
	s.persistSubscriptionLocked(sub)
	return sub, true, nil
}

// GetSubscription returns a subscription by ID, or nil.
func (s *Store) GetSubscription(subscriptionID string) *Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscriptions[subscriptionID]
}

// ListSubscriptions returns subscriptions whose pattern equals the given one,
// or all of them when pattern is empty or the match-everything pattern.
func (s *Store) ListSubscriptions(pattern string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if pattern == "" || pattern == "/**" || sub.Pattern == pattern {
			out = append(out, sub)
		}
	}
	return out
}

// DeleteSubscription removes a subscription and all its consumers.
func (s *Store) DeleteSubscription(subscriptionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[subscriptionID]; !ok {
		return false
	}
	for cid := range s.subscriptionConsumers[subscriptionID] {
		s.removeConsumerLocked(cid)
	}
	delete(s.subscriptionConsumers, subscriptionID)
	delete(s.subscriptions, subscriptionID)
	if s.persister != nil {
		if err := s.persister.DeleteRecord(recordKindSubscriptions, subscriptionID); err != nil {
			s.logger.Error("deleting subscription record", zap.Error(err))
		}
	}
	return true
}

// MatchingSubscriptions returns subscriptions whose pattern matches the path.
func (s *Store) MatchingSubscriptions(streamPath string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Subscription
	for _, sub := range s.subscriptions {
		if MatchPattern(sub.Pattern, streamPath) {
			out = append(out, sub)
		}
	}
	return out
}

// GetConsumer returns a consumer by ID, or nil.
func (s *Store) GetConsumer(consumerID string) *ConsumerInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consumers[consumerID]
}

// EnsureConsumer returns the consumer for a (subscription, stream) pair,
// creating it in IDLE with nothing acked if needed.
func (s *Store) EnsureConsumer(subscriptionID, streamPath string) *ConsumerInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ConsumerID(subscriptionID, streamPath)
	if c, ok := s.consumers[id]; ok {
		return c
	}

	c := &ConsumerInstance{
		ConsumerID:     id,
		SubscriptionID: subscriptionID,
		PrimaryStream:  streamPath,
		State:          StateIdle,
		Streams:        map[string]string{streamPath: "-1"},
	}
	s.indexConsumerLocked(c)
	s.PersistConsumer(c)
	return c
}

// ConsumersForStream returns the IDs of consumers subscribed to a stream.
func (s *Store) ConsumersForStream(streamPath string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.streamConsumers[streamPath]
	out := make([]string, 0, len(set))
	for cid := range set {
		out = append(out, cid)
	}
	return out
}

// AddStreamToConsumer indexes an extra stream for a consumer (callback
// subscribe). The acked offset starts at the given value.
func (s *Store) AddStreamToConsumer(c *ConsumerInstance, path, ackedOffset string) {
	s.mu.Lock()
	s.addStreamIndexLocked(path, c.ConsumerID)
	s.mu.Unlock()

	c.mu.Lock()
	if _, ok := c.Streams[path]; !ok {
		c.Streams[path] = ackedOffset
	}
	c.mu.Unlock()
	s.PersistConsumer(c)
}

// DropStreamFromConsumer unindexes a stream for a consumer (callback
// unsubscribe). Returns true when the consumer has no streams left.
func (s *Store) DropStreamFromConsumer(c *ConsumerInstance, path string) bool {
	s.mu.Lock()
	s.dropStreamIndexLocked(path, c.ConsumerID)
	s.mu.Unlock()

	c.mu.Lock()
	delete(c.Streams, path)
	empty := len(c.Streams) == 0
	c.mu.Unlock()
	if !empty {
		s.PersistConsumer(c)
	}
	return empty
}

// RemoveConsumer deletes a consumer, cancelling its timers.
func (s *Store) RemoveConsumer(consumerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeConsumerLocked(consumerID)
}

// RemoveStream detaches a deleted stream from every consumer; consumers left
// with no streams are removed.
func (s *Store) RemoveStream(streamPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orphaned []string
	for cid := range s.streamConsumers[streamPath] {
		c, ok := s.consumers[cid]
		if !ok {
			continue
		}
		c.mu.Lock()
		delete(c.Streams, streamPath)
		empty := len(c.Streams) == 0
		c.mu.Unlock()
		if empty {
			orphaned = append(orphaned, cid)
		} else {
			s.PersistConsumer(c)
		}
	}
	delete(s.streamConsumers, streamPath)

	for _, cid := range orphaned {
		s.removeConsumerLocked(cid)
	}
}

// AllConsumers returns a snapshot of every consumer instance.
func (s *Store) AllConsumers() []*ConsumerInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ConsumerInstance, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c)
	}
	return out
}

// Shutdown cancels all consumer timers and drops in-memory state. Persisted
// records are left in place for the next start.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.consumers {
		c.CancelTimers()
	}
	s.consumers = make(map[string]*ConsumerInstance)
	s.subscriptions = make(map[string]*Subscription)
	s.subscriptionConsumers = make(map[string]map[string]struct{})
	s.streamConsumers = make(map[string]map[string]struct{})
}

// PersistConsumer writes the consumer's current state through the persister.
func (s *Store) PersistConsumer(c *ConsumerInstance) {
	if s.persister == nil {
		return
	}

	c.mu.Lock()
	rec := consumerRecord{
		ConsumerID:     c.ConsumerID,
		SubscriptionID: c.SubscriptionID,
		PrimaryStream:  c.PrimaryStream,
		State:          c.State,
		Epoch:          c.Epoch,
		WakeID:         c.WakeID,
		WakeIDClaimed:  c.WakeIDClaimed,
		Streams:        make(map[string]string, len(c.Streams)),
	}
	for p, o := range c.Streams {
		rec.Streams[p] = o
	}
	if c.FirstFailureAt != nil {
		ms := c.FirstFailureAt.UnixMilli()
		rec.FirstFailureAt = &ms
	}
	if c.LastFailureAt != nil {
		ms := c.LastFailureAt.UnixMilli()
		rec.LastFailureAt = &ms
	}
	c.mu.Unlock()

	val, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("encoding consumer record", zap.Error(err))
		return
	}
	if err := s.persister.PutRecord(recordKindConsumers, rec.ConsumerID, val); err != nil {
		s.logger.Error("persisting consumer", zap.String("consumer_id", rec.ConsumerID), zap.Error(err))
	}
}

func (s *Store) persistSubscriptionLocked(sub *Subscription) {
	if s.persister == nil {
		return
	}
	val, err := json.Marshal(sub)
	if err != nil {
		s.logger.Error("encoding subscription record", zap.Error(err))
		return
	}
	if err := s.persister.PutRecord(recordKindSubscriptions, sub.SubscriptionID, val); err != nil {
		s.logger.Error("persisting subscription", zap.String("subscription_id", sub.SubscriptionID), zap.Error(err))
	}
}

func (s *Store) indexConsumerLocked(c *ConsumerInstance) {
	s.consumers[c.ConsumerID] = c
	if set, ok := s.subscriptionConsumers[c.SubscriptionID]; ok {
		set[c.ConsumerID] = struct{}{}
	}
	for path := range c.Streams {
		s.addStreamIndexLocked(path, c.ConsumerID)
	}
}

func (s *Store) removeConsumerLocked(consumerID string) {
	c, ok := s.consumers[consumerID]
	if !ok {
		return
	}

	c.CancelTimers()
	c.mu.Lock()
	paths := make([]string, 0, len(c.Streams))
	for p := range c.Streams {
		paths = append(paths, p)
	}
	c.mu.Unlock()

	for _, p := range paths {
		s.dropStreamIndexLocked(p, consumerID)
	}
	if set, ok := s.subscriptionConsumers[c.SubscriptionID]; ok {
		delete(set, consumerID)
	}
	delete(s.consumers, consumerID)

	if s.persister != nil {
		if err := s.persister.DeleteRecord(recordKindConsumers, consumerID); err != nil {
			s.logger.Error("deleting consumer record", zap.Error(err))
		}
	}
}

func (s *Store) addStreamIndexLocked(path, consumerID string) {
	set, ok := s.streamConsumers[path]
	if !ok {
		set = make(map[string]struct{})
		s.streamConsumers[path] = set
	}
	set[consumerID] = struct{}{}
}

func (s *Store) dropStreamIndexLocked(path, consumerID string) {
	set, ok := s.streamConsumers[path]
	if !ok {
		return
	}
	delete(set, consumerID)
	if len(set) == 0 {
		delete(s.streamConsumers, path)
	}
}
