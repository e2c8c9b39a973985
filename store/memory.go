package store

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"go.uber.org/zap"
)

// sweepInterval is how often the background sweeper scans for expired
// streams. Expiry is also enforced lazily on every access.
const sweepInterval = 30 * time.Second

// MemoryStore is the in-memory stream engine. Durability is a wrapper
// concern (see BoltStore); all protocol semantics live here.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memStream

	waiters   *waiterHub
	prodLocks *keyedLocks
	hooks     Hooks
	logger    *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type memStream struct {
	mu        sync.RWMutex
	info      StreamInfo
	messages  []Message
	producers map[string]*ProducerState
	idempo    map[string]idempoEntry
}

// idempoEntry caches the result of an append keyed by Idempotency-Key.
type idempoEntry struct {
	bodyHash [32]byte
	result   AppendResult
}

// NewMemoryStore creates an in-memory store and starts its expiry sweeper.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MemoryStore{
		streams:   make(map[string]*memStream),
		waiters:   newWaiterHub(),
		prodLocks: newKeyedLocks(),
		logger:    logger,
		stop:      make(chan struct{}),
	}
	go s.sweep()
	return s
}

// SetHooks installs lifecycle callbacks.
func (s *MemoryStore) SetHooks(h Hooks) {
	s.hooks = h
}

func (s *MemoryStore) Create(path string, opts CreateOptions) (*StreamInfo, bool, error) {
	contentType := NormalizeContentType(opts.ContentType)

	s.mu.Lock()
	if existing, ok := s.streams[path]; ok {
		if existing.info.IsExpired(time.Now()) {
			delete(s.streams, path)
		} else if existing.configMatches(contentType, opts) {
			info := existing.snapshot()
			s.mu.Unlock()
			return &info, false, nil
		} else {
			s.mu.Unlock()
			return nil, false, &Error{Code: CodeStreamConflict, Detail: "stream exists with different configuration"}
		}
	}

	st := &memStream{
		info: StreamInfo{
			Path:        path,
			ContentType: contentType,
			TTLSeconds:  opts.TTLSeconds,
			ExpiresAt:   opts.ExpiresAt,
			CreatedAt:   time.Now(),
			Closed:      opts.Closed,
		},
		producers: make(map[string]*ProducerState),
		idempo:    make(map[string]idempoEntry),
	}

	if len(opts.InitialData) > 0 {
		// Initial data goes through the full framing path so JSON
		// validation applies; empty arrays are allowed here.
		if err := st.appendFramed(opts.InitialData, "", true); err != nil {
			s.mu.Unlock()
			return nil, false, err
		}
	}

	s.streams[path] = st
	info := st.snapshot()
	s.mu.Unlock()

	if s.hooks.OnCreate != nil {
		s.hooks.OnCreate(path)
	}
	return &info, true, nil
}

func (s *MemoryStore) Get(path string) (*StreamInfo, error) {
	st := s.lookup(path)
	if st == nil {
		return nil, errNotFound(path)
	}
	st.mu.RLock()
	info := st.snapshotLocked()
	st.mu.RUnlock()
	return &info, nil
}

func (s *MemoryStore) Has(path string) bool {
	return s.lookup(path) != nil
}

func (s *MemoryStore) Delete(path string) error {
	s.mu.Lock()
	_, ok := s.streams[path]
	if !ok {
		s.mu.Unlock()
		return errNotFound(path)
	}
	delete(s.streams, path)
	s.mu.Unlock()

	s.waiters.notify(path, waitEvent{deleted: true})
	if s.hooks.OnDelete != nil {
		s.hooks.OnDelete(path)
	}
	return nil
}

func (s *MemoryStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if opts.Producer != nil {
		// The producer lock is held across validate, append and commit so
		// concurrent requests from the same producer are serialized.
		key := producerLockKey(path, opts.Producer.ID)
		s.prodLocks.Acquire(key)
		defer s.prodLocks.Release(key)
	}

	st := s.lookup(path)
	if st == nil {
		return AppendResult{}, errNotFound(path)
	}

	res, err := st.append(data, opts)
	if err != nil {
		return AppendResult{}, err
	}

	if !res.Duplicate {
		s.waiters.notify(path, waitEvent{closed: res.Closed})
		if s.hooks.OnAppend != nil {
			s.hooks.OnAppend(path)
		}
	}
	return res, nil
}

func (s *MemoryStore) CloseStream(path string, by *ProducerRef) (CloseResult, error) {
	if by != nil {
		key := producerLockKey(path, by.ID)
		s.prodLocks.Acquire(key)
		defer s.prodLocks.Release(key)
	}

	st := s.lookup(path)
	if st == nil {
		return CloseResult{}, errNotFound(path)
	}

	res, err := st.close(by)
	if err != nil {
		return CloseResult{}, err
	}

	if !res.AlreadyClosed {
		s.waiters.notify(path, waitEvent{closed: true})
	}
	return res, nil
}

func (s *MemoryStore) Read(path string, from Offset) (ReadResult, error) {
	st := s.lookup(path)
	if st == nil {
		return ReadResult{}, errNotFound(path)
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	var msgs []Message
	for _, m := range st.messages {
		if Compare(m.Offset, from) > 0 {
			msgs = append(msgs, m)
		}
	}

	next := from
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].Offset
	} else if from.LessThan(st.info.CurrentOffset) {
		// Caller is behind but nothing matched; report the tail so the
		// client does not spin on a stale offset.
		next = st.info.CurrentOffset
	}

	return ReadResult{
		Messages:   msgs,
		NextOffset: next,
		UpToDate:   !next.LessThan(st.info.CurrentOffset),
		Closed:     st.info.Closed,
	}, nil
}

func (s *MemoryStore) WaitForMessages(ctx context.Context, path string, from Offset, timeout time.Duration) (WaitResult, error) {
	rr, err := s.Read(path, from)
	if err != nil {
		return WaitResult{}, err
	}
	if len(rr.Messages) > 0 {
		return WaitResult{Messages: rr.Messages, NextOffset: rr.NextOffset, Closed: rr.Closed}, nil
	}
	if rr.Closed && rr.UpToDate {
		return WaitResult{NextOffset: rr.NextOffset, Closed: true}, nil
	}
	if timeout <= 0 {
		// Degenerate long-poll: behave like a catch-up read at tail.
		return WaitResult{NextOffset: rr.NextOffset, TimedOut: true, Closed: rr.Closed}, nil
	}

	w := s.waiters.register(path)
	defer s.waiters.unregister(path, w)

	// Re-check after registration: an append may have slipped in between
	// the read above and the waiter becoming visible.
	rr, err = s.Read(path, from)
	if err != nil {
		return WaitResult{}, err
	}
	if len(rr.Messages) > 0 || (rr.Closed && rr.UpToDate) {
		return WaitResult{Messages: rr.Messages, NextOffset: rr.NextOffset, Closed: rr.Closed}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		if ev.deleted {
			return WaitResult{NextOffset: from}, nil
		}
		rr, err := s.Read(path, from)
		if err != nil {
			return WaitResult{}, err
		}
		return WaitResult{
			Messages:   rr.Messages,
			NextOffset: rr.NextOffset,
			Closed:     rr.Closed || ev.closed,
		}, nil
	case <-timer.C:
		closed := false
		if info, err := s.Get(path); err == nil {
			closed = info.Closed
		}
		return WaitResult{NextOffset: from, TimedOut: true, Closed: closed}, nil
	case <-ctx.Done():
		return WaitResult{}, ctx.Err()
	}
}

func (s *MemoryStore) Tail(path string) (Offset, bool, error) {
	st := s.lookup(path)
	if st == nil {
		return Offset{}, false, errNotFound(path)
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.info.CurrentOffset, st.info.Closed, nil
}

// Close stops the sweeper and resolves every parked waiter with an empty
// result.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.waiters.notifyAll(waitEvent{deleted: true})
	return nil
}

// lookup returns the live stream for path, enforcing lazy expiry.
func (s *MemoryStore) lookup(path string) *memStream {
	s.mu.RLock()
	st, ok := s.streams[path]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	st.mu.RLock()
	expired := st.info.IsExpired(time.Now())
	st.mu.RUnlock()
	if !expired {
		return st
	}

	s.mu.Lock()
	// Re-check under the write lock; the stream may have been recreated.
	if cur, ok := s.streams[path]; ok && cur == st {
		delete(s.streams, path)
	}
	s.mu.Unlock()
	s.waiters.notify(path, waitEvent{deleted: true})
	return nil
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.RLock()
			var expired []string
			for path, st := range s.streams {
				st.mu.RLock()
				if st.info.IsExpired(now) {
					expired = append(expired, path)
				}
				st.mu.RUnlock()
			}
			s.mu.RUnlock()

			for _, path := range expired {
				s.lookup(path) // lazy-deletes
				s.logger.Debug("expired stream removed", zap.String("path", path))
			}
		}
	}
}

// --- per-stream operations ---

func (st *memStream) configMatches(contentType string, opts CreateOptions) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if st.info.ContentType != contentType {
		return false
	}
	if (st.info.TTLSeconds == nil) != (opts.TTLSeconds == nil) {
		return false
	}
	if st.info.TTLSeconds != nil && *st.info.TTLSeconds != *opts.TTLSeconds {
		return false
	}
	if (st.info.ExpiresAt == nil) != (opts.ExpiresAt == nil) {
		return false
	}
	if st.info.ExpiresAt != nil && !st.info.ExpiresAt.Equal(*opts.ExpiresAt) {
		return false
	}
	return st.info.Closed == opts.Closed
}

func (st *memStream) snapshot() StreamInfo {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshotLocked()
}

func (st *memStream) snapshotLocked() StreamInfo {
	info := st.info
	if info.ClosedBy != nil {
		cb := *info.ClosedBy
		info.ClosedBy = &cb
	}
	return info
}

// append performs the validate-append-commit sequence under the stream lock.
// All validation happens before any mutation: an error return means no state
// changed.
func (st *memStream) append(data []byte, opts AppendOptions) (AppendResult, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	pruneProducers(st.producers, now)

	// Producer validation runs before everything else so a duplicate retry
	// short-circuits to 204 instead of tripping over Stream-Seq or the
	// closed flag.
	var proposed ProducerState
	if p := opts.Producer; p != nil {
		verdict, prop, perr := validateProducer(st.producers[p.ID], *p)
		if perr != nil {
			return AppendResult{}, perr
		}
		if verdict == verdictDuplicate {
			// Replay the result cached when the seq was committed, so
			// retries observe the original offset even if other writers
			// advanced the tail since.
			return AppendResult{
				NextOffset:    prop.LastOffset,
				Duplicate:     true,
				Closed:        prop.LastClosed,
				ProducerEpoch: prop.Epoch,
				ProducerSeq:   prop.LastSeq,
			}, nil
		}
		proposed = prop
	}

	// The key cache is consulted before the closed check so a replay of the
	// append that closed the stream still returns the cached success.
	if opts.IdempotencyKey != "" {
		if entry, ok := st.idempo[opts.IdempotencyKey]; ok {
			if entry.bodyHash != sha256.Sum256(data) {
				return AppendResult{}, &Error{
					Code:   CodeIdempotencyMismatch,
					Detail: "idempotency key reused with a different body",
				}
			}
			res := entry.result
			res.Duplicate = true
			return res, nil
		}
	}

	if st.info.Closed {
		return AppendResult{}, &Error{
			Code:        CodeStreamClosed,
			Detail:      "stream is closed",
			FinalOffset: st.info.CurrentOffset,
			HasOffset:   true,
		}
	}

	if opts.Seq != nil && st.info.LastSeq != nil && *opts.Seq <= *st.info.LastSeq {
		return AppendResult{}, &Error{Code: CodeSequenceConflict, Detail: "Stream-Seq must be greater than the last accepted value"}
	}

	if opts.ContentType != "" && !ContentTypeMatches(st.info.ContentType, opts.ContentType) {
		return AppendResult{}, &Error{Code: CodeContentTypeMismatch, Detail: "request content type does not match stream"}
	}

	if len(data) == 0 {
		return AppendResult{}, &Error{Code: CodeEmptyBody, Detail: "empty body not allowed"}
	}

	if err := st.appendFramed(data, opts.ContentType, false); err != nil {
		return AppendResult{}, err
	}

	// Commit phase: everything below is infallible.
	if opts.Seq != nil {
		seq := *opts.Seq
		st.info.LastSeq = &seq
	}
	if opts.Close {
		st.info.Closed = true
		if opts.Producer != nil {
			ref := *opts.Producer
			st.info.ClosedBy = &ref
		}
	}

	res := AppendResult{
		NextOffset: st.info.CurrentOffset,
		Closed:     st.info.Closed,
	}
	if p := opts.Producer; p != nil {
		proposed.LastOffset = st.info.CurrentOffset
		proposed.LastClosed = st.info.Closed
		proposed.LastUpdated = now
		st.producers[p.ID] = &proposed
		res.ProducerEpoch = proposed.Epoch
		res.ProducerSeq = proposed.LastSeq
	}
	if opts.IdempotencyKey != "" {
		st.idempo[opts.IdempotencyKey] = idempoEntry{
			bodyHash: sha256.Sum256(data),
			result:   res,
		}
	}
	return res, nil
}

// appendFramed validates framing and stores the resulting messages. Called
// with st.mu held (or before the stream is published, during create).
func (st *memStream) appendFramed(data []byte, reqContentType string, allowEmptyBatch bool) error {
	now := time.Now()

	if reqContentType != "" && !ContentTypeMatches(st.info.ContentType, reqContentType) {
		return &Error{Code: CodeContentTypeMismatch, Detail: "request content type does not match stream"}
	}

	if IsJSONContentType(st.info.ContentType) {
		parts, err := SplitJSONBatch(data, allowEmptyBatch)
		if err != nil {
			return err
		}
		off := st.info.CurrentOffset
		for _, part := range parts {
			off = off.Advance(len(part))
			st.messages = append(st.messages, Message{Data: part, Offset: off, Timestamp: now})
		}
		st.info.CurrentOffset = off
		return nil
	}

	off := st.info.CurrentOffset.Advance(len(data))
	st.messages = append(st.messages, Message{Data: data, Offset: off, Timestamp: now})
	st.info.CurrentOffset = off
	return nil
}

func (st *memStream) close(by *ProducerRef) (CloseResult, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.info.Closed {
		if by == nil {
			return CloseResult{FinalOffset: st.info.CurrentOffset, AlreadyClosed: true}, nil
		}
		cb := st.info.ClosedBy
		if cb != nil && cb.ID == by.ID && cb.Epoch == by.Epoch && cb.Seq == by.Seq {
			// Replay of the closing request.
			return CloseResult{FinalOffset: st.info.CurrentOffset, AlreadyClosed: true}, nil
		}
		return CloseResult{}, &Error{
			Code:        CodeStreamClosed,
			Detail:      "stream already closed by another producer",
			FinalOffset: st.info.CurrentOffset,
			HasOffset:   true,
		}
	}

	if by != nil {
		verdict, proposed, perr := validateProducer(st.producers[by.ID], *by)
		if perr != nil {
			return CloseResult{}, perr
		}
		if verdict == verdictDuplicate {
			// Seq already consumed by a data append; the close itself is new.
			proposed = ProducerState{Epoch: by.Epoch, LastSeq: st.producers[by.ID].LastSeq}
		}
		proposed.LastOffset = st.info.CurrentOffset
		proposed.LastClosed = true
		proposed.LastUpdated = time.Now()
		st.producers[by.ID] = &proposed
		ref := *by
		st.info.ClosedBy = &ref
	}

	st.info.Closed = true
	return CloseResult{FinalOffset: st.info.CurrentOffset}, nil
}

// --- long-poll waiter hub ---

type waitEvent struct {
	closed  bool
	deleted bool
}

type waiter struct {
	ch chan waitEvent // buffered; a waiter is resolved at most once
}

type waiterHub struct {
	mu      sync.Mutex
	waiters map[string]map[*waiter]struct{}
}

func newWaiterHub() *waiterHub {
	return &waiterHub{waiters: make(map[string]map[*waiter]struct{})}
}

func (h *waiterHub) register(path string) *waiter {
	w := &waiter{ch: make(chan waitEvent, 1)}
	h.mu.Lock()
	set, ok := h.waiters[path]
	if !ok {
		set = make(map[*waiter]struct{})
		h.waiters[path] = set
	}
	set[w] = struct{}{}
	h.mu.Unlock()
	return w
}

func (h *waiterHub) unregister(path string, w *waiter) {
	h.mu.Lock()
	if set, ok := h.waiters[path]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(h.waiters, path)
		}
	}
	h.mu.Unlock()
}

// notify resolves every waiter parked on path. Each waiter is removed before
// its event is delivered, so it cannot be resolved twice.
func (h *waiterHub) notify(path string, ev waitEvent) {
	h.mu.Lock()
	set := h.waiters[path]
	delete(h.waiters, path)
	h.mu.Unlock()

	for w := range set {
		w.ch <- ev
	}
}

func (h *waiterHub) notifyAll(ev waitEvent) {
	h.mu.Lock()
	all := h.waiters
	h.waiters = make(map[string]map[*waiter]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for w := range set {
			w.ch <- ev
		}
	}
}
