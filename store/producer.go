package store

import (
	"fmt"
	"sync"
	"time"
)

// producerRetention is how long an inactive producer's state is kept before
// it is garbage-collected on next access.
const producerRetention = 7 * 24 * time.Hour

// ProducerState tracks the (epoch, seq) tuple for one idempotent producer on
// one stream, along with the result committed for the last accepted seq so
// replays return it unchanged.
type ProducerState struct {
	Epoch       int64
	LastSeq     int64
	LastOffset  Offset // tail offset recorded when LastSeq committed
	LastClosed  bool   // closed flag recorded when LastSeq committed
	LastUpdated time.Time
}

// producerVerdict classifies a producer validation outcome that is not an
// error: accept the append, or treat it as a replay.
type producerVerdict int

const (
	verdictAccepted producerVerdict = iota
	verdictDuplicate
)

// validateProducer applies the idempotency rules for an incoming (epoch, seq)
// against the current state. It never mutates: on verdictAccepted the caller
// appends first and commits the proposed state only after success, so a
// failed append cannot advance producer state.
func validateProducer(state *ProducerState, ref ProducerRef) (producerVerdict, ProducerState, *Error) {
	proposed := ProducerState{Epoch: ref.Epoch, LastSeq: ref.Seq}

	if state == nil {
		// First contact: a new producer must start at seq 0.
		if ref.Seq != 0 {
			return 0, ProducerState{}, &Error{
				Code:        CodeSequenceConflict,
				Detail:      fmt.Sprintf("producer sequence gap: expected 0, received %d", ref.Seq),
				ExpectedSeq: 0,
				ReceivedSeq: ref.Seq,
			}
		}
		return verdictAccepted, proposed, nil
	}

	switch {
	case ref.Epoch < state.Epoch:
		return 0, ProducerState{}, &Error{
			Code:         CodeStaleEpoch,
			Detail:       fmt.Sprintf("producer epoch %d is stale, current epoch is %d", ref.Epoch, state.Epoch),
			CurrentEpoch: state.Epoch,
		}
	case ref.Epoch > state.Epoch:
		if ref.Seq != 0 {
			return 0, ProducerState{}, &Error{
				Code:   CodeInvalidEpochSeq,
				Detail: "new producer epoch must start at sequence 0",
			}
		}
		return verdictAccepted, proposed, nil
	case ref.Seq <= state.LastSeq:
		// Retry of an already-accepted append; not a failure. The copy
		// carries the committed result for the caller to replay.
		return verdictDuplicate, *state, nil
	case ref.Seq == state.LastSeq+1:
		return verdictAccepted, proposed, nil
	default:
		return 0, ProducerState{}, &Error{
			Code:        CodeSequenceConflict,
			Detail:      fmt.Sprintf("producer sequence gap: expected %d, received %d", state.LastSeq+1, ref.Seq),
			ExpectedSeq: state.LastSeq + 1,
			ReceivedSeq: ref.Seq,
		}
	}
}

// pruneProducers drops producer states idle past the retention window.
// Called with the owning stream's lock held.
func pruneProducers(producers map[string]*ProducerState, now time.Time) {
	for id, st := range producers {
		if now.Sub(st.LastUpdated) > producerRetention {
			delete(producers, id)
		}
	}
}

// keyedLocks serializes work per key; waiters queue on a channel so the wait
// is FIFO. Used to hold a (path, producerId) lock across the whole
// validate-append-commit sequence.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{} // capacity 1; holding the token = holding the lock
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

// Acquire blocks until the lock for key is held.
func (k *keyedLocks) Acquire(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.ch <- struct{}{}
}

// Release frees the lock for key, dropping the entry once unused.
func (k *keyedLocks) Release(key string) {
	k.mu.Lock()
	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	<-l.ch
}

// producerLockKey builds the per-(path, producer) lock key.
func producerLockKey(path, producerID string) string {
	return path + "\x00" + producerID
}
