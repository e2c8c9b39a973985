package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *MemoryStore, path, contentType string) {
	t.Helper()
	if _, _, err := s.Create(path, CreateOptions{ContentType: contentType}); err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
}

func mustAppend(t *testing.T, s *MemoryStore, path, body string, opts AppendOptions) AppendResult {
	t.Helper()
	res, err := s.Append(path, []byte(body), opts)
	if err != nil {
		t.Fatalf("append to %s: %v", path, err)
	}
	return res
}

func TestCreateIdempotent(t *testing.T) {
	s := newTestStore(t)

	info, created, err := s.Create("/a", CreateOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if !created {
		t.Error("expected created=true on first create")
	}
	if info.ContentType != "application/json" {
		t.Errorf("unexpected content type %q", info.ContentType)
	}

	_, created, err = s.Create("/a", CreateOptions{ContentType: "application/json; charset=utf-8"})
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if created {
		t.Error("expected created=false on matching repeat create")
	}
}

func TestCreateConflict(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "application/json")

	_, _, err := s.Create("/a", CreateOptions{ContentType: "text/plain"})
	if !IsCode(err, CodeStreamConflict) {
		t.Fatalf("expected STREAM_CONFLICT, got %v", err)
	}

	ttl := int64(60)
	_, _, err = s.Create("/a", CreateOptions{ContentType: "application/json", TTLSeconds: &ttl})
	if !IsCode(err, CodeStreamConflict) {
		t.Fatalf("expected STREAM_CONFLICT for differing TTL, got %v", err)
	}
}

func TestCreateWithInitialData(t *testing.T) {
	s := newTestStore(t)

	info, _, err := s.Create("/a", CreateOptions{
		ContentType: "application/json",
		InitialData: []byte(`[{"x":1},{"x":2}]`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.CurrentOffset.MsgIndex != 2 {
		t.Errorf("expected 2 messages stored, offset %+v", info.CurrentOffset)
	}

	res, err := s.Read("/a", ZeroOffset)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(res.Messages))
	}
}

func TestCreateWithEmptyJSONArray(t *testing.T) {
	s := newTestStore(t)

	info, _, err := s.Create("/a", CreateOptions{
		ContentType: "application/json",
		InitialData: []byte(`[]`),
	})
	if err != nil {
		t.Fatalf("create with empty array: %v", err)
	}
	if !info.CurrentOffset.IsZero() {
		t.Errorf("expected zero offset, got %+v", info.CurrentOffset)
	}
}

func TestAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "application/json")

	res1 := mustAppend(t, s, "/a", `{"n":1}`, AppendOptions{ContentType: "application/json"})
	res2 := mustAppend(t, s, "/a", `[{"n":2},{"n":3}]`, AppendOptions{ContentType: "application/json"})

	if !res1.NextOffset.LessThan(res2.NextOffset) {
		t.Error("offsets must advance monotonically")
	}

	rr, err := s.Read("/a", ZeroOffset)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rr.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(rr.Messages))
	}
	if !rr.UpToDate {
		t.Error("full read must be up to date")
	}
	if !rr.NextOffset.Equal(res2.NextOffset) {
		t.Errorf("next offset mismatch: read %v, append %v", rr.NextOffset, res2.NextOffset)
	}

	// Resume from the middle.
	rr2, err := s.Read("/a", res1.NextOffset)
	if err != nil {
		t.Fatalf("resumed read: %v", err)
	}
	if len(rr2.Messages) != 2 {
		t.Fatalf("expected 2 messages after resume, got %d", len(rr2.Messages))
	}
}

func TestAppendContentTypeMismatch(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "application/json")

	_, err := s.Append("/a", []byte("plain"), AppendOptions{ContentType: "text/plain"})
	if !IsCode(err, CodeContentTypeMismatch) {
		t.Fatalf("expected CONTENT_TYPE_MISMATCH, got %v", err)
	}
}

func TestAppendStreamSeq(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")

	seq := func(n int64) *int64 { return &n }

	mustAppend(t, s, "/a", "one", AppendOptions{Seq: seq(1)})
	mustAppend(t, s, "/a", "two", AppendOptions{Seq: seq(5)})

	_, err := s.Append("/a", []byte("stale"), AppendOptions{Seq: seq(5)})
	if !IsCode(err, CodeSequenceConflict) {
		t.Fatalf("expected SEQUENCE_CONFLICT for equal seq, got %v", err)
	}
	_, err = s.Append("/a", []byte("stale"), AppendOptions{Seq: seq(3)})
	if !IsCode(err, CodeSequenceConflict) {
		t.Fatalf("expected SEQUENCE_CONFLICT for lower seq, got %v", err)
	}

	// Unsequenced appends remain allowed alongside sequenced ones.
	mustAppend(t, s, "/a", "free", AppendOptions{})
}

func TestProducerFlow(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")

	p := func(epoch, seq int64) *ProducerRef {
		return &ProducerRef{ID: "p1", Epoch: epoch, Seq: seq}
	}

	res0 := mustAppend(t, s, "/a", "m0", AppendOptions{Producer: p(0, 0)})
	if res0.Duplicate {
		t.Error("first append must not be a duplicate")
	}
	if res0.ProducerEpoch != 0 || res0.ProducerSeq != 0 {
		t.Errorf("unexpected producer echoes %+v", res0)
	}

	res1 := mustAppend(t, s, "/a", "m1", AppendOptions{Producer: p(0, 1)})

	// Retry of seq 1 is deduplicated and replays the committed result.
	replay := mustAppend(t, s, "/a", "m1", AppendOptions{Producer: p(0, 1)})
	if !replay.Duplicate {
		t.Error("retry must be flagged duplicate")
	}
	if !replay.NextOffset.Equal(res1.NextOffset) {
		t.Errorf("replay offset %v, want %v", replay.NextOffset, res1.NextOffset)
	}

	// Replays do not append data.
	rr, _ := s.Read("/a", ZeroOffset)
	if len(rr.Messages) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(rr.Messages))
	}

	_, err := s.Append("/a", []byte("gap"), AppendOptions{Producer: p(0, 5)})
	if !IsCode(err, CodeSequenceConflict) {
		t.Fatalf("expected SEQUENCE_CONFLICT on gap, got %v", err)
	}

	// Epoch bump fences the old epoch out.
	mustAppend(t, s, "/a", "m2", AppendOptions{Producer: p(1, 0)})
	_, err = s.Append("/a", []byte("old"), AppendOptions{Producer: p(0, 2)})
	if !IsCode(err, CodeStaleEpoch) {
		t.Fatalf("expected STALE_EPOCH, got %v", err)
	}
}

func TestProducerStateNotAdvancedOnFailedAppend(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "application/json")

	p := &ProducerRef{ID: "p1", Epoch: 0, Seq: 0}
	mustAppend(t, s, "/a", `{"ok":true}`, AppendOptions{Producer: p, ContentType: "application/json"})

	// Invalid JSON fails after producer validation; seq 1 must stay unused.
	bad := &ProducerRef{ID: "p1", Epoch: 0, Seq: 1}
	_, err := s.Append("/a", []byte(`{"broken":`), AppendOptions{Producer: bad, ContentType: "application/json"})
	if !IsCode(err, CodeInvalidJSON) {
		t.Fatalf("expected INVALID_JSON, got %v", err)
	}

	res, err := s.Append("/a", []byte(`{"ok":2}`), AppendOptions{Producer: bad, ContentType: "application/json"})
	if err != nil {
		t.Fatalf("retry of seq 1 after failure: %v", err)
	}
	if res.Duplicate {
		t.Error("seq 1 was never accepted, retry must not be a duplicate")
	}
}

func TestProducerReplayReturnsCommittedOffset(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")

	p1 := &ProducerRef{ID: "p1", Epoch: 0, Seq: 0}
	first := mustAppend(t, s, "/a", "from-p1", AppendOptions{Producer: p1})

	// Another writer advances the tail before the retry lands.
	mustAppend(t, s, "/a", "from-p2", AppendOptions{Producer: &ProducerRef{ID: "p2", Epoch: 0, Seq: 0}})

	replay := mustAppend(t, s, "/a", "from-p1", AppendOptions{Producer: p1})
	if !replay.Duplicate {
		t.Fatal("retry must be flagged duplicate")
	}
	if !replay.NextOffset.Equal(first.NextOffset) {
		t.Errorf("retry offset %v, want the originally committed %v", replay.NextOffset, first.NextOffset)
	}
}

func TestIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")

	first := mustAppend(t, s, "/a", "payload", AppendOptions{IdempotencyKey: "k1"})
	replay := mustAppend(t, s, "/a", "payload", AppendOptions{IdempotencyKey: "k1"})

	if !replay.Duplicate {
		t.Error("replayed key must be flagged duplicate")
	}
	if !replay.NextOffset.Equal(first.NextOffset) {
		t.Errorf("replay offset %v, want %v", replay.NextOffset, first.NextOffset)
	}

	rr, _ := s.Read("/a", ZeroOffset)
	if len(rr.Messages) != 1 {
		t.Fatalf("expected single stored message, got %d", len(rr.Messages))
	}

	_, err := s.Append("/a", []byte("different"), AppendOptions{IdempotencyKey: "k1"})
	if !IsCode(err, CodeIdempotencyMismatch) {
		t.Fatalf("expected IDEMPOTENCY_MISMATCH, got %v", err)
	}
}

func TestIdempotencyKeyReplayAfterClose(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")

	first := mustAppend(t, s, "/a", "final", AppendOptions{IdempotencyKey: "k1", Close: true})
	if !first.Closed {
		t.Fatal("closing append must report Closed")
	}

	// The closing append's own retry must replay the cached success, not
	// trip over the now-closed stream.
	replay := mustAppend(t, s, "/a", "final", AppendOptions{IdempotencyKey: "k1", Close: true})
	if !replay.Duplicate {
		t.Error("replay must be flagged duplicate")
	}
	if !replay.Closed {
		t.Error("replay must report the closed state")
	}
	if !replay.NextOffset.Equal(first.NextOffset) {
		t.Errorf("replay offset %v, want %v", replay.NextOffset, first.NextOffset)
	}

	// A different body under the same key is still a mismatch.
	_, err := s.Append("/a", []byte("other"), AppendOptions{IdempotencyKey: "k1"})
	if !IsCode(err, CodeIdempotencyMismatch) {
		t.Fatalf("expected IDEMPOTENCY_MISMATCH, got %v", err)
	}
}

func TestCloseSemantics(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")
	res := mustAppend(t, s, "/a", "last", AppendOptions{})

	cres, err := s.CloseStream("/a", nil)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if cres.AlreadyClosed {
		t.Error("first close must not report AlreadyClosed")
	}
	if !cres.FinalOffset.Equal(res.NextOffset) {
		t.Errorf("final offset %v, want %v", cres.FinalOffset, res.NextOffset)
	}

	// Unconditional close is idempotent.
	cres2, err := s.CloseStream("/a", nil)
	if err != nil {
		t.Fatalf("repeat close: %v", err)
	}
	if !cres2.AlreadyClosed {
		t.Error("repeat close must report AlreadyClosed")
	}

	// Appends after close fail with the final offset attached.
	_, err = s.Append("/a", []byte("late"), AppendOptions{})
	var se *Error
	if !asError(err, &se) || se.Code != CodeStreamClosed {
		t.Fatalf("expected STREAM_CLOSED, got %v", err)
	}
	if !se.HasOffset || !se.FinalOffset.Equal(res.NextOffset) {
		t.Errorf("closed error must carry final offset, got %+v", se)
	}
}

func TestCloseWithAppend(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")

	res := mustAppend(t, s, "/a", "final", AppendOptions{Close: true})
	if !res.Closed {
		t.Error("append with close must report Closed")
	}

	info, err := s.Get("/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !info.Closed {
		t.Error("stream must be closed after closing append")
	}
}

func TestCloseByProducerReplay(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")

	by := &ProducerRef{ID: "p1", Epoch: 0, Seq: 0}
	if _, err := s.CloseStream("/a", by); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Same tuple replays as an idempotent success.
	cres, err := s.CloseStream("/a", by)
	if err != nil {
		t.Fatalf("replayed close: %v", err)
	}
	if !cres.AlreadyClosed {
		t.Error("replayed close must report AlreadyClosed")
	}

	// A different producer gets the closed error.
	other := &ProducerRef{ID: "p2", Epoch: 0, Seq: 0}
	_, err = s.CloseStream("/a", other)
	if !IsCode(err, CodeStreamClosed) {
		t.Fatalf("expected STREAM_CLOSED for other producer, got %v", err)
	}
}

func TestExpiry(t *testing.T) {
	s := newTestStore(t)

	past := time.Now().Add(-time.Minute)
	if _, _, err := s.Create("/gone", CreateOptions{ContentType: "text/plain", ExpiresAt: &past}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.Get("/gone"); !IsCode(err, CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for expired stream, got %v", err)
	}
	if s.Has("/gone") {
		t.Error("expired stream must not exist")
	}

	// The path can be recreated with a different config.
	if _, created, err := s.Create("/gone", CreateOptions{ContentType: "application/json"}); err != nil || !created {
		t.Fatalf("recreate after expiry: created=%v err=%v", created, err)
	}
}

func TestWaitForMessagesUnblocksOnAppend(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")

	done := make(chan WaitResult, 1)
	go func() {
		res, err := s.WaitForMessages(context.Background(), "/a", ZeroOffset, 5*time.Second)
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	mustAppend(t, s, "/a", "wake", AppendOptions{})

	select {
	case res := <-done:
		if res.TimedOut {
			t.Error("wait must not time out when data arrives")
		}
		if len(res.Messages) != 1 {
			t.Errorf("expected 1 message, got %d", len(res.Messages))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not unblock on append")
	}
}

func TestWaitForMessagesTimeout(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")

	res, err := s.WaitForMessages(context.Background(), "/a", ZeroOffset, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected timed-out wait")
	}
}

func TestWaitForMessagesZeroTimeout(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")

	res, err := s.WaitForMessages(context.Background(), "/a", ZeroOffset, 0)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.TimedOut {
		t.Error("zero timeout must degrade to an immediate timed-out result")
	}
}

func TestWaitForMessagesClosedStream(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")
	if _, err := s.CloseStream("/a", nil); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, err := s.WaitForMessages(context.Background(), "/a", ZeroOffset, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.Closed {
		t.Error("wait at tail of closed stream must return immediately with Closed")
	}
	if res.TimedOut {
		t.Error("closed result must not be a timeout")
	}
}

func TestWaitForMessagesResolvedByDelete(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")

	done := make(chan WaitResult, 1)
	go func() {
		res, err := s.WaitForMessages(context.Background(), "/a", ZeroOffset, 5*time.Second)
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.Delete("/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	select {
	case res := <-done:
		if len(res.Messages) != 0 {
			t.Error("delete must resolve waiters with an empty result")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delete did not resolve parked waiter")
	}
}

func TestDeleteMissing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete("/missing"); !IsCode(err, CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestReadBehindOffsetReportsTail(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/a", "text/plain")
	res := mustAppend(t, s, "/a", "data", AppendOptions{})

	// An offset beyond the tail yields no messages and the tail offset.
	beyond := res.NextOffset.Advance(100)
	rr, err := s.Read("/a", beyond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rr.Messages) != 0 {
		t.Errorf("expected no messages, got %d", len(rr.Messages))
	}
}

func asError(err error, target **Error) bool {
	if err == nil {
		return false
	}
	se, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = se
	return true
}
