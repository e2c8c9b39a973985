package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketStreams       = []byte("streams")
	bucketSubscriptions = []byte("subscriptions")
	bucketConsumers     = []byte("consumers")
)

// BoltStore is a write-through durability layer over MemoryStore. Every
// committed mutation is persisted to bbolt; on open the full state is loaded
// back, so protocol semantics stay in one place (the memory engine).
//
// It also exposes a generic record store for the webhook layer so that
// subscriptions and consumer instances (including claimed wake-ids) survive a
// restart.
type BoltStore struct {
	mem    *MemoryStore
	db     *bbolt.DB
	logger *zap.Logger
}

// boltStream is the serialized form of one stream.
type boltStream struct {
	Path          string                    `json:"path"`
	ContentType   string                    `json:"content_type"`
	CurrentOffset string                    `json:"current_offset"`
	LastSeq       *int64                    `json:"last_seq,omitempty"`
	TTLSeconds    *int64                    `json:"ttl_seconds,omitempty"`
	ExpiresAt     *int64                    `json:"expires_at_ms,omitempty"`
	CreatedAt     int64                     `json:"created_at_ms"`
	Closed        bool                      `json:"closed"`
	ClosedBy      *ProducerRef              `json:"closed_by,omitempty"`
	Producers     map[string]*ProducerState `json:"producers,omitempty"`
	Messages      []boltMessage             `json:"messages"`
}

type boltMessage struct {
	Data      []byte `json:"data"`
	Offset    string `json:"offset"`
	Timestamp int64  `json:"ts_ms"`
}

// NewBoltStore opens (or creates) the database under dataDir and loads all
// persisted streams into a fresh memory engine.
func NewBoltStore(dataDir string, logger *zap.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dataDir, "streams.db"), 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketStreams, bucketSubscriptions, bucketConsumers} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing buckets: %w", err)
	}

	s := &BoltStore{
		mem:    NewMemoryStore(logger),
		db:     db,
		logger: logger,
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) load() error {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStreams).ForEach(func(_, v []byte) error {
			var rec boltStream
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding stream record: %w", err)
			}
			if err := s.restore(rec); err != nil {
				return err
			}
			count++
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.logger.Info("loaded persisted streams", zap.Int("count", count))
	return nil
}

// restore rebuilds one in-memory stream from its persisted record.
func (s *BoltStore) restore(rec boltStream) error {
	cur, err := ParseOffset(rec.CurrentOffset)
	if err != nil {
		return fmt.Errorf("stream %s: %w", rec.Path, err)
	}

	st := &memStream{
		info: StreamInfo{
			Path:          rec.Path,
			ContentType:   rec.ContentType,
			CurrentOffset: cur,
			LastSeq:       rec.LastSeq,
			TTLSeconds:    rec.TTLSeconds,
			CreatedAt:     time.UnixMilli(rec.CreatedAt),
			Closed:        rec.Closed,
			ClosedBy:      rec.ClosedBy,
		},
		producers: rec.Producers,
		idempo:    make(map[string]idempoEntry),
	}
	if st.producers == nil {
		st.producers = make(map[string]*ProducerState)
	}
	if rec.ExpiresAt != nil {
		t := time.UnixMilli(*rec.ExpiresAt)
		st.info.ExpiresAt = &t
	}
	for _, m := range rec.Messages {
		off, err := ParseOffset(m.Offset)
		if err != nil {
			return fmt.Errorf("stream %s: %w", rec.Path, err)
		}
		st.messages = append(st.messages, Message{Data: m.Data, Offset: off, Timestamp: time.UnixMilli(m.Timestamp)})
	}

	s.mem.mu.Lock()
	s.mem.streams[rec.Path] = st
	s.mem.mu.Unlock()
	return nil
}

func (s *BoltStore) persist(path string) {
	s.mem.mu.RLock()
	st, ok := s.mem.streams[path]
	s.mem.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.RLock()
	rec := boltStream{
		Path:          st.info.Path,
		ContentType:   st.info.ContentType,
		CurrentOffset: st.info.CurrentOffset.String(),
		LastSeq:       st.info.LastSeq,
		TTLSeconds:    st.info.TTLSeconds,
		CreatedAt:     st.info.CreatedAt.UnixMilli(),
		Closed:        st.info.Closed,
		ClosedBy:      st.info.ClosedBy,
		Producers:     st.producers,
	}
	if st.info.ExpiresAt != nil {
		ms := st.info.ExpiresAt.UnixMilli()
		rec.ExpiresAt = &ms
	}
	rec.Messages = make([]boltMessage, len(st.messages))
	for i, m := range st.messages {
		rec.Messages[i] = boltMessage{Data: m.Data, Offset: m.Offset.String(), Timestamp: m.Timestamp.UnixMilli()}
	}
	st.mu.RUnlock()

	val, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("encoding stream record", zap.String("path", path), zap.Error(err))
		return
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStreams).Put([]byte(path), val)
	})
	if err != nil {
		s.logger.Error("persisting stream", zap.String("path", path), zap.Error(err))
	}
}

func (s *BoltStore) remove(path string) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStreams).Delete([]byte(path))
	})
	if err != nil {
		s.logger.Error("removing persisted stream", zap.String("path", path), zap.Error(err))
	}
}

// --- Store interface ---

func (s *BoltStore) SetHooks(h Hooks) { s.mem.SetHooks(h) }

func (s *BoltStore) Create(path string, opts CreateOptions) (*StreamInfo, bool, error) {
	info, created, err := s.mem.Create(path, opts)
	if err == nil && created {
		s.persist(path)
	}
	return info, created, err
}

func (s *BoltStore) Get(path string) (*StreamInfo, error) { return s.mem.Get(path) }
func (s *BoltStore) Has(path string) bool                 { return s.mem.Has(path) }

func (s *BoltStore) Delete(path string) error {
	err := s.mem.Delete(path)
	if err == nil {
		s.remove(path)
	}
	return err
}

func (s *BoltStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	res, err := s.mem.Append(path, data, opts)
	if err == nil && !res.Duplicate {
		s.persist(path)
	}
	return res, err
}

func (s *BoltStore) CloseStream(path string, by *ProducerRef) (CloseResult, error) {
	res, err := s.mem.CloseStream(path, by)
	if err == nil {
		s.persist(path)
	}
	return res, err
}

func (s *BoltStore) Read(path string, from Offset) (ReadResult, error) {
	return s.mem.Read(path, from)
}

func (s *BoltStore) WaitForMessages(ctx context.Context, path string, from Offset, timeout time.Duration) (WaitResult, error) {
	return s.mem.WaitForMessages(ctx, path, from, timeout)
}

func (s *BoltStore) Tail(path string) (Offset, bool, error) { return s.mem.Tail(path) }

func (s *BoltStore) Close() error {
	s.mem.Close()
	return s.db.Close()
}

// --- webhook record persistence ---

// PutRecord stores one webhook-layer record under kind ("subscriptions" or
// "consumers").
func (s *BoltStore) PutRecord(kind, key string, val []byte) error {
	bucket, err := webhookBucket(kind)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), val)
	})
}

// DeleteRecord removes one webhook-layer record.
func (s *BoltStore) DeleteRecord(kind, key string) error {
	bucket, err := webhookBucket(kind)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// LoadRecords iterates all records of one kind.
func (s *BoltStore) LoadRecords(kind string, fn func(key string, val []byte) error) error {
	bucket, err := webhookBucket(kind)
	if err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

func webhookBucket(kind string) ([]byte, error) {
	switch kind {
	case "subscriptions":
		return bucketSubscriptions, nil
	case "consumers":
		return bucketConsumers, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}
