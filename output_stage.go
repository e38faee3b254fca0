package main

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"
)

const (
	defaultBatchSize = 256
	recordKeyLen     = 8 + 16 + 8 + 4
)

// annotationRecord is one stored top-of-stack annotation.
type annotationRecord struct {
	Session uint64
	Curve   uuid.UUID
	Seq     uint32
	Annotation
}

// annotationStore persists decoded annotations, keyed so a session's
// annotations for one curve iterate in sample order. Writes are buffered
// and committed in batches.
type annotationStore struct {
	mu        sync.Mutex
	db        *badger.DB
	batchSize int
	buffer    []annotationRecord
	seq       uint32
}

// openAnnotationStore opens the database at path; an empty path keeps
// everything in memory.
func openAnnotationStore(path string, batchSize int) (*annotationStore, error) {
	opts := badger.DefaultOptions(path).
		WithCompression(options.ZSTD).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	db, err := badger.Open(opts)
	if err != nil {
		slog.Error("annotation store failed to open database", slog.Any("error", err))
		return nil, fmt.Errorf("database error: %w", err)
	}

	slog.Info("annotation store opened",
		slog.String("path", path),
		slog.Int("batchSize", batchSize))

	return &annotationStore{
		db:        db,
		batchSize: batchSize,
		buffer:    make([]annotationRecord, 0, batchSize),
	}, nil
}

// write queues anns for the session and curve, committing once a full
// batch is buffered.
func (s *annotationStore) write(session uint64, curve uuid.UUID, anns []Annotation) error {
	if len(anns) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range anns {
		s.seq++
		s.buffer = append(s.buffer, annotationRecord{Session: session, Curve: curve, Seq: s.seq, Annotation: a})
	}
	if len(s.buffer) >= s.batchSize {
		return s.flushLocked()
	}
	return nil
}

func (s *annotationStore) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *annotationStore) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}
	err := s.writeBatch(s.buffer)
	s.buffer = s.buffer[:0]
	return err
}

func (s *annotationStore) writeBatch(recs []annotationRecord) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range recs {
		v, err := encodeRecord(&recs[i])
		if err != nil {
			return fmt.Errorf("record encode error: %w", err)
		}
		if err := wb.Set(recordKey(&recs[i]), v); err != nil {
			slog.Error("annotation store failed to set key in batch",
				slog.Any("error", err),
				slog.Uint64("session", recs[i].Session),
				slog.String("curve", recs[i].Curve.String()))
			return fmt.Errorf("write batch error: %w", err)
		}
	}

	if err := wb.Flush(); err != nil {
		slog.Error("annotation store failed to flush batch", slog.Any("error", err))
		return fmt.Errorf("batch flush error: %w", err)
	}
	return nil
}

// query returns the stored annotations of one curve in one session that
// overlap [from, to) in samples, in sample order.
func (s *annotationStore) query(session uint64, curve uuid.UUID, from, to uint64) ([]Annotation, error) {
	if err := s.flush(); err != nil {
		return nil, err
	}

	prefix := recordPrefix(session, curve)
	var out []Annotation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					return fmt.Errorf("record decode error: %w", err)
				}
				if rec.EndSample > from && rec.StartSample < to {
					out = append(out, rec.Annotation)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	slog.Debug("annotation query",
		slog.Uint64("session", session),
		slog.String("curve", curve.String()),
		slog.Int("count", len(out)))
	return out, err
}

// lastSession returns the highest session id with stored annotations, 0
// for an empty store.
func (s *annotationStore) lastSession() (uint64, error) {
	var last uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if it.Valid() {
			if key := it.Item().Key(); len(key) == recordKeyLen {
				last = binary.BigEndian.Uint64(key[:8])
			}
		}
		return nil
	})
	return last, err
}

// Close flushes what is buffered, then closes the database even if the
// flush failed.
func (s *annotationStore) Close() error {
	flushErr := s.flush()
	closeErr := s.db.Close()

	if flushErr != nil {
		slog.Error("annotation store failed to flush on close", slog.Any("error", flushErr))
		return fmt.Errorf("flush failed, close may have failed: %w", flushErr)
	}
	if closeErr != nil {
		slog.Error("annotation store failed to close database", slog.Any("error", closeErr))
		return fmt.Errorf("close failed: %w", closeErr)
	}
	slog.Info("annotation store closed")
	return nil
}

func recordPrefix(session uint64, curve uuid.UUID) []byte {
	p := make([]byte, 8+16)
	binary.BigEndian.PutUint64(p[0:8], session)
	copy(p[8:24], curve[:])
	return p
}

// recordKey is session | curve | start sample | sequence, big endian so
// keys sort by session, then curve, then sample.
func recordKey(r *annotationRecord) []byte {
	key := make([]byte, recordKeyLen)
	copy(key, recordPrefix(r.Session, r.Curve))
	binary.BigEndian.PutUint64(key[24:32], r.StartSample)
	binary.BigEndian.PutUint32(key[32:36], r.Seq)
	return key
}

func encodeRecord(r *annotationRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*annotationRecord, error) {
	var r annotationRecord
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r)
	return &r, err
}
