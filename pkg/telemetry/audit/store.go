package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogStore writes audit records as JSON lines. Safe for concurrent use.
type LogStore struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogStore creates a LogStore writing to w.
func NewLogStore(w io.Writer) *LogStore {
	return &LogStore{writer: w}
}

// NewFileStore creates a LogStore appending to the file at path.
func NewFileStore(path string) (*LogStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return NewLogStore(f), nil
}

// Write writes the record to the underlying writer as a JSON line.
func (s *LogStore) Write(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.writer.Write(append(data, '\n'))
	return err
}

// ReadLog loads a JSONL trail written by a LogStore, in file order.
func ReadLog(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	dec := json.NewDecoder(f)
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return nil, fmt.Errorf("failed to decode audit record %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
}

// MemoryStore keeps records in memory; used in tests and by callers
// that snapshot the trail for verification.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Write appends the record.
func (s *MemoryStore) Write(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

// Records returns a copy of the stored records in append order.
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// TamperEvidentStore wraps a Store and chains each record to the last.
type TamperEvidentStore struct {
	store    Store
	chain    *Chain
	lastHash string
	mu       sync.Mutex
}

// NewTamperEvidentStore creates a TamperEvidentStore.
func NewTamperEvidentStore(store Store, chain *Chain) *TamperEvidentStore {
	return &TamperEvidentStore{store: store, chain: chain}
}

// Write links the record to the previous one and persists it.
func (s *TamperEvidentStore) Write(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.PreviousHash = s.lastHash
	hash, err := s.chain.ComputeHash(rec)
	if err != nil {
		return err
	}
	rec.Hash = hash

	if err := s.store.Write(ctx, rec); err != nil {
		return err
	}
	s.lastHash = hash
	return nil
}
