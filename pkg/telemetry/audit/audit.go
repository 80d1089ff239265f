// Package audit keeps a tamper-evident trail of plugin security events.
// Each record is HMAC-SHA256 chained to its predecessor, so deletion or
// edit of any record breaks verification of everything after it.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-shell/nxsh/pkg/plugin"
)

// Record is one audited plugin event plus its chain linkage.
type Record struct {
	ID    string       `json:"id"`
	Event plugin.Event `json:"event"`

	// PreviousHash is the hash of the preceding record in the chain.
	PreviousHash string `json:"previous_hash,omitempty"`
	// Hash covers the record content including PreviousHash.
	Hash string `json:"hash,omitempty"`
}

// Store persists audit records.
type Store interface {
	Write(ctx context.Context, rec *Record) error
}

// Recorder subscribes to the plugin event bus and appends every event
// to a tamper-evident store. It satisfies plugin.EventHandler.
type Recorder struct {
	store *TamperEvidentStore
}

// NewRecorder builds a Recorder chaining records with key into store.
func NewRecorder(store Store, key []byte) *Recorder {
	return &Recorder{
		store: NewTamperEvidentStore(store, NewChain(key)),
	}
}

// HandleEvent appends the event to the audit chain.
func (r *Recorder) HandleEvent(ctx context.Context, ev plugin.Event) error {
	rec := &Record{
		ID:    uuid.New().String(),
		Event: ev,
	}
	if rec.Event.Time.IsZero() {
		rec.Event.Time = time.Now()
	}
	return r.store.Write(ctx, rec)
}
