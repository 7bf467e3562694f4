// Package history maintains the bounded log of completed analyses.
//
// The log keeps the most recent entries in memory, most-recent-first, and
// mirrors every change to a Store as a single serialized JSON array under a
// fixed key. The store is read once at startup; afterwards the in-memory copy
// is authoritative.
package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/phishguard/phishguard/internal/scan"
)

// Key is the storage key under which the serialized history lives.
const Key = "phish_history"

// Limit is the maximum number of retained entries.
const Limit = 50

// Store persists the full history as one JSON array under [Key].
type Store interface {
	// Load reads the persisted history, most-recent-first. A missing key
	// yields an empty slice, not an error.
	Load(ctx context.Context) ([]scan.Entry, error)

	// Save replaces the persisted history.
	Save(ctx context.Context, entries []scan.Entry) error
}

// Log is the bounded in-memory history backed by a Store.
// Safe for concurrent use.
type Log struct {
	store Store

	mu      sync.Mutex
	entries []scan.Entry
}

// NewLog creates a Log and loads the persisted history once.
func NewLog(ctx context.Context, store Store) (*Log, error) {
	entries, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: load: %w", err)
	}
	if len(entries) > Limit {
		entries = entries[:Limit]
	}
	return &Log{store: store, entries: entries}, nil
}

// Add prepends entry, trims the log to [Limit], and persists the result.
func (l *Log) Add(ctx context.Context, entry scan.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	updated := make([]scan.Entry, 0, len(l.entries)+1)
	updated = append(updated, entry)
	updated = append(updated, l.entries...)
	if len(updated) > Limit {
		updated = updated[:Limit]
	}

	if err := l.store.Save(ctx, updated); err != nil {
		return fmt.Errorf("history: save: %w", err)
	}
	l.entries = updated
	return nil
}

// Entries returns a copy of the log, most-recent-first.
func (l *Log) Entries() []scan.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]scan.Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
