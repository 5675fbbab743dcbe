// Package memory provides a process-local kv.Store backed by a map. It is
// used in single-process deployments and in tests; semantics match the Redis
// store, including absolute expiry and prefix scans.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kubegram/kubegram/runtime/kv"
)

type (
	// Store is an in-memory kv.Store. The zero value is not usable; construct
	// with New.
	Store struct {
		mu      sync.RWMutex
		entries map[string]entry
		closed  bool
	}

	entry struct {
		value  []byte
		expiry *time.Time
	}

	iterator struct {
		entries []kv.Entry
		pos     int
		cur     kv.Entry
	}
)

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{entries: make(map[string]entry)}
}

// Get returns the value stored at key. Expired entries are removed lazily and
// reported as absent.
func (s *Store) Get(_ context.Context, key []string) ([]byte, bool, error) {
	joined := kv.JoinKey(key)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, false, kv.ErrClosed
	}
	e, ok := s.entries[joined]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if kv.Expired(e.expiry, time.Now()) {
		s.mu.Lock()
		delete(s.entries, joined)
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores value at key, replacing any previous entry.
func (s *Store) Set(_ context.Context, key []string, value []byte, expiry *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	s.entries[kv.JoinKey(key)] = entry{value: value, expiry: expiry}
	return nil
}

// Remove deletes the entry at key. Removing a missing key is not an error.
func (s *Store) Remove(_ context.Context, key []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	delete(s.entries, kv.JoinKey(key))
	return nil
}

// Scan iterates a snapshot of the entries under prefix. The snapshot is taken
// at call time so iteration never blocks writers.
func (s *Store) Scan(_ context.Context, prefix []string) kv.Iterator {
	joined := kv.JoinKey(prefix)
	if joined != "" {
		joined += kv.Separator
	}
	now := time.Now()

	s.mu.RLock()
	matched := make([]kv.Entry, 0, len(s.entries))
	for k, e := range s.entries {
		if !strings.HasPrefix(k, joined) {
			continue
		}
		if kv.Expired(e.expiry, now) {
			continue
		}
		matched = append(matched, kv.Entry{Key: kv.SplitKey(k), Value: e.value})
	}
	s.mu.RUnlock()

	return &iterator{entries: matched}
}

// Close marks the store closed. Subsequent operations return kv.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = map[string]entry{}
	return nil
}

func (it *iterator) Next(context.Context) bool {
	if it.pos >= len(it.entries) {
		return false
	}
	it.cur = it.entries[it.pos]
	it.pos++
	return true
}

func (it *iterator) Entry() kv.Entry { return it.cur }

func (it *iterator) Err() error { return nil }

func (it *iterator) Close() error { return nil }
