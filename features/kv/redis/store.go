// Package redis provides a kv.Store backed by Redis. Expiry uses EXPIREAT so
// the wire-level lifetime matches the caller's absolute expiry, and Scan pages
// through the keyspace with SCAN so iteration never blocks other clients.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kubegram/kubegram/runtime/kv"
)

const defaultPageSize = 100

type (
	// Options configures the Redis store.
	Options struct {
		// Client is the Redis client to use. Required. The store does not own
		// the client; callers close it.
		Client *redis.Client

		// PageSize bounds the number of keys fetched per SCAN page. Defaults
		// to 100.
		PageSize int64
	}

	// Store implements kv.Store on Redis.
	Store struct {
		rdb      *redis.Client
		pageSize int64
	}

	iterator struct {
		store   *Store
		pattern string
		cursor  uint64
		keys    []string
		pos     int
		cur     kv.Entry
		err     error
		done    bool
	}
)

// New constructs a Redis-backed store from the provided options.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Store{rdb: opts.Client, pageSize: pageSize}, nil
}

// Get returns the value stored at key. Redis drops expired entries itself, so
// absent and expired are indistinguishable here.
func (s *Store) Get(ctx context.Context, key []string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, kv.JoinKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Set stores value at key. A non-nil expiry is applied with EXPIREAT in the
// same transaction as the write.
func (s *Store) Set(ctx context.Context, key []string, value []byte, expiry *time.Time) error {
	joined := kv.JoinKey(key)
	if expiry == nil {
		if err := s.rdb.Set(ctx, joined, value, 0).Err(); err != nil {
			return fmt.Errorf("redis set: %w", err)
		}
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, joined, value, 0)
		p.ExpireAt(ctx, joined, *expiry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set with expiry: %w", err)
	}
	return nil
}

// Remove deletes the entry at key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key []string) error {
	if err := s.rdb.Del(ctx, kv.JoinKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Scan iterates keys under prefix using paged SCAN. Keys that disappear
// between the page fetch and the value read are skipped.
func (s *Store) Scan(_ context.Context, prefix []string) kv.Iterator {
	joined := kv.JoinKey(prefix)
	if joined != "" {
		joined += kv.Separator
	}
	return &iterator{store: s, pattern: globEscape(joined) + "*"}
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *Store) Close() error { return nil }

func (it *iterator) Next(ctx context.Context) bool {
	for {
		if it.err != nil {
			return false
		}
		for it.pos < len(it.keys) {
			k := it.keys[it.pos]
			it.pos++
			val, err := it.store.rdb.Get(ctx, k).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				it.err = fmt.Errorf("redis scan get: %w", err)
				return false
			}
			it.cur = kv.Entry{Key: kv.SplitKey(k), Value: val}
			return true
		}
		if it.done {
			return false
		}
		keys, cursor, err := it.store.rdb.Scan(ctx, it.cursor, it.pattern, it.store.pageSize).Result()
		if err != nil {
			it.err = fmt.Errorf("redis scan: %w", err)
			return false
		}
		it.keys = keys
		it.pos = 0
		it.cursor = cursor
		if cursor == 0 {
			it.done = true
		}
	}
}

func (it *iterator) Entry() kv.Entry { return it.cur }

func (it *iterator) Err() error { return it.err }

func (it *iterator) Close() error { return nil }

// globEscape escapes SCAN MATCH metacharacters so the prefix matches
// literally.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
