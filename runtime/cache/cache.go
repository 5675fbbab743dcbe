// Package cache implements the write-through state store: a bounded
// time-aware LRU (L1) in front of a kv.Store (L2). Session lookups, OpenAuth
// storage, and the job service all share this one code path.
//
// Records carry their own absolute expiry in addition to the wire-level TTL,
// so a stale L2 read is detected even when the backing store cannot expire
// entries itself. Reads that find an expired record evict it from both tiers
// best-effort.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kubegram/kubegram/runtime/kv"
	"github.com/kubegram/kubegram/runtime/telemetry"
)

const (
	defaultL1Max = 1000
	defaultL1TTL = 5 * time.Minute
)

type (
	// Options configures a Cache.
	Options struct {
		// Store is the L2 key/value store. Required.
		Store kv.Store

		// KeyPrefix namespaces every entry: a logical key K is stored at
		// "<KeyPrefix>:<joined K>". Required.
		KeyPrefix string

		// L1Max bounds the number of L1 entries. Defaults to 1000.
		L1Max int

		// L1TTL bounds the lifetime of an L1 entry independent of the record
		// expiry. Defaults to 5 minutes.
		L1TTL time.Duration

		// Logger records best-effort failures. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Cache is the write-through store. Safe for concurrent use.
	Cache struct {
		store  kv.Store
		prefix string
		l1     *expirable.LRU[string, record]
		logger telemetry.Logger
	}

	// record is the stored form shared by both tiers.
	record struct {
		Value  json.RawMessage `json:"value"`
		Expiry *time.Time      `json:"expiry,omitempty"`
	}

	scanIterator struct {
		inner kv.Iterator
		cur   kv.Entry
		err   error
	}
)

// New constructs a write-through cache from the provided options.
func New(opts Options) (*Cache, error) {
	if opts.Store == nil {
		return nil, errors.New("kv store is required")
	}
	if opts.KeyPrefix == "" {
		return nil, errors.New("key prefix is required")
	}
	max := opts.L1Max
	if max <= 0 {
		max = defaultL1Max
	}
	ttl := opts.L1TTL
	if ttl <= 0 {
		ttl = defaultL1TTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Cache{
		store:  opts.Store,
		prefix: opts.KeyPrefix,
		l1:     expirable.NewLRU[string, record](max, nil, ttl),
		logger: logger,
	}, nil
}

// Get returns the value at key. An expired record is evicted from L1 and,
// best-effort, from L2, and reported as absent.
func (c *Cache) Get(ctx context.Context, key []string) (json.RawMessage, bool, error) {
	l1Key := kv.JoinKey(key)
	now := time.Now()

	if rec, ok := c.l1.Get(l1Key); ok {
		if !kv.Expired(rec.Expiry, now) {
			return rec.Value, true, nil
		}
		c.l1.Remove(l1Key)
		c.removeL2(ctx, key)
		return nil, false, nil
	}

	raw, ok, err := c.store.Get(ctx, c.storeKey(key))
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("cache decode %q: %w", l1Key, err)
	}
	if kv.Expired(rec.Expiry, now) {
		c.removeL2(ctx, key)
		return nil, false, nil
	}
	c.l1.Add(l1Key, rec)
	return rec.Value, true, nil
}

// Set writes value to both tiers with the same expiry. L2 is written first so
// a successful Set is durable before it becomes visible in L1.
func (c *Cache) Set(ctx context.Context, key []string, value json.RawMessage, expiry *time.Time) error {
	rec := record{Value: value, Expiry: expiry}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.store.Set(ctx, c.storeKey(key), raw, expiry); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	c.l1.Add(kv.JoinKey(key), rec)
	return nil
}

// SetTTL writes value with an expiry of now+ttl.
func (c *Cache) SetTTL(ctx context.Context, key []string, value json.RawMessage, ttl time.Duration) error {
	expiry := time.Now().Add(ttl)
	return c.Set(ctx, key, value, &expiry)
}

// Remove evicts key from both tiers.
func (c *Cache) Remove(ctx context.Context, key []string) error {
	c.l1.Remove(kv.JoinKey(key))
	if err := c.store.Remove(ctx, c.storeKey(key)); err != nil {
		return fmt.Errorf("cache remove: %w", err)
	}
	return nil
}

// Scan iterates L2 under the cache prefix plus the given key prefix, yielding
// logical keys (cache prefix stripped) and decoded record values for
// non-expired entries.
func (c *Cache) Scan(ctx context.Context, prefix []string) kv.Iterator {
	return &scanIterator{inner: c.store.Scan(ctx, c.storeKey(prefix))}
}

func (c *Cache) storeKey(key []string) []string {
	return append([]string{c.prefix}, key...)
}

// removeL2 deletes the L2 entry, logging and swallowing failures. Cleanup of
// an expired record must not fail the read that discovered it.
func (c *Cache) removeL2(ctx context.Context, key []string) {
	if err := c.store.Remove(ctx, c.storeKey(key)); err != nil {
		c.logger.Warn(ctx, "cache cleanup failed", "key", kv.JoinKey(key), "err", err.Error())
	}
}

func (it *scanIterator) Next(ctx context.Context) bool {
	for it.inner.Next(ctx) {
		e := it.inner.Entry()
		var rec record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			it.err = fmt.Errorf("cache scan decode: %w", err)
			return false
		}
		if kv.Expired(rec.Expiry, time.Now()) {
			continue
		}
		key := e.Key
		if len(key) > 0 {
			key = key[1:] // strip cache prefix
		}
		it.cur = kv.Entry{Key: key, Value: rec.Value}
		return true
	}
	return false
}

func (it *scanIterator) Entry() kv.Entry { return it.cur }

func (it *scanIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.inner.Err()
}

func (it *scanIterator) Close() error { return it.inner.Close() }
