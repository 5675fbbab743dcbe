// Package kv defines the namespaced key/value store contract shared by the
// write-through cache, session storage, and workflow infrastructure. Keys are
// vectors of path components; implementations join them with a reserved
// separator in a reversible way so Scan can hand split keys back to callers.
//
// Implementations exist for Redis (features/kv/redis) and for a process-local
// map (features/kv/memory). Both honor absolute expiry: an entry whose expiry
// has passed behaves as absent.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("kv: store closed")

type (
	// Store is the key/value contract. All operations are safe for concurrent
	// use. Get reports presence explicitly so callers can distinguish a
	// missing entry from an empty value. Set with a nil expiry stores the
	// entry without a lifetime; with a non-nil expiry the entry expires at
	// that absolute instant. Remove of a missing key is not an error.
	Store interface {
		Get(ctx context.Context, key []string) ([]byte, bool, error)
		Set(ctx context.Context, key []string, value []byte, expiry *time.Time) error
		Remove(ctx context.Context, key []string) error

		// Scan iterates entries whose key starts with the given prefix
		// components. Iteration is paged and does not block concurrent
		// operations; entries that expire mid-scan are skipped. Callers must
		// Close the iterator.
		Scan(ctx context.Context, prefix []string) Iterator

		// Close releases the underlying resources. Operations after Close
		// return ErrClosed.
		Close() error
	}

	// Iterator walks scan results one entry at a time. Usage mirrors database
	// cursors: Next advances and reports whether an entry is available, Entry
	// returns it, Err reports any iteration failure once Next returns false.
	Iterator interface {
		Next(ctx context.Context) bool
		Entry() Entry
		Err() error
		Close() error
	}

	// Entry is a single scanned key/value pair. Key holds the split
	// components, without any implementation prefix.
	Entry struct {
		Key   []string
		Value []byte
	}
)

// Separator joins key components in stored form. Components containing the
// separator or the escape character are escaped so JoinKey is reversible.
const Separator = ":"

const escape = '\\'

// JoinKey renders key components into their single-string stored form.
// SplitKey inverts it exactly: SplitKey(JoinKey(k)) == k for every k.
func JoinKey(key []string) string {
	var b strings.Builder
	for i, part := range key {
		if i > 0 {
			b.WriteString(Separator)
		}
		for _, r := range part {
			if r == rune(escape) || string(r) == Separator {
				b.WriteRune(rune(escape))
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SplitKey splits a stored key back into its components.
func SplitKey(joined string) []string {
	var (
		parts []string
		cur   strings.Builder
	)
	escaped := false
	for _, r := range joined {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == rune(escape):
			escaped = true
		case string(r) == Separator:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

// Expired reports whether an absolute expiry has passed at the given instant.
// A nil expiry never expires.
func Expired(expiry *time.Time, now time.Time) bool {
	return expiry != nil && !expiry.After(now)
}
