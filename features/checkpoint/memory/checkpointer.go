// Package memory provides an in-process checkpointer with the same record
// semantics as the Redis implementation: per-thread state, metadata, and
// status records with a TTL renewed on every write. Intended for tests and
// single-process runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kubegram/kubegram/runtime/workflow"
)

type (
	// Checkpointer implements workflow.Checkpointer[PS] for a state struct S
	// addressed through its pointer type PS.
	Checkpointer[S any, PS statePtr[S]] struct {
		mu      sync.RWMutex
		ttl     time.Duration
		threads map[string]*record
	}

	// statePtr constrains PS to be *S and a workflow.State.
	statePtr[S any] interface {
		*S
		workflow.State
	}

	// record holds the serialized checkpoint for one thread. State and header
	// are stored as JSON so loads return independent copies.
	record struct {
		state     json.RawMessage
		header    json.RawMessage
		updatedAt time.Time
		expiresAt time.Time
	}
)

// New constructs an in-memory checkpointer. A non-positive ttl defaults to
// workflow.DefaultCheckpointTTL.
func New[S any, PS statePtr[S]](ttl time.Duration) *Checkpointer[S, PS] {
	if ttl <= 0 {
		ttl = workflow.DefaultCheckpointTTL
	}
	return &Checkpointer[S, PS]{ttl: ttl, threads: make(map[string]*record)}
}

// Save stores the state and derived records for a thread, renewing its TTL.
func (c *Checkpointer[S, PS]) Save(ctx context.Context, thread string, state PS) error {
	stateRaw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	headerRaw, err := json.Marshal(state.WorkflowHeader())
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	now := time.Now()
	c.mu.Lock()
	c.threads[thread] = &record{
		state:     stateRaw,
		header:    headerRaw,
		updatedAt: now,
		expiresAt: now.Add(c.ttl),
	}
	c.mu.Unlock()
	return nil
}

// Load returns the persisted state for a thread. Threads that only have a
// status record, written by UpdateStatus before any Save, have no state.
func (c *Checkpointer[S, PS]) Load(ctx context.Context, thread string) (PS, bool, error) {
	rec, ok := c.live(thread)
	if !ok || len(rec.state) == 0 {
		return nil, false, nil
	}
	return decode[S, PS](rec.state)
}

// LoadWithMetadata returns the state together with its bookkeeping fields.
func (c *Checkpointer[S, PS]) LoadWithMetadata(ctx context.Context, thread string) (*workflow.Metadata[PS], bool, error) {
	rec, ok := c.live(thread)
	if !ok || len(rec.state) == 0 {
		return nil, false, nil
	}
	state, ok, err := decode[S, PS](rec.state)
	if err != nil || !ok {
		return nil, false, err
	}
	return &workflow.Metadata[PS]{Thread: thread, State: state, UpdatedAt: rec.updatedAt}, true, nil
}

// GetStatus returns the header without decoding the full state.
func (c *Checkpointer[S, PS]) GetStatus(ctx context.Context, thread string) (*workflow.Header, bool, error) {
	rec, ok := c.live(thread)
	if !ok {
		return nil, false, nil
	}
	var h workflow.Header
	if err := json.Unmarshal(rec.header, &h); err != nil {
		return nil, false, fmt.Errorf("decode status: %w", err)
	}
	return &h, true, nil
}

// UpdateStatus updates the status record, creating it when none exists.
// Terminal threads are never updated again; the first terminal write stamps
// EndTime and duration.
func (c *Checkpointer[S, PS]) UpdateStatus(ctx context.Context, thread string, status workflow.Status, step workflow.Step, errMsg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	rec, ok := c.threads[thread]
	if ok && now.After(rec.expiresAt) {
		delete(c.threads, thread)
		ok = false
	}

	var h workflow.Header
	if ok {
		if err := json.Unmarshal(rec.header, &h); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
	} else {
		h = workflow.Header{StartTime: now}
		rec = &record{updatedAt: now}
		c.threads[thread] = rec
	}
	if h.Status.Terminal() {
		return workflow.ErrAlreadyTerminal
	}

	h.Status = status
	if step != "" {
		h.CurrentStep = step
	}
	if errMsg != "" {
		h.Error = errMsg
	}
	if status.Terminal() && h.EndTime == nil {
		h.EndTime = &now
		ms := now.Sub(h.StartTime).Milliseconds()
		h.DurationMs = &ms
	}

	headerRaw, err := json.Marshal(&h)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	rec.header = headerRaw
	rec.updatedAt = now
	rec.expiresAt = now.Add(c.ttl)

	// Mirror the header into the stored state when one exists.
	if len(rec.state) > 0 {
		state, ok, err := decode[S, PS](rec.state)
		if err != nil || !ok {
			return err
		}
		*state.WorkflowHeader() = h
		stateRaw, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		rec.state = stateRaw
	}
	return nil
}

// ListThreads returns the live thread ids.
func (c *Checkpointer[S, PS]) ListThreads(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	threads := make([]string, 0, len(c.threads))
	for thread, rec := range c.threads {
		if now.After(rec.expiresAt) {
			continue
		}
		threads = append(threads, thread)
	}
	return threads, nil
}

// Delete removes all records for a thread.
func (c *Checkpointer[S, PS]) Delete(ctx context.Context, thread string) error {
	c.mu.Lock()
	delete(c.threads, thread)
	c.mu.Unlock()
	return nil
}

// Cleanup deletes threads whose last update is older than maxAge.
func (c *Checkpointer[S, PS]) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for thread, rec := range c.threads {
		if rec.updatedAt.Before(cutoff) {
			delete(c.threads, thread)
			removed++
		}
	}
	return removed, nil
}

// Stats summarizes the live threads by status.
func (c *Checkpointer[S, PS]) Stats(ctx context.Context) (workflow.Stats, error) {
	threads, err := c.ListThreads(ctx)
	if err != nil {
		return workflow.Stats{}, err
	}
	stats := workflow.Stats{ByStatus: make(map[workflow.Status]int)}
	for _, thread := range threads {
		h, ok, err := c.GetStatus(ctx, thread)
		if err != nil {
			return workflow.Stats{}, err
		}
		if !ok {
			continue
		}
		stats.Threads++
		stats.ByStatus[h.Status]++
	}
	return stats, nil
}

// live returns the record for a thread, dropping it lazily once expired.
func (c *Checkpointer[S, PS]) live(thread string) (*record, bool) {
	c.mu.RLock()
	rec, ok := c.threads[thread]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(rec.expiresAt) {
		c.mu.Lock()
		if cur, still := c.threads[thread]; still && cur == rec {
			delete(c.threads, thread)
		}
		c.mu.Unlock()
		return nil, false
	}
	return rec, true
}

func decode[S any, PS statePtr[S]](raw json.RawMessage) (PS, bool, error) {
	var s S
	ps := PS(&s)
	if err := json.Unmarshal(raw, ps); err != nil {
		return nil, false, fmt.Errorf("decode state: %w", err)
	}
	return ps, true, nil
}
