// Package redis persists workflow checkpoints in Redis using the canonical
// key layout: for a workflow prefix P, each thread owns P:state:<t>,
// P:metadata:<t>, and P:status:<t>, and P:threads is the set of live thread
// ids. Every write renews the 24 h TTL on all records.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kubegram/kubegram/runtime/workflow"
)

type (
	// Options configures the checkpointer.
	Options struct {
		// Client is the Redis client to use. Required. The checkpointer does
		// not own the client; callers close it.
		Client *redis.Client

		// Prefix namespaces all keys, typically the workflow name. Required.
		Prefix string

		// TTL is the record lifetime, renewed on every write. Defaults to
		// workflow.DefaultCheckpointTTL.
		TTL time.Duration
	}

	// Checkpointer implements workflow.Checkpointer[PS] for a state struct S
	// addressed through its pointer type PS.
	Checkpointer[S any, PS statePtr[S]] struct {
		rdb    *redis.Client
		prefix string
		ttl    time.Duration
	}

	// statePtr constrains PS to be *S and a workflow.State.
	statePtr[S any] interface {
		*S
		workflow.State
	}

	// metadataRecord is the stored form of P:metadata:<t>. State stays raw so
	// the record round-trips without knowing S.
	metadataRecord struct {
		Thread    string          `json:"thread"`
		State     json.RawMessage `json:"state"`
		UpdatedAt time.Time       `json:"updatedAt"`
	}
)

// New constructs a Redis-backed checkpointer from the provided options.
func New[S any, PS statePtr[S]](opts Options) (*Checkpointer[S, PS], error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Prefix == "" {
		return nil, errors.New("key prefix is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = workflow.DefaultCheckpointTTL
	}
	return &Checkpointer[S, PS]{rdb: opts.Client, prefix: opts.Prefix, ttl: ttl}, nil
}

// Save atomically writes the state, metadata, and status records and indexes
// the thread, all with the configured TTL.
func (c *Checkpointer[S, PS]) Save(ctx context.Context, thread string, state PS) error {
	stateRaw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	metaRaw, err := json.Marshal(metadataRecord{Thread: thread, State: stateRaw, UpdatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	statusRaw, err := json.Marshal(state.WorkflowHeader())
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.key("state", thread), stateRaw, c.ttl)
		p.Set(ctx, c.key("metadata", thread), metaRaw, c.ttl)
		p.Set(ctx, c.key("status", thread), statusRaw, c.ttl)
		p.SAdd(ctx, c.threadsKey(), thread)
		p.Expire(ctx, c.threadsKey(), c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns the persisted state for a thread.
func (c *Checkpointer[S, PS]) Load(ctx context.Context, thread string) (PS, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key("state", thread)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load state: %w", err)
	}
	return c.decode(raw)
}

// LoadWithMetadata returns the state together with its bookkeeping fields.
func (c *Checkpointer[S, PS]) LoadWithMetadata(ctx context.Context, thread string) (*workflow.Metadata[PS], bool, error) {
	raw, err := c.rdb.Get(ctx, c.key("metadata", thread)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load metadata: %w", err)
	}
	var rec metadataRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode metadata: %w", err)
	}
	state, ok, err := c.decode(rec.State)
	if err != nil || !ok {
		return nil, false, err
	}
	return &workflow.Metadata[PS]{Thread: rec.Thread, State: state, UpdatedAt: rec.UpdatedAt}, true, nil
}

// GetStatus returns the header without decoding the full state.
func (c *Checkpointer[S, PS]) GetStatus(ctx context.Context, thread string) (*workflow.Header, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key("status", thread)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load status: %w", err)
	}
	var h workflow.Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, false, fmt.Errorf("decode status: %w", err)
	}
	return &h, true, nil
}

// UpdateStatus updates the status and metadata records, creating a status
// record when none exists. Terminal threads are never updated again; the
// first terminal write stamps EndTime and duration.
func (c *Checkpointer[S, PS]) UpdateStatus(ctx context.Context, thread string, status workflow.Status, step workflow.Step, errMsg string) error {
	h, ok, err := c.GetStatus(ctx, thread)
	if err != nil {
		return err
	}
	if !ok {
		h = &workflow.Header{StartTime: time.Now()}
	}
	if h.Status.Terminal() {
		return workflow.ErrAlreadyTerminal
	}
	applyStatus(h, status, step, errMsg)

	statusRaw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key("status", thread), statusRaw, c.ttl).Err(); err != nil {
		return fmt.Errorf("write status: %w", err)
	}

	// Mirror the header into the metadata record when one exists.
	metaRaw, err := c.rdb.Get(ctx, c.key("metadata", thread)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}
	var rec metadataRecord
	if err := json.Unmarshal(metaRaw, &rec); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	state, ok, err := c.decode(rec.State)
	if err != nil || !ok {
		return err
	}
	*state.WorkflowHeader() = *h
	stateRaw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	rec.State = stateRaw
	rec.UpdatedAt = time.Now()
	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key("metadata", thread), updated, c.ttl).Err(); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// ListThreads returns the indexed thread ids.
func (c *Checkpointer[S, PS]) ListThreads(ctx context.Context) ([]string, error) {
	threads, err := c.rdb.SMembers(ctx, c.threadsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return threads, nil
}

// Delete removes all records for a thread.
func (c *Checkpointer[S, PS]) Delete(ctx context.Context, thread string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, c.key("state", thread), c.key("metadata", thread), c.key("status", thread))
		p.SRem(ctx, c.threadsKey(), thread)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Cleanup deletes threads whose last update is older than maxAge. Threads
// whose records expired already are dropped from the index without counting.
func (c *Checkpointer[S, PS]) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	threads, err := c.ListThreads(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, thread := range threads {
		meta, ok, err := c.LoadWithMetadata(ctx, thread)
		if err != nil {
			return removed, err
		}
		if !ok {
			if err := c.rdb.SRem(ctx, c.threadsKey(), thread).Err(); err != nil {
				return removed, fmt.Errorf("deindex thread: %w", err)
			}
			continue
		}
		if meta.UpdatedAt.Before(cutoff) {
			if err := c.Delete(ctx, thread); err != nil {
				return removed, err
			}
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

func (c *Checkpointer[S, PS]) decode(raw []byte) (PS, bool, error) {
	var s S
	ps := PS(&s)
	if err := json.Unmarshal(raw, ps); err != nil {
		return nil, false, fmt.Errorf("decode state: %w", err)
	}
	return ps, true, nil
}

func (c *Checkpointer[S, PS]) key(kind, thread string) string {
	return c.prefix + ":" + kind + ":" + thread
}

func (c *Checkpointer[S, PS]) threadsKey() string {
	return c.prefix + ":threads"
}

// applyStatus mutates a header for an UpdateStatus call, stamping EndTime and
// duration on the first terminal write.
func applyStatus(h *workflow.Header, status workflow.Status, step workflow.Step, errMsg string) {
	h.Status = status
	if step != "" {
		h.CurrentStep = step
	}
	if errMsg != "" {
		h.Error = errMsg
	}
	if status.Terminal() && h.EndTime == nil {
		now := time.Now()
		h.EndTime = &now
		ms := now.Sub(h.StartTime).Milliseconds()
		h.DurationMs = &ms
	}
}
