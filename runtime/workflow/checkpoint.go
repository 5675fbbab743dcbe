package workflow

import (
	"context"
	"errors"
	"time"
)

// DefaultCheckpointTTL is the lifetime of every checkpoint record, renewed on
// each write.
const DefaultCheckpointTTL = 24 * time.Hour

// ErrAlreadyTerminal is returned by UpdateStatus when the thread already
// reached a terminal status. Terminal statuses never transition again.
var ErrAlreadyTerminal = errors.New("workflow: status already terminal")

type (
	// Checkpointer persists workflow state between steps. For a workflow
	// prefix P, implementations maintain three records per thread plus a
	// thread index:
	//
	//	P:state:<thread>    full state
	//	P:metadata:<thread> state wrapped with bookkeeping
	//	P:status:<thread>   header only, cheap to read
	//	P:threads           set of live thread ids
	//
	// All records share a 24 h TTL refreshed on every write. EndTime and
	// duration are set exactly once, when a terminal status is first
	// written.
	Checkpointer[S State] interface {
		// Save atomically writes all three records and indexes the thread.
		Save(ctx context.Context, thread string, state S) error

		// Load returns the persisted state.
		Load(ctx context.Context, thread string) (S, bool, error)

		// LoadWithMetadata returns the state together with its bookkeeping.
		LoadWithMetadata(ctx context.Context, thread string) (*Metadata[S], bool, error)

		// GetStatus returns the header without decoding the full state.
		GetStatus(ctx context.Context, thread string) (*Header, bool, error)

		// UpdateStatus updates the status, current step, and error on the
		// status and metadata records, creating a status record when none
		// exists. Updating a terminal thread returns ErrAlreadyTerminal.
		UpdateStatus(ctx context.Context, thread string, status Status, step Step, errMsg string) error

		// ListThreads returns the indexed thread ids.
		ListThreads(ctx context.Context) ([]string, error)

		// Delete removes all records for a thread.
		Delete(ctx context.Context, thread string) error

		// Cleanup deletes threads whose last update is older than maxAge and
		// returns how many were removed.
		Cleanup(ctx context.Context, maxAge time.Duration) (int, error)

		// Stats summarizes the live threads by status.
		Stats(ctx context.Context) (Stats, error)
	}

	// Metadata wraps a persisted state with bookkeeping fields.
	Metadata[S State] struct {
		Thread    string    `json:"thread"`
		State     S         `json:"state"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// Stats summarizes checkpointed threads.
	Stats struct {
		Threads  int            `json:"threads"`
		ByStatus map[Status]int `json:"byStatus"`
	}
)
