// Package runstore keeps an index of pipeline runs.
//
// Every run records a [Summary] when it starts and again when it reaches a
// terminal state. The index backs `paperbanana runs` and the HTTP API; the
// run directory itself stays the source of truth for artifacts.
//
// Two backends are provided:
//   - file: one JSON document per run under a data directory (CLI default)
//   - mongo: a MongoDB collection, for servers sharing one index
package runstore

import (
	"context"
	"time"
)

// Summary is the indexed view of one run.
type Summary struct {
	ID         string    `json:"id" bson:"_id"`
	Mode       string    `json:"mode" bson:"mode"`
	Goal       string    `json:"goal" bson:"goal"`
	Status     string    `json:"status" bson:"status"`
	Phase      string    `json:"phase,omitempty" bson:"phase,omitempty"`
	Reason     string    `json:"reason,omitempty" bson:"reason,omitempty"`
	Iterations int       `json:"iterations" bson:"iterations"`
	Converged  bool      `json:"converged" bson:"converged"`
	FinalImage string    `json:"final_image,omitempty" bson:"final_image,omitempty"`
	Dir        string    `json:"dir" bson:"dir"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" bson:"updated_at"`
}

// ListOptions filters and bounds List results.
type ListOptions struct {
	// Status keeps only runs with this status when non-empty.
	Status string
	// Mode keeps only runs of this mode when non-empty.
	Mode string
	// Limit caps the result size. Zero means no limit.
	Limit int
}

// Store persists run summaries. Implementations are safe for concurrent use.
type Store interface {
	// Put inserts or replaces the summary with s.ID.
	Put(ctx context.Context, s Summary) error
	// Get returns the summary for id, or a NOT_FOUND error.
	Get(ctx context.Context, id string) (Summary, error)
	// List returns matching summaries, newest first.
	List(ctx context.Context, opts ListOptions) ([]Summary, error)
	Close() error
}

func (o ListOptions) match(s Summary) bool {
	if o.Status != "" && s.Status != o.Status {
		return false
	}
	if o.Mode != "" && s.Mode != o.Mode {
		return false
	}
	return true
}
