// Package persistence stores conversation snapshots so a suspended
// conversation can be resumed by another process or after a restart.
//
// Supported backends:
//   - Memory: for development and testing (default)
//   - File: one JSON document per conversation, for single-node deployments
//   - Redis: for distributed deployments
//   - Database: postgres, mysql or sqlite through gorm
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/wayflow/workflow"
)

// Common errors
var (
	ErrNotFound     = errors.New("conversation not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType names a storage backend.
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeFile     StoreType = "file"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDatabase StoreType = "database"
)

// Store persists conversation snapshots keyed by conversation ID.
type Store interface {
	// Save inserts or replaces the snapshot of snap.ID.
	Save(ctx context.Context, snap *workflow.ConversationSnapshot) error

	// Load returns the snapshot, ErrNotFound when absent or expired.
	Load(ctx context.Context, id string) (*workflow.ConversationSnapshot, error)

	// Delete removes a snapshot, ErrNotFound when absent.
	Delete(ctx context.Context, id string) error

	// List returns summaries, most recently updated first.
	List(ctx context.Context, filter ListFilter) ([]Summary, error)

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error

	// Close releases resources
	Close() error
}

// Summary describes a stored conversation without decoding its state.
type Summary struct {
	ID        string              `json:"id"`
	FlowID    string              `json:"flow_id"`
	FlowName  string              `json:"flow_name,omitempty"`
	Status    workflow.StatusKind `json:"status,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// ListFilter narrows List results.
type ListFilter struct {
	FlowID string              `json:"flow_id,omitempty"`
	Status workflow.StatusKind `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// Options are shared by all backends.
type Options struct {
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// TTL expires snapshots after their last save; zero keeps them forever.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

func summaryOf(snap *workflow.ConversationSnapshot) Summary {
	s := Summary{
		ID:        snap.ID,
		FlowID:    snap.FlowID,
		FlowName:  snap.FlowName,
		UpdatedAt: snap.UpdatedAt,
	}
	if snap.Pending != nil {
		s.Status = snap.Pending.Kind
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	return s
}

func (f ListFilter) matches(s Summary) bool {
	if f.FlowID != "" && s.FlowID != f.FlowID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// page sorts by UpdatedAt descending then ID, and applies offset and limit.
func (f ListFilter) page(items []Summary) []Summary {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return []Summary{}
		}
		items = items[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(items) {
		items = items[:f.Limit]
	}
	return items
}

// envelope is the stored form used by the memory, file and Redis backends.
type envelope struct {
	Summary   Summary         `json:"summary"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot"`
}

func newEnvelope(snap *workflow.ConversationSnapshot, ttl time.Duration) (*envelope, error) {
	if err := validate(snap); err != nil {
		return nil, err
	}
	data, err := snap.Marshal()
	if err != nil {
		return nil, err
	}
	env := &envelope{Summary: summaryOf(snap), Snapshot: data}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		env.ExpiresAt = &exp
	}
	return env, nil
}

func (e *envelope) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func (e *envelope) snapshot() (*workflow.ConversationSnapshot, error) {
	return workflow.UnmarshalSnapshot(e.Snapshot)
}

func validate(snap *workflow.ConversationSnapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidInput)
	}
	return validateID(snap.ID)
}

// validateID rejects IDs that cannot be used as file names or keys.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty conversation id", ErrInvalidInput)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: conversation id %q", ErrInvalidInput, id)
	}
	return nil
}
