package storage

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
	ErrReadOnly = errors.New("storage opened read-only")
	// ErrLocked means another process holds the store open for writing.
	ErrLocked = errors.New("storage is locked by another process")
)

const (
	StatusFiring   = "firing"
	StatusResolved = "resolved"
)

// Config configures storage.
//
// If Driver is empty or "none", Open returns ErrDisabled.
type Config struct {
	Driver string
	// Path is the file or sqlite database path.
	Path string
	// DSN is the postgres connection string.
	DSN string
	// Table names the postgres or dynamodb table.
	Table string
	// Region and Endpoint configure the dynamodb client. Endpoint is optional
	// and mostly useful for DynamoDB Local.
	Region   string
	Endpoint string

	BusyTimeout time.Duration // sqlite only; 0 means default

	// ReadOnly opens the file driver without its writer lock; writes fail
	// with ErrReadOnly. The database drivers coordinate writers themselves
	// and ignore it.
	ReadOnly bool
}

// Record is the persisted state of one (AlertKey, Destination) pair.
type Record struct {
	AlertKey    string    `json:"alert_key"`
	Destination string    `json:"destination"`
	Status      string    `json:"status"`
	MessageID   string    `json:"message_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Destination string
	Status      string
	Limit       int
}

func (f Filter) match(r Record) bool {
	if f.Destination != "" && r.Destination != f.Destination {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Store is the persistence API used by the delivery state machine. All
// implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, alertKey, destination string) (Record, bool, error)
	Put(ctx context.Context, r Record) error
	// Delete returns ErrNotFound if there is no such record.
	Delete(ctx context.Context, alertKey, destination string) error
	// List returns records newest first.
	List(ctx context.Context, f Filter) ([]Record, error)
	// PruneResolved deletes resolved records last updated before the cutoff.
	PruneResolved(ctx context.Context, before time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

func validRecord(r Record) error {
	if r.AlertKey == "" || r.Destination == "" {
		return errors.New("record needs alert key and destination")
	}
	if r.Status != StatusFiring && r.Status != StatusResolved {
		return errors.New("record status must be firing or resolved")
	}
	return nil
}

// sortRecords orders newest first, then by key and destination.
func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].UpdatedAt.Equal(rs[j].UpdatedAt) {
			return rs[i].UpdatedAt.After(rs[j].UpdatedAt)
		}
		if rs[i].AlertKey != rs[j].AlertKey {
			return rs[i].AlertKey < rs[j].AlertKey
		}
		return rs[i].Destination < rs[j].Destination
	})
}

func limitRecords(rs []Record, n int) []Record {
	if n > 0 && len(rs) > n {
		return rs[:n]
	}
	return rs
}
