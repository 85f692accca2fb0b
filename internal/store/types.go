package store

import (
	"errors"
	"time"

	"crossposter/internal/model"
)

var ErrDisabled = errors.New("store disabled")

// Destination-id sentinels. A destination entry holds either the external
// platform id, one of these, or "" (not yet attempted).
const (
	Skipped      = "skipped"
	FailedToPost = "FailedToPost"
)

// Config configures the delivery store.
//
// Driver values:
//   - "file": newline-delimited JSON log with backup rotation (default)
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Path        string
	BackupPath  string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is the persisted per-post delivery state: one external id (or
// sentinel) and one failure counter per destination.
type Record struct {
	IDs    map[model.Destination]string
	Failed map[model.Destination]int
}

// NewRecord returns the all-default state: every destination unattempted with
// a zero failure count.
func NewRecord() Record {
	r := Record{
		IDs:    make(map[model.Destination]string, len(model.Destinations)),
		Failed: make(map[model.Destination]int, len(model.Destinations)),
	}
	for _, d := range model.Destinations {
		r.IDs[d] = ""
		r.Failed[d] = 0
	}
	return r
}

// Clone returns a deep copy. The engine mutates its copy and writes it back;
// the store's own index must not alias it.
func (r Record) Clone() Record {
	cp := Record{
		IDs:    make(map[model.Destination]string, len(r.IDs)),
		Failed: make(map[model.Destination]int, len(r.Failed)),
	}
	for k, v := range r.IDs {
		cp.IDs[k] = v
	}
	for k, v := range r.Failed {
		cp.Failed[k] = v
	}
	return cp
}

// Delivered reports whether the destination holds a real external id
// (non-empty and not a sentinel).
func (r Record) Delivered(d model.Destination) bool {
	id := r.IDs[d]
	return id != "" && id != Skipped && id != FailedToPost
}

// Terminal reports whether no further fresh publish may happen for the
// destination.
func (r Record) Terminal(d model.Destination) bool {
	id := r.IDs[d]
	return id != ""
}
