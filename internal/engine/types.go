// Package engine implements the dispatch engine: it consumes one batch of
// posts plus the delivery store and, per (post, destination) pair, decides to
// skip, attempt, re-share, or permanently fail the delivery.
package engine

import (
	"context"
	"errors"
	"time"

	"crossposter/internal/model"
	"crossposter/internal/publish"
)

// ErrRunInProgress is returned when an invocation overlaps another one.
// Scheduled and operator-triggered runs must not interleave store writes.
var ErrRunInProgress = errors.New("a dispatch run is already in progress")

// OverflowPolicy decides what happens to posts beyond the per-run cap.
type OverflowPolicy string

const (
	// OverflowRetry leaves capped posts untracked so the next invocation
	// picks them up.
	OverflowRetry OverflowPolicy = "retry"
	// OverflowDrop records capped posts as skipped for every destination.
	OverflowDrop OverflowPolicy = "drop"
)

// Settings is the immutable per-invocation configuration. It is snapshotted
// by the caller before Run and never mutated mid-run.
type Settings struct {
	// Enabled holds the global per-destination toggles, intersected with
	// each post's own route intent.
	Enabled map[model.Destination]bool

	// MaxRetries is the transient-failure threshold; at or beyond it a
	// destination id escalates to the permanent-failure sentinel.
	MaxRetries int

	// RepostWindow bounds Posted → Reposted transitions for posts with no
	// cached last-delivery time.
	RepostWindow time.Duration

	// MaxPerRun caps posts newly delivered per invocation (0 = no cap).
	MaxPerRun int

	Overflow OverflowPolicy

	// QuotePostsAsLinks appends the quote URL to the text when the quoted
	// post is untracked, instead of skipping the post.
	QuotePostsAsLinks bool
}

func (s Settings) withDefaults() Settings {
	if s.MaxRetries <= 0 {
		s.MaxRetries = 5
	}
	if s.RepostWindow <= 0 {
		s.RepostWindow = time.Hour
	}
	if s.Overflow != OverflowDrop {
		s.Overflow = OverflowRetry
	}
	if s.Enabled == nil {
		s.Enabled = map[model.Destination]bool{}
	}
	return s
}

// Gateway is the engine's view of the publisher registry. The dry-run
// capability substitutes a recording implementation; the engine itself is
// unaware which one it is talking to.
type Gateway interface {
	Has(d model.Destination) bool
	Threads(d model.Destination) bool
	Publish(ctx context.Context, d model.Destination, p *model.Post, th publish.Threading) (string, error)
	Reshare(ctx context.Context, d model.Destination, externalID string) error
}

// Result summarizes one invocation.
type Result struct {
	RunID string

	// Processed counts posts the per-post loop evaluated.
	Processed int
	// Delivered counts posts with at least one successful publish or
	// re-share this run (the governor counts these).
	Delivered int
	// Deferred counts posts skipped because a reply/quote parent is not yet
	// tracked.
	Deferred int

	// Changed reports whether any delivery record changed.
	Changed bool
}
