// Package publish defines the uniform publisher contract every destination
// adapter implements, and the static registry the engine dispatches through.
package publish

import (
	"context"
	"errors"
	"fmt"

	"crossposter/internal/model"
)

// Threading carries the destination-native anchors needed to thread a reply
// or quote on that destination. Empty fields mean "standalone post".
type Threading struct {
	ReplyTo string
	Quote   string
}

// Publisher is one destination adapter.
//
// Publish delivers a fresh post and returns the destination-native external
// id. Reshare re-shares an already-delivered copy by its external id.
// Adapters wrap errors in TransientError or PermanentError; an unwrapped
// error counts as transient.
type Publisher interface {
	Name() model.Destination

	// Threads reports whether the destination supports native reply/quote
	// anchors. Non-threading destinations receive every post standalone and
	// are not gated on the parent's delivery state.
	Threads() bool

	Publish(ctx context.Context, p *model.Post, th Threading) (string, error)
	Reshare(ctx context.Context, externalID string) error
}

// TransientError marks a delivery failure expected to be retryable
// (network, rate limit, 5xx).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a delivery failure that retrying cannot fix
// (content rejected, 4xx validation). The engine currently still escalates
// only via the retry threshold; see DESIGN.md.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether the adapter explicitly signaled permanence.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
