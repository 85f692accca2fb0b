// Package collect gathers source posts into the canonical model. Each
// collector returns its batch in platform feed order, newest first; the
// engine reverses the batch so parents dispatch before replies.
package collect

import (
	"context"
	"time"

	"crossposter/internal/model"
)

type Collector interface {
	Name() model.Source

	// Collect returns posts created (or re-shared) after since, newest first.
	Collect(ctx context.Context, since time.Time) ([]*model.Post, error)
}
