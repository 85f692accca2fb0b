package publish

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"crossposter/internal/model"
	logx "crossposter/pkg/logx"
)

// Registry holds the configured publishers, keyed by destination name, and
// paces outbound calls with a per-destination rate limiter. Destinations are
// always dispatched in the declared model.Destinations order; the registry
// only answers membership and transport.
type Registry struct {
	log    logx.Logger
	pubs   map[model.Destination]Publisher
	limits map[model.Destination]*rate.Limiter
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:    log,
		pubs:   map[model.Destination]Publisher{},
		limits: map[model.Destination]*rate.Limiter{},
	}
}

// Add registers a publisher. perSecond caps outbound calls for the
// destination; values below 1 default to 1.
func (r *Registry) Add(p Publisher, perSecond int) {
	if p == nil {
		return
	}
	if perSecond < 1 {
		perSecond = 1
	}
	r.pubs[p.Name()] = p
	r.limits[p.Name()] = rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

func (r *Registry) Has(d model.Destination) bool {
	_, ok := r.pubs[d]
	return ok
}

func (r *Registry) Threads(d model.Destination) bool {
	p, ok := r.pubs[d]
	return ok && p.Threads()
}

func (r *Registry) Publish(ctx context.Context, d model.Destination, p *model.Post, th Threading) (string, error) {
	pub, ok := r.pubs[d]
	if !ok {
		return "", fmt.Errorf("no publisher registered for %s", d)
	}
	if err := r.limits[d].Wait(ctx); err != nil {
		return "", err
	}
	return pub.Publish(ctx, p, th)
}

func (r *Registry) Reshare(ctx context.Context, d model.Destination, externalID string) error {
	pub, ok := r.pubs[d]
	if !ok {
		return fmt.Errorf("no publisher registered for %s", d)
	}
	if err := r.limits[d].Wait(ctx); err != nil {
		return err
	}
	return pub.Reshare(ctx, externalID)
}
