// Package dryrun provides the rehearsal capability: a recording gateway that
// simulates every outbound call and a store wrapper that swallows writes. The
// engine runs its full decision logic against them without knowing it is
// rehearsing.
package dryrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"crossposter/internal/model"
	"crossposter/internal/publish"
	"crossposter/internal/store"
)

// Receipt records one outbound call that would have happened.
type Receipt struct {
	At          time.Time         `json:"at"`
	Run         string            `json:"run"`
	Action      string            `json:"action"` // "publish" or "reshare"
	Post        string            `json:"post,omitempty"`
	Destination model.Destination `json:"destination"`
	Text        string            `json:"text,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Quote       string            `json:"quote,omitempty"`
	ExternalID  string            `json:"external_id"`
	Media       int               `json:"media,omitempty"`
}

// Gateway wraps a real gateway. Membership and threading answers come from
// the wrapped registry so gating decisions match a live run exactly; Publish
// and Reshare are recorded and answered with simulated ids.
type Gateway struct {
	real interface {
		Has(d model.Destination) bool
		Threads(d model.Destination) bool
	}
	run      string
	receipts []Receipt
}

func NewGateway(real interface {
	Has(d model.Destination) bool
	Threads(d model.Destination) bool
}, run string) *Gateway {
	return &Gateway{real: real, run: run}
}

func (g *Gateway) Has(d model.Destination) bool     { return g.real.Has(d) }
func (g *Gateway) Threads(d model.Destination) bool { return g.real.Threads(d) }

func (g *Gateway) Publish(ctx context.Context, d model.Destination, p *model.Post, th publish.Threading) (string, error) {
	id := "dryrun:" + uuid.NewString()
	g.receipts = append(g.receipts, Receipt{
		At:          time.Now().UTC(),
		Run:         g.run,
		Action:      "publish",
		Post:        p.ID,
		Destination: d,
		Text:        p.Text,
		ReplyTo:     th.ReplyTo,
		Quote:       th.Quote,
		ExternalID:  id,
		Media:       len(p.Media),
	})
	return id, nil
}

func (g *Gateway) Reshare(ctx context.Context, d model.Destination, externalID string) error {
	g.receipts = append(g.receipts, Receipt{
		At:          time.Now().UTC(),
		Run:         g.run,
		Action:      "reshare",
		Destination: d,
		ExternalID:  externalID,
	})
	return nil
}

// Receipts returns the calls recorded so far, in order.
func (g *Gateway) Receipts() []Receipt {
	out := make([]Receipt, len(g.receipts))
	copy(out, g.receipts)
	return out
}

// WriteFile appends the recorded receipts to a JSON array at path, creating
// the file if needed. Earlier rehearsals in the same file are preserved.
func (g *Gateway) WriteFile(path string) error {
	var prior []Receipt
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if uerr := json.Unmarshal(raw, &prior); uerr != nil {
			return fmt.Errorf("existing receipts file %s is not a JSON array: %w", path, uerr)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return err
	}

	out, err := json.MarshalIndent(append(prior, g.receipts...), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// roStore passes reads through to the real store and discards every write,
// so a rehearsal leaves the delivery log, backup, and post cache untouched.
type roStore struct {
	real store.Store
}

// WrapStore returns a read-only view of st.
func WrapStore(st store.Store) store.Store { return &roStore{real: st} }

func (s *roStore) Load(ctx context.Context) (map[string]store.Record, error) {
	return s.real.Load(ctx)
}

func (s *roStore) Append(ctx context.Context, id string, rec store.Record) error { return nil }

func (s *roStore) Save(ctx context.Context, all map[string]store.Record) error { return nil }

func (s *roStore) Backup(ctx context.Context) error { return nil }

func (s *roStore) LastPosted(id string) (time.Time, bool) { return s.real.LastPosted(id) }

func (s *roStore) SetLastPosted(id string, at time.Time) error { return nil }

func (s *roStore) Close() error { return nil }
