package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crossposter/internal/model"
	"crossposter/internal/publish"
	"crossposter/internal/store"
	logx "crossposter/pkg/logx"
)

// Engine dispatches one batch of posts against the delivery store.
//
// A run is strictly sequential: posts oldest-first, destinations in the
// declared order. The run mutex covers the whole load→dispatch→save cycle;
// overlapping invocations fail fast with ErrRunInProgress instead of
// interleaving store writes.
type Engine struct {
	log logx.Logger
	st  store.Store
	gw  Gateway

	runMu sync.Mutex

	now func() time.Time
}

func New(st store.Store, gw Gateway, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{log: log, st: st, gw: gw, now: time.Now}
}

// Run executes one invocation over batch. The batch is expected in arrival
// order (newest first, as platform feeds return it); dispatch iterates it in
// reverse so reply parents are handled before their children.
//
// Only a store write failure aborts the run; per-post errors are contained.
func (e *Engine) Run(ctx context.Context, batch []*model.Post, s Settings) (Result, error) {
	if !e.runMu.TryLock() {
		return Result{}, ErrRunInProgress
	}
	defer e.runMu.Unlock()

	s = s.withDefaults()
	res := Result{RunID: uuid.NewString()}
	log := e.log.With(logx.String("run", res.RunID))

	all, err := e.st.Load(ctx)
	if err != nil {
		return res, fmt.Errorf("load delivery store: %w", err)
	}
	log.Info("dispatch run started", logx.Int("batch", len(batch)), logx.Int("tracked", len(all)))

	if err := e.dispatch(ctx, log, batch, all, s, &res); err != nil {
		return res, err
	}

	if res.Changed {
		if err := e.st.Save(ctx, all); err != nil {
			return res, fmt.Errorf("save delivery store: %w", err)
		}
	}
	if err := e.st.Backup(ctx); err != nil {
		// Backup trouble is operator-visible but never aborts a completed run.
		log.Error("delivery store backup failed", logx.Err(err))
	}

	log.Info("dispatch run finished",
		logx.Int("processed", res.Processed),
		logx.Int("delivered", res.Delivered),
		logx.Int("deferred", res.Deferred),
		logx.Bool("changed", res.Changed))
	return res, nil
}

func (e *Engine) dispatch(ctx context.Context, log logx.Logger, batch []*model.Post, all map[string]store.Record, s Settings, res *Result) error {
	for i := len(batch) - 1; i >= 0; i-- {
		p := batch[i]

		if s.MaxPerRun > 0 && res.Delivered >= s.MaxPerRun {
			if s.Overflow == OverflowRetry {
				log.Info("per-run cap reached, remaining posts retried next run",
					logx.Int("cap", s.MaxPerRun), logx.Int("remaining", i+1))
				return nil
			}
			if err := e.dropPost(ctx, p, all, res); err != nil {
				return err
			}
			continue
		}

		if err := e.dispatchPost(ctx, log, p, all, s, res); err != nil {
			return err
		}
	}
	return nil
}

// dropPost implements the "drop" overflow policy: every unattempted
// destination is recorded as skipped so the post is never retried.
func (e *Engine) dropPost(ctx context.Context, p *model.Post, all map[string]store.Record, res *Result) error {
	rec, ok := all[p.ID]
	if !ok {
		rec = store.NewRecord()
	}
	rec = rec.Clone()
	for _, d := range model.Destinations {
		if rec.IDs[d] == "" {
			rec.IDs[d] = store.Skipped
		}
	}
	all[p.ID] = rec
	res.Changed = true
	return e.st.Append(ctx, p.ID, rec)
}

func (e *Engine) dispatchPost(ctx context.Context, log logx.Logger, p *model.Post, all map[string]store.Record, s Settings, res *Result) error {
	rec, tracked := all[p.ID]
	if !tracked {
		rec = store.NewRecord()
	}
	rec = rec.Clone()

	// Permanent-failure escalation: crossing the retry threshold flips the
	// empty id to the terminal sentinel, exactly once.
	escalated := false
	for _, d := range model.Destinations {
		if rec.Failed[d] >= s.MaxRetries && rec.IDs[d] == "" {
			rec.IDs[d] = store.FailedToPost
			escalated = true
			log.Warn("destination permanently failed",
				logx.String("post", p.ID), logx.String("dest", string(d)),
				logx.Int("failures", rec.Failed[d]))
		}
	}

	// Resolve the reply parent. A reply to an untracked parent cannot be
	// threaded safely anywhere, so the post is deferred whole; it may
	// resolve on a later run once the parent appears.
	var replyParent store.Record
	if p.ReplyToID != "" {
		parent, ok := all[p.ReplyToID]
		if !ok {
			log.Warn("reply parent not tracked, deferring post",
				logx.String("post", p.ID), logx.String("parent", p.ReplyToID))
			res.Deferred++
			return nil
		}
		replyParent = parent
	}

	// Resolve the quoted post. An untracked quote either degrades to a plain
	// link or defers the post, per configuration.
	text := p.Text
	var quoteParent store.Record
	quoteTracked := false
	if p.QuotedID != "" {
		parent, ok := all[p.QuotedID]
		switch {
		case ok:
			quoteParent = parent
			quoteTracked = true
		case s.QuotePostsAsLinks:
			if p.QuoteURL != "" && !strings.Contains(text, p.QuoteURL) {
				text = text + "\n" + p.QuoteURL
			}
		default:
			log.Warn("quoted post not tracked, deferring post",
				logx.String("post", p.ID), logx.String("quoted", p.QuotedID))
			res.Deferred++
			return nil
		}
	}

	res.Processed++

	if escalated {
		all[p.ID] = rec.Clone()
		res.Changed = true
		if err := e.st.Append(ctx, p.ID, rec); err != nil {
			return fmt.Errorf("append delivery record: %w", err)
		}
	}

	// Fully delivered and not a repost: nothing left to do.
	if !p.Repost && fullyDelivered(rec) {
		return nil
	}

	// The repost window: a re-share is allowed only while the post event is
	// newer than the last time we delivered this id (window default when the
	// id was never cached).
	repostFloor := e.now().Add(-s.RepostWindow)
	if last, ok := e.st.LastPosted(p.ID); ok {
		repostFloor = last
	}
	withinWindow := p.CreatedAt.After(repostFloor)

	dp := *p
	dp.Text = text

	posted := false
	for _, d := range model.Destinations {
		changed, didPost := e.dispatchDestination(ctx, log, &dp, d, rec, replyParent, quoteParent, quoteTracked, s, withinWindow)
		if changed {
			res.Changed = true
		}
		if didPost {
			posted = true
		}

		// Source-to-source bridge: an Instagram post targets Bluesky only;
		// once that destination is resolved the rest are not evaluated this
		// run.
		if d == model.DestBluesky && p.Source == model.SourceInstagram {
			break
		}
	}

	if posted {
		res.Delivered++
		if err := e.st.SetLastPosted(p.ID, e.now()); err != nil {
			return fmt.Errorf("record last-posted time: %w", err)
		}
	}

	all[p.ID] = rec.Clone()
	if err := e.st.Append(ctx, p.ID, rec); err != nil {
		return fmt.Errorf("append delivery record: %w", err)
	}
	return nil
}

// dispatchDestination applies the per-destination state machine to one
// (post, destination) pair, mutating rec in place.
func (e *Engine) dispatchDestination(
	ctx context.Context,
	log logx.Logger,
	p *model.Post,
	d model.Destination,
	rec store.Record,
	replyParent, quoteParent store.Record,
	quoteTracked bool,
	s Settings,
	withinWindow bool,
) (changed, posted bool) {
	enabled := s.Enabled[d] && routeEnabled(p, d)

	switch {
	case !enabled:
		if rec.IDs[d] == "" {
			rec.IDs[d] = store.Skipped
			changed = true
			log.Debug("destination disabled by toggle",
				logx.String("post", p.ID), logx.String("dest", string(d)))
		}

	case rec.Delivered(d) && !p.Repost:
		// already delivered, no-op

	case rec.Delivered(d) && p.Repost:
		if !withinWindow {
			return false, false
		}
		if !e.gw.Has(d) {
			return false, false
		}
		if err := e.gw.Reshare(ctx, d, rec.IDs[d]); err != nil {
			log.Error("re-share failed",
				logx.String("post", p.ID), logx.String("dest", string(d)), logx.Err(err))
			return false, false
		}
		posted = true
		log.Info("re-shared", logx.String("post", p.ID), logx.String("dest", string(d)))

	case rec.IDs[d] == "":
		if !e.gw.Has(d) {
			// Enabled but unconfigured (e.g. missing credentials): leave the
			// pair untouched so a later run with credentials picks it up.
			log.Debug("no publisher for destination",
				logx.String("post", p.ID), logx.String("dest", string(d)))
			return false, false
		}

		var th publish.Threading
		if e.gw.Threads(d) {
			if p.ReplyToID != "" {
				anchor := replyParent.IDs[d]
				if anchor == store.Skipped || anchor == store.FailedToPost {
					log.Debug("reply anchor terminal, not posting",
						logx.String("post", p.ID), logx.String("dest", string(d)))
					return false, false
				}
				th.ReplyTo = anchor
			}
			if quoteTracked {
				anchor := quoteParent.IDs[d]
				if anchor == store.Skipped || anchor == store.FailedToPost {
					log.Debug("quote anchor terminal, not posting",
						logx.String("post", p.ID), logx.String("dest", string(d)))
					return false, false
				}
				th.Quote = anchor
			}
		}

		id, err := e.gw.Publish(ctx, d, p, th)
		if err != nil {
			rec.Failed[d]++
			if publish.IsPermanent(err) {
				// Preserved behavior: permanence still only comes from the
				// retry threshold. See DESIGN.md.
				log.Debug("adapter signaled permanent error",
					logx.String("post", p.ID), logx.String("dest", string(d)))
			}
			log.Error("publish failed",
				logx.String("post", p.ID), logx.String("dest", string(d)),
				logx.Int("failures", rec.Failed[d]), logx.Err(err))
			return true, false
		}
		rec.IDs[d] = id
		posted = true
		changed = true
		log.Info("published",
			logx.String("post", p.ID), logx.String("dest", string(d)), logx.String("id", id))

	default:
		// sentinel id (skipped or permanently failed): terminal, no-op
	}

	return changed, posted
}

func routeEnabled(p *model.Post, d model.Destination) bool {
	if p.Routes == nil {
		return true
	}
	v, ok := p.Routes[d]
	if !ok {
		return true
	}
	return v
}

// fullyDelivered reports whether every destination holds a non-empty,
// non-skipped id (real or permanently failed).
func fullyDelivered(rec store.Record) bool {
	for _, d := range model.Destinations {
		id := rec.IDs[d]
		if id == "" || id == store.Skipped {
			return false
		}
	}
	return true
}
