package collect

import (
	"context"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"

	"crossposter/internal/media"
	"crossposter/internal/model"
	blueskypub "crossposter/internal/publish/bluesky"
	logx "crossposter/pkg/logx"
)

const (
	feedPageSize = 50
	feedMaxPages = 6
)

// Bluesky collects the account's own posts, replies, quotes, and self-reposts
// from its author feed.
type Bluesky struct {
	log   logx.Logger
	c     *xrpc.Client
	media *media.Store
}

func NewBluesky(c *xrpc.Client, m *media.Store, log logx.Logger) *Bluesky {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bluesky{log: log, c: c, media: m}
}

func (b *Bluesky) Name() model.Source { return model.SourceBluesky }

func (b *Bluesky) Collect(ctx context.Context, since time.Time) ([]*model.Post, error) {
	var posts []*model.Post
	cursor := ""

	for page := 0; page < feedMaxPages; page++ {
		out, err := bsky.FeedGetAuthorFeed(ctx, b.c, b.c.Auth.Handle, cursor, "", feedPageSize)
		if err != nil {
			return nil, fmt.Errorf("get author feed: %w", err)
		}

		done := false
		for _, fv := range out.Feed {
			p, createdAt, err := b.convert(ctx, fv)
			if err != nil {
				b.log.Warn("feed item skipped", logx.Err(err))
				continue
			}
			if p == nil {
				continue
			}
			if !createdAt.After(since) {
				done = true
				break
			}
			posts = append(posts, p)
		}

		if done || out.Cursor == nil || *out.Cursor == "" {
			break
		}
		cursor = *out.Cursor
	}
	return posts, nil
}

// convert maps one feed item to a model.Post. A nil post with nil error means
// the item is not ours to deliver (someone else's content).
func (b *Bluesky) convert(ctx context.Context, fv *bsky.FeedDefs_FeedViewPost) (*model.Post, time.Time, error) {
	pv := fv.Post
	if pv == nil || pv.Author == nil {
		return nil, time.Time{}, fmt.Errorf("feed item without post view")
	}

	repost := fv.Reason != nil && fv.Reason.FeedDefs_ReasonRepost != nil
	if pv.Author.Did != b.c.Auth.Did {
		// Reposts of other accounts' content are not bridged.
		return nil, time.Time{}, nil
	}

	if pv.Record == nil {
		return nil, time.Time{}, fmt.Errorf("post %s: no record", pv.Cid)
	}
	rec, ok := pv.Record.Val.(*bsky.FeedPost)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("post %s: record is not a feed post", pv.Cid)
	}

	createdAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("post %s: created at %q: %w", pv.Cid, rec.CreatedAt, err)
	}
	if repost {
		// A self-repost surfaces by its re-share time, not the original
		// authoring time.
		if at, perr := time.Parse(time.RFC3339, fv.Reason.FeedDefs_ReasonRepost.IndexedAt); perr == nil {
			createdAt = at
		}
	}

	routes := model.DefaultRoutes()
	routes[model.DestBluesky] = false

	p := &model.Post{
		ID:        pv.Cid,
		Source:    model.SourceBluesky,
		Text:      rec.Text,
		CreatedAt: createdAt,
		Link:      blueskypub.PostURL(pv.Author.Handle, pv.Uri),
		Repost:    repost,
		Routes:    routes,
	}

	if rec.Reply != nil && rec.Reply.Parent != nil {
		p.ReplyToID = rec.Reply.Parent.Cid
	}

	if err := b.attachEmbed(ctx, p, pv.Embed); err != nil {
		return nil, time.Time{}, err
	}
	return p, createdAt, nil
}

func (b *Bluesky) attachEmbed(ctx context.Context, p *model.Post, emb *bsky.FeedDefs_PostView_Embed) error {
	if emb == nil {
		return nil
	}
	switch {
	case emb.EmbedImages_View != nil:
		return b.downloadImages(ctx, p, emb.EmbedImages_View)

	case emb.EmbedRecord_View != nil:
		b.attachQuote(p, emb.EmbedRecord_View)

	case emb.EmbedRecordWithMedia_View != nil:
		b.attachQuote(p, emb.EmbedRecordWithMedia_View.Record)
		if m := emb.EmbedRecordWithMedia_View.Media; m != nil && m.EmbedImages_View != nil {
			return b.downloadImages(ctx, p, m.EmbedImages_View)
		}
	}
	return nil
}

func (b *Bluesky) downloadImages(ctx context.Context, p *model.Post, v *bsky.EmbedImages_View) error {
	for _, img := range v.Images {
		m, err := b.media.Download(ctx, img.Fullsize, img.Alt, model.MediaImage)
		if err != nil {
			return fmt.Errorf("post %s: %w", p.ID, err)
		}
		p.Media = append(p.Media, m)
	}
	return nil
}

func (b *Bluesky) attachQuote(p *model.Post, v *bsky.EmbedRecord_View) {
	if v == nil || v.Record == nil || v.Record.EmbedRecord_ViewRecord == nil {
		return
	}
	qr := v.Record.EmbedRecord_ViewRecord
	p.QuotedID = qr.Cid
	if qr.Author != nil {
		p.QuoteURL = blueskypub.PostURL(qr.Author.Handle, qr.Uri)
	}
}
