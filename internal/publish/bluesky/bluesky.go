// Package bluesky publishes posts to a Bluesky account. It is the bridge
// target for Instagram-sourced posts and shares its authenticated client with
// the Bluesky collector.
package bluesky

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"

	"crossposter/internal/model"
	"crossposter/internal/publish"
	logx "crossposter/pkg/logx"
)

const (
	postCollection   = "app.bsky.feed.post"
	repostCollection = "app.bsky.feed.repost"
	maxImages        = 4
)

type Publisher struct {
	log logx.Logger
	c   *xrpc.Client
}

// New wraps an already-authenticated client (see internal/atp).
func New(c *xrpc.Client, log logx.Logger) (*Publisher, error) {
	if c == nil || c.Auth == nil || c.Auth.Did == "" {
		return nil, errors.New("bluesky client is not authenticated")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{log: log, c: c}, nil
}

func (p *Publisher) Name() model.Destination { return model.DestBluesky }

func (p *Publisher) Threads() bool { return false }

// Publish uploads image blobs and creates an app.bsky.feed.post record.
func (p *Publisher) Publish(ctx context.Context, post *model.Post, th publish.Threading) (string, error) {
	rec := &bsky.FeedPost{
		Text:      post.Text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	var images []*bsky.EmbedImages_Image
	for _, m := range post.Media {
		if m.Kind != model.MediaImage {
			continue
		}
		if len(images) >= maxImages {
			break
		}
		f, err := os.Open(m.Path)
		if err != nil {
			return "", publish.Permanentf("bluesky image %s: %w", m.Path, err)
		}
		blob, err := comatproto.RepoUploadBlob(ctx, p.c, f)
		f.Close()
		if err != nil {
			return "", publish.Transientf("bluesky upload blob: %w", err)
		}
		images = append(images, &bsky.EmbedImages_Image{
			Alt:   m.Alt,
			Image: blob.Blob,
		})
	}
	if len(images) > 0 {
		rec.Embed = &bsky.FeedPost_Embed{
			EmbedImages: &bsky.EmbedImages{Images: images},
		}
	}

	out, err := p.createRecord(ctx, postCollection, &lexutil.LexiconTypeDecoder{Val: rec})
	if err != nil {
		return "", publish.Transientf("bluesky create post: %w", err)
	}
	// at://did/collection/rkey plus the cid, so reshare can build a strong ref
	return out.Uri + "|" + out.Cid, nil
}

// Reshare creates an app.bsky.feed.repost record pointing at our own post.
func (p *Publisher) Reshare(ctx context.Context, externalID string) error {
	uri, cid, ok := strings.Cut(externalID, "|")
	if !ok {
		return publish.Permanentf("bluesky id %q missing cid part", externalID)
	}
	rec := &bsky.FeedRepost{
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Subject:   &comatproto.RepoStrongRef{Uri: uri, Cid: cid},
	}
	if _, err := p.createRecord(ctx, repostCollection, &lexutil.LexiconTypeDecoder{Val: rec}); err != nil {
		return publish.Transientf("bluesky create repost: %w", err)
	}
	return nil
}

func (p *Publisher) createRecord(ctx context.Context, collection string, rec *lexutil.LexiconTypeDecoder) (*comatproto.RepoCreateRecord_Output, error) {
	validate := true
	return comatproto.RepoCreateRecord(ctx, p.c, &comatproto.RepoCreateRecord_Input{
		Collection: collection,
		Repo:       p.c.Auth.Did,
		Validate:   &validate,
		Record:     rec,
	})
}

// PostURL renders the public web link for an at:// uri, used when other
// destinations link back to the Bluesky copy.
func PostURL(handle, atURI string) string {
	rkey := filepath.Base(atURI)
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", handle, rkey)
}
