// Package mastodon publishes posts to a Mastodon account. It is the only
// destination with native reply threading, so replies arrive with an
// in-reply-to anchor when the parent was delivered here.
package mastodon

import (
	"context"
	"errors"
	"strings"

	gomastodon "github.com/mattn/go-mastodon"

	"crossposter/internal/model"
	"crossposter/internal/publish"
	logx "crossposter/pkg/logx"
)

type Config struct {
	Server       string
	ClientID     string
	ClientSecret string
	AccessToken  string
}

type Publisher struct {
	log logx.Logger
	c   *gomastodon.Client
}

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Server) == "" || strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("mastodon server and access token are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := gomastodon.NewClient(&gomastodon.Config{
		Server:       cfg.Server,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AccessToken:  cfg.AccessToken,
	})
	return &Publisher{log: log, c: c}, nil
}

func (p *Publisher) Name() model.Destination { return model.DestMastodon }

func (p *Publisher) Threads() bool { return true }

func (p *Publisher) Publish(ctx context.Context, post *model.Post, th publish.Threading) (string, error) {
	toot := &gomastodon.Toot{
		Status:     post.Text,
		Visibility: visibility(post.Visibility),
	}
	if th.ReplyTo != "" {
		toot.InReplyToID = gomastodon.ID(th.ReplyTo)
	}

	for _, m := range post.Media {
		att, err := p.c.UploadMedia(ctx, m.Path)
		if err != nil {
			return "", publish.Transientf("mastodon upload %s: %w", m.Path, err)
		}
		toot.MediaIDs = append(toot.MediaIDs, att.ID)
	}

	st, err := p.c.PostStatus(ctx, toot)
	if err != nil {
		return "", publish.Transientf("mastodon post status: %w", err)
	}
	return string(st.ID), nil
}

func (p *Publisher) Reshare(ctx context.Context, externalID string) error {
	if _, err := p.c.Reblog(ctx, gomastodon.ID(externalID)); err != nil {
		return publish.Transientf("mastodon reblog %s: %w", externalID, err)
	}
	return nil
}

// visibility maps the source visibility onto Mastodon's vocabulary; anything
// unrecognized posts public.
func visibility(v string) string {
	switch v {
	case "unlisted", "private", "direct":
		return v
	default:
		return "public"
	}
}
