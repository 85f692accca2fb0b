// Package discord publishes posts to a Discord channel through an incoming
// webhook. Webhooks need no bot user or gateway connection.
package discord

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"crossposter/internal/model"
	"crossposter/internal/publish"
	logx "crossposter/pkg/logx"
)

type Config struct {
	WebhookID    string
	WebhookToken string
	Username     string
}

type Publisher struct {
	cfg Config
	log logx.Logger
	s   *discordgo.Session
}

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.WebhookID) == "" || strings.TrimSpace(cfg.WebhookToken) == "" {
		return nil, errors.New("discord webhook id and token are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Webhook execution is plain REST; an unauthenticated session suffices.
	s, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	return &Publisher{cfg: cfg, log: log, s: s}, nil
}

func (p *Publisher) Name() model.Destination { return model.DestDiscord }

func (p *Publisher) Threads() bool { return false }

func (p *Publisher) Publish(ctx context.Context, post *model.Post, th publish.Threading) (string, error) {
	params := &discordgo.WebhookParams{
		Content:  post.Text,
		Username: p.cfg.Username,
	}

	var open []*os.File
	defer func() {
		for _, f := range open {
			f.Close()
		}
	}()
	for _, m := range post.Media {
		f, err := os.Open(m.Path)
		if err != nil {
			return "", publish.Permanentf("discord attachment %s: %w", m.Path, err)
		}
		open = append(open, f)
		params.Files = append(params.Files, &discordgo.File{
			Name:   filepath.Base(m.Path),
			Reader: f,
		})
	}

	msg, err := p.s.WebhookExecute(p.cfg.WebhookID, p.cfg.WebhookToken, true, params, discordgo.WithContext(ctx))
	if err != nil {
		return "", publish.Transientf("discord webhook execute: %w", err)
	}
	if msg == nil || msg.ID == "" {
		// wait=true always returns the message; guard anyway
		return "posted", nil
	}
	return msg.ID, nil
}

// Reshare is a no-op: webhooks cannot re-share an existing message, and
// reposting the content would duplicate it in the channel.
func (p *Publisher) Reshare(ctx context.Context, externalID string) error {
	p.log.Debug("discord has no re-share, skipping", logx.String("id", externalID))
	return nil
}
