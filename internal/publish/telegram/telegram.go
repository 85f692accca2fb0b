// Package telegram publishes posts to a Telegram channel over the Bot API.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"crossposter/internal/model"
	"crossposter/internal/publish"
	logx "crossposter/pkg/logx"
)

type Config struct {
	Token     string
	ChannelID int64
}

type Publisher struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChannelID == 0 {
		return nil, errors.New("telegram channel id is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Send-only client, no poller.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Publisher{cfg: cfg, log: log, bot: b}, nil
}

func (p *Publisher) Name() model.Destination { return model.DestTelegram }

// Threads reports false: channel posts carry no cross-platform reply anchors.
func (p *Publisher) Threads() bool { return false }

func (p *Publisher) Publish(ctx context.Context, post *model.Post, th publish.Threading) (string, error) {
	to := tele.ChatID(p.cfg.ChannelID)

	switch {
	case len(post.Media) == 0:
		msg, err := p.bot.Send(to, post.Text)
		if err != nil {
			return "", publish.Transientf("telegram send: %w", err)
		}
		return strconv.Itoa(msg.ID), nil

	case len(post.Media) == 1:
		msg, err := p.bot.Send(to, sendable(post.Media[0], post.Text))
		if err != nil {
			return "", publish.Transientf("telegram send media: %w", err)
		}
		return strconv.Itoa(msg.ID), nil

	default:
		album := make(tele.Album, 0, len(post.Media))
		for i, m := range post.Media {
			caption := ""
			if i == 0 {
				caption = post.Text
			}
			album = append(album, sendable(m, caption))
		}
		msgs, err := p.bot.SendAlbum(to, album)
		if err != nil {
			return "", publish.Transientf("telegram send album: %w", err)
		}
		if len(msgs) == 0 {
			return "", publish.Transientf("telegram send album: empty response")
		}
		return strconv.Itoa(msgs[0].ID), nil
	}
}

// Reshare forwards the original channel message back into the channel, which
// is the closest Telegram equivalent of a re-share.
func (p *Publisher) Reshare(ctx context.Context, externalID string) error {
	id, err := strconv.Atoi(externalID)
	if err != nil {
		return publish.Permanentf("telegram message id %q: %w", externalID, err)
	}
	src := &tele.Message{ID: id, Chat: &tele.Chat{ID: p.cfg.ChannelID}}
	if _, err := p.bot.Forward(tele.ChatID(p.cfg.ChannelID), src); err != nil {
		return publish.Transientf("telegram forward: %w", err)
	}
	return nil
}

func sendable(m model.Media, caption string) tele.Inputtable {
	if m.Kind == model.MediaVideo {
		return &tele.Video{File: tele.FromDisk(m.Path), Caption: caption}
	}
	return &tele.Photo{File: tele.FromDisk(m.Path), Caption: caption}
}
