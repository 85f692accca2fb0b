// Package tumblr publishes posts to a Tumblr blog over the v2 API with OAuth1
// request signing.
package tumblr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dghubble/oauth1"

	"crossposter/internal/model"
	"crossposter/internal/publish"
	logx "crossposter/pkg/logx"
)

const apiBase = "https://api.tumblr.com/v2/blog/"

type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string
	Blog           string
}

type Publisher struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.ConsumerKey) == "" || strings.TrimSpace(cfg.Token) == "" || strings.TrimSpace(cfg.Blog) == "" {
		return nil, errors.New("tumblr consumer key, token and blog are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	oc := oauth1.NewConfig(cfg.ConsumerKey, cfg.ConsumerSecret)
	hc := oc.Client(context.Background(), oauth1.NewToken(cfg.Token, cfg.TokenSecret))
	hc.Timeout = 60 * time.Second
	return &Publisher{cfg: cfg, log: log, http: hc}, nil
}

func (p *Publisher) Name() model.Destination { return model.DestTumblr }

func (p *Publisher) Threads() bool { return false }

func (p *Publisher) Publish(ctx context.Context, post *model.Post, th publish.Threading) (string, error) {
	form := url.Values{}
	if tags := hashtags(post.Text); len(tags) > 0 {
		form.Set("tags", strings.Join(tags, ","))
	}

	var img *model.Media
	for i := range post.Media {
		if post.Media[i].Kind == model.MediaImage {
			img = &post.Media[i]
			break
		}
	}

	if img != nil {
		form.Set("type", "photo")
		form.Set("caption", post.Text)
		if img.URL != "" {
			form.Set("source", img.URL)
		} else {
			raw, err := os.ReadFile(img.Path)
			if err != nil {
				return "", publish.Permanentf("tumblr photo %s: %w", img.Path, err)
			}
			form.Set("data64", base64.StdEncoding.EncodeToString(raw))
		}
	} else {
		form.Set("type", "text")
		form.Set("body", post.Text)
	}

	var out struct {
		Response struct {
			IDString string `json:"id_string"`
			ID       int64  `json:"id"`
		} `json:"response"`
	}
	if err := p.do(ctx, http.MethodPost, p.blogURL("post"), form, &out); err != nil {
		return "", err
	}
	if out.Response.IDString != "" {
		return out.Response.IDString, nil
	}
	return fmt.Sprintf("%d", out.Response.ID), nil
}

// Reshare reblogs our own post. The reblog endpoint wants the post's
// reblog_key, so it is looked up first.
func (p *Publisher) Reshare(ctx context.Context, externalID string) error {
	var lookup struct {
		Response struct {
			Posts []struct {
				ReblogKey string `json:"reblog_key"`
			} `json:"posts"`
		} `json:"response"`
	}
	q := p.blogURL("posts") + "?id=" + url.QueryEscape(externalID)
	if err := p.do(ctx, http.MethodGet, q, nil, &lookup); err != nil {
		return err
	}
	if len(lookup.Response.Posts) == 0 {
		return publish.Permanentf("tumblr post %s not found", externalID)
	}

	form := url.Values{}
	form.Set("id", externalID)
	form.Set("reblog_key", lookup.Response.Posts[0].ReblogKey)
	return p.do(ctx, http.MethodPost, p.blogURL("post/reblog"), form, nil)
}

func (p *Publisher) blogURL(path string) string {
	return apiBase + url.PathEscape(p.cfg.Blog) + "/" + path
}

func (p *Publisher) do(ctx context.Context, method, u string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return publish.Transientf("tumblr %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode/100 == 2:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return publish.Transientf("tumblr %s: http %d: %s", u, resp.StatusCode, raw)
	default:
		return publish.Permanentf("tumblr %s: http %d: %s", u, resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return publish.Transientf("tumblr %s: decode response: %w", u, err)
	}
	return nil
}

// hashtags extracts #tag tokens from text, without the marker.
func hashtags(text string) []string {
	var tags []string
	for _, w := range strings.Fields(text) {
		if len(w) > 1 && strings.HasPrefix(w, "#") {
			tags = append(tags, strings.TrimPrefix(w, "#"))
		}
	}
	return tags
}
