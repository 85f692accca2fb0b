package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"crossposter/internal/media"
	"crossposter/internal/model"
	logx "crossposter/pkg/logx"
)

const (
	graphBase = "https://graph.instagram.com"
	// Graph API timestamps: 2023-04-05T17:30:00+0000
	graphTimeLayout = "2006-01-02T15:04:05-0700"
)

// Instagram collects the account's recent media through the Basic Display
// API. Collected posts are bridged to Bluesky only; the Bluesky collector
// then fans the bridged copy out to the remaining destinations.
type Instagram struct {
	log    logx.Logger
	apiKey string
	media  *media.Store
	http   *http.Client
}

func NewInstagram(apiKey string, m *media.Store, log logx.Logger) *Instagram {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Instagram{
		log:    log,
		apiKey: apiKey,
		media:  m,
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (g *Instagram) Name() model.Source { return model.SourceInstagram }

type graphMedia struct {
	ID        string `json:"id"`
	Caption   string `json:"caption"`
	MediaType string `json:"media_type"` // IMAGE, VIDEO, CAROUSEL_ALBUM
	MediaURL  string `json:"media_url"`
	Permalink string `json:"permalink"`
	Timestamp string `json:"timestamp"`
	Children  *struct {
		Data []graphMedia `json:"data"`
	} `json:"children"`
}

func (g *Instagram) Collect(ctx context.Context, since time.Time) ([]*model.Post, error) {
	q := url.Values{}
	q.Set("fields", "id,caption,media_type,media_url,permalink,timestamp,children{media_url,media_type}")
	q.Set("access_token", g.apiKey)

	var out struct {
		Data []graphMedia `json:"data"`
	}
	if err := g.get(ctx, graphBase+"/me/media?"+q.Encode(), &out); err != nil {
		return nil, err
	}

	var posts []*model.Post
	for _, item := range out.Data {
		createdAt, err := time.Parse(graphTimeLayout, item.Timestamp)
		if err != nil {
			g.log.Warn("instagram media skipped",
				logx.String("id", item.ID), logx.String("timestamp", item.Timestamp), logx.Err(err))
			continue
		}
		if !createdAt.After(since) {
			break
		}

		p, err := g.convert(ctx, item, createdAt)
		if err != nil {
			g.log.Warn("instagram media skipped", logx.String("id", item.ID), logx.Err(err))
			continue
		}
		posts = append(posts, p)
	}
	return posts, nil
}

func (g *Instagram) convert(ctx context.Context, item graphMedia, createdAt time.Time) (*model.Post, error) {
	// Bridge intent: deliver to Bluesky only.
	routes := map[model.Destination]bool{}
	for _, d := range model.Destinations {
		routes[d] = d == model.DestBluesky
	}

	p := &model.Post{
		ID:        item.ID,
		Source:    model.SourceInstagram,
		Text:      item.Caption,
		CreatedAt: createdAt,
		Link:      item.Permalink,
		Routes:    routes,
	}

	items := []graphMedia{item}
	if item.MediaType == "CAROUSEL_ALBUM" && item.Children != nil {
		items = item.Children.Data
	}
	for _, child := range items {
		if child.MediaURL == "" {
			continue
		}
		kind := model.MediaImage
		if child.MediaType == "VIDEO" {
			kind = model.MediaVideo
		}
		m, err := g.media.Download(ctx, child.MediaURL, "", kind)
		if err != nil {
			return nil, err
		}
		p.Media = append(p.Media, m)
	}
	return p, nil
}

func (g *Instagram) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("instagram api: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("instagram api: http %d: %s", resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("instagram api: decode: %w", err)
	}
	return nil
}
