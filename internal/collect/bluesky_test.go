package collect

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/xrpc"

	"crossposter/internal/media"
	"crossposter/internal/model"
	logx "crossposter/pkg/logx"
)

func TestCollectConvertsOwnFeed(t *testing.T) {
	now := time.Now().UTC()
	recent := now.Add(-time.Hour).Format(time.RFC3339)
	old := now.Add(-48 * time.Hour).Format(time.RFC3339)

	feedJSON := fmt.Sprintf(`{
		"cursor": "next-page",
		"feed": [
			{
				"post": {
					"author": {"did": "did:plc:alice", "handle": "alice.test"},
					"cid": "c1",
					"uri": "at://did:plc:alice/app.bsky.feed.post/r1",
					"indexedAt": %[1]q,
					"record": {
						"$type": "app.bsky.feed.post",
						"text": "hi",
						"createdAt": %[1]q,
						"reply": {
							"root": {"uri": "at://did:plc:alice/app.bsky.feed.post/r0", "cid": "rc"},
							"parent": {"uri": "at://did:plc:alice/app.bsky.feed.post/r0", "cid": "pc"}
						}
					}
				}
			},
			{
				"post": {
					"author": {"did": "did:plc:bob", "handle": "bob.test"},
					"cid": "c2",
					"uri": "at://did:plc:bob/app.bsky.feed.post/r2",
					"indexedAt": %[1]q,
					"record": {"$type": "app.bsky.feed.post", "text": "not ours", "createdAt": %[1]q}
				}
			},
			{
				"post": {
					"author": {"did": "did:plc:alice", "handle": "alice.test"},
					"cid": "c3",
					"uri": "at://did:plc:alice/app.bsky.feed.post/r3",
					"indexedAt": %[2]q,
					"record": {"$type": "app.bsky.feed.post", "text": "too old", "createdAt": %[2]q}
				}
			}
		]
	}`, recent, old)

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Path != "/xrpc/app.bsky.feed.getAuthorFeed" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("actor") != "alice.test" {
			t.Errorf("unexpected actor %q", q.Get("actor"))
		}
		if q.Get("limit") != "50" {
			t.Errorf("unexpected limit %q", q.Get("limit"))
		}
		w.Write([]byte(feedJSON))
	}))
	defer srv.Close()

	c := &xrpc.Client{
		Host:   srv.URL,
		Client: http.DefaultClient,
		Auth: &xrpc.AuthInfo{
			AccessJwt:  "access",
			RefreshJwt: "refresh",
			Handle:     "alice.test",
			Did:        "did:plc:alice",
		},
	}
	m, err := media.NewStore(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatalf("media store: %v", err)
	}

	posts, err := NewBluesky(c, m, logx.Nop()).Collect(context.Background(), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("expected 1 post (own and recent), got %d", len(posts))
	}

	p := posts[0]
	if p.ID != "c1" || p.Text != "hi" || p.Source != model.SourceBluesky {
		t.Fatalf("unexpected post %+v", p)
	}
	if p.ReplyToID != "pc" {
		t.Fatalf("expected reply parent pc, got %q", p.ReplyToID)
	}
	if p.Link != "https://bsky.app/profile/alice.test/post/r1" {
		t.Fatalf("unexpected link %q", p.Link)
	}
	if p.Routes[model.DestBluesky] {
		t.Fatalf("bluesky-sourced post must not route back to bluesky")
	}

	// The third item predates the lookback cutoff, so paging stops without
	// following the cursor.
	if requests != 1 {
		t.Fatalf("expected a single feed page request, got %d", requests)
	}
}
