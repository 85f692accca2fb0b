package bluesky

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bluesky-social/indigo/xrpc"

	"crossposter/internal/model"
	"crossposter/internal/publish"
	logx "crossposter/pkg/logx"
)

// A syntactically valid CID for blob responses.
const testBlobCid = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"

func testClient(host string) *xrpc.Client {
	return &xrpc.Client{
		Host:   host,
		Client: http.DefaultClient,
		Auth: &xrpc.AuthInfo{
			AccessJwt:  "access",
			RefreshJwt: "refresh",
			Handle:     "alice.test",
			Did:        "did:plc:alice",
		},
	}
}

func TestPublishCreatesPostRecord(t *testing.T) {
	var created map[string]any
	uploads := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.repo.uploadBlob":
			uploads++
			json.NewEncoder(w).Encode(map[string]any{
				"blob": map[string]any{
					"$type":    "blob",
					"ref":      map[string]string{"$link": testBlobCid},
					"mimeType": "image/jpeg",
					"size":     3,
				},
			})
		case "/xrpc/com.atproto.repo.createRecord":
			if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
				t.Errorf("decode create body: %v", err)
			}
			json.NewEncoder(w).Encode(map[string]string{
				"uri": "at://did:plc:alice/app.bsky.feed.post/abc123",
				"cid": "cid123",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	img := filepath.Join(t.TempDir(), "pic.jpg")
	if err := os.WriteFile(img, []byte("jpg"), 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}

	p, err := New(testClient(srv.URL), logx.Nop())
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	id, err := p.Publish(context.Background(), &model.Post{
		ID:    "p1",
		Text:  "hello",
		Media: []model.Media{{Path: img, Alt: "a cat", Kind: model.MediaImage}},
	}, publish.Threading{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id != "at://did:plc:alice/app.bsky.feed.post/abc123|cid123" {
		t.Fatalf("unexpected external id %q", id)
	}
	if uploads != 1 {
		t.Fatalf("expected 1 blob upload, got %d", uploads)
	}

	if created["repo"] != "did:plc:alice" || created["collection"] != "app.bsky.feed.post" {
		t.Fatalf("unexpected create input %v", created)
	}
	rec, _ := created["record"].(map[string]any)
	if rec["$type"] != "app.bsky.feed.post" || rec["text"] != "hello" {
		t.Fatalf("unexpected record %v", rec)
	}
	if _, ok := rec["embed"]; !ok {
		t.Fatalf("expected image embed on record %v", rec)
	}
}

func TestReshareCreatesRepostRecord(t *testing.T) {
	var created map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.repo.createRecord" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
			t.Errorf("decode create body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"uri": "at://did:plc:alice/app.bsky.feed.repost/xyz",
			"cid": "cid456",
		})
	}))
	defer srv.Close()

	p, err := New(testClient(srv.URL), logx.Nop())
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := p.Reshare(context.Background(), "at://did:plc:alice/app.bsky.feed.post/abc123|cid123"); err != nil {
		t.Fatalf("reshare: %v", err)
	}

	if created["collection"] != "app.bsky.feed.repost" {
		t.Fatalf("unexpected collection %v", created["collection"])
	}
	rec, _ := created["record"].(map[string]any)
	subject, _ := rec["subject"].(map[string]any)
	if subject["uri"] != "at://did:plc:alice/app.bsky.feed.post/abc123" || subject["cid"] != "cid123" {
		t.Fatalf("unexpected repost subject %v", subject)
	}
}

func TestReshareRejectsIDWithoutCid(t *testing.T) {
	p, err := New(testClient("http://unused.invalid"), logx.Nop())
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	err = p.Reshare(context.Background(), "at://did:plc:alice/app.bsky.feed.post/abc123")
	if err == nil || !publish.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
