package dryrun

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crossposter/internal/engine"
	"crossposter/internal/model"
	"crossposter/internal/publish"
	"crossposter/internal/store"
	logx "crossposter/pkg/logx"
)

type staticMembers struct{}

func (staticMembers) Has(d model.Destination) bool     { return d == model.DestMastodon }
func (staticMembers) Threads(d model.Destination) bool { return false }

func TestRehearsalLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "delivery.jsonl")
	st, err := store.Open(store.Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	gw := NewGateway(staticMembers{}, "test-run")
	eng := engine.New(WrapStore(st), gw, logx.Nop())

	batch := []*model.Post{
		{ID: "p1", Source: model.SourceBluesky, Text: "one", CreatedAt: time.Now()},
		{ID: "p2", Source: model.SourceBluesky, Text: "two", CreatedAt: time.Now()},
	}
	res, err := eng.Run(ctx, batch, engine.Settings{
		Enabled: map[model.Destination]bool{model.DestMastodon: true},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Delivered != 2 {
		t.Fatalf("expected 2 simulated deliveries, got %+v", res)
	}

	receipts := gw.Receipts()
	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(receipts))
	}
	for _, r := range receipts {
		if r.Action != "publish" || r.Destination != model.DestMastodon || r.Run != "test-run" {
			t.Fatalf("unexpected receipt: %+v", r)
		}
		if r.ExternalID == "" {
			t.Fatalf("receipt missing simulated id")
		}
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("rehearsal must not create the delivery log")
	}
	all, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("rehearsal must not persist records, got %d", len(all))
	}
	if _, ok := st.LastPosted("p1"); ok {
		t.Fatalf("rehearsal must not touch the post cache")
	}
}

func TestWriteFileAppendsToExistingReceipts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipts.json")

	g1 := NewGateway(staticMembers{}, "run-a")
	if _, err := g1.Publish(context.Background(), model.DestMastodon, &model.Post{ID: "p1"}, publish.Threading{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := g1.WriteFile(path); err != nil {
		t.Fatalf("first write: %v", err)
	}

	g2 := NewGateway(staticMembers{}, "run-b")
	if err := g2.Reshare(context.Background(), model.DestMastodon, "m1"); err != nil {
		t.Fatalf("reshare: %v", err)
	}
	if err := g2.WriteFile(path); err != nil {
		t.Fatalf("second write: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read receipts: %v", err)
	}
	var all []Receipt
	if err := json.Unmarshal(raw, &all); err != nil {
		t.Fatalf("decode receipts: %v", err)
	}
	if len(all) != 2 || all[0].Run != "run-a" || all[1].Run != "run-b" {
		t.Fatalf("unexpected receipts: %+v", all)
	}
}
