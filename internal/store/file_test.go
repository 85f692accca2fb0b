package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crossposter/internal/model"
	logx "crossposter/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(dir, "delivery.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func countFileLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatalf("read %s: %v", path, err)
	}
	return len(strings.Split(strings.TrimRight(string(b), "\n"), "\n"))
}

func TestAppendDedupExactMatch(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	ctx := context.Background()
	path := filepath.Join(dir, "delivery.jsonl")

	rec := NewRecord()
	rec.IDs[model.DestMastodon] = "m1"

	if err := s.Append(ctx, "p1", rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, "p1", rec); err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if got := countFileLines(t, path); got != 1 {
		t.Fatalf("expected 1 line after duplicate append, got %d", got)
	}

	// A different id whose serialized line contains the first one as a
	// substring must still be written.
	rec2 := rec.Clone()
	if err := s.Append(ctx, "p1-suffix", rec2); err != nil {
		t.Fatalf("append other id: %v", err)
	}
	if got := countFileLines(t, path); got != 2 {
		t.Fatalf("expected 2 lines, got %d", got)
	}

	// A changed record for the same id appends a new line.
	rec.Failed[model.DestDiscord] = 1
	if err := s.Append(ctx, "p1", rec); err != nil {
		t.Fatalf("append changed: %v", err)
	}
	if got := countFileLines(t, path); got != 3 {
		t.Fatalf("expected 3 lines after change, got %d", got)
	}
}

func TestLoadNormalizesLegacyLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "delivery.jsonl")

	lines := []string{
		// pre-rename shape: "skeet" id field, camelCase id keys, no failed map
		`{"skeet":"old1","ids":{"mastodonId":"m9","bskyId":"b9","discordId":""}}`,
		`not json at all`,
		// current shape
		`{"post":"new1","ids":{"telegram_id":"t1","tumblr_id":"skipped"},"failed":{"telegram":2}}`,
		// no id at all: skipped
		`{"ids":{"mastodon_id":"x"}}`,
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	s := openTestStore(t, dir)
	all, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}

	old := all["old1"]
	if old.IDs[model.DestMastodon] != "m9" || old.IDs[model.DestBluesky] != "b9" {
		t.Fatalf("legacy keys not normalized: %+v", old.IDs)
	}
	if old.Failed[model.DestMastodon] != 0 {
		t.Fatalf("missing failure count should default to 0, got %d", old.Failed[model.DestMastodon])
	}

	cur := all["new1"]
	if cur.IDs[model.DestTelegram] != "t1" || cur.IDs[model.DestTumblr] != Skipped {
		t.Fatalf("unexpected ids: %+v", cur.IDs)
	}
	if cur.Failed[model.DestTelegram] != 2 {
		t.Fatalf("expected telegram failures 2, got %d", cur.Failed[model.DestTelegram])
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	ctx := context.Background()

	all := map[string]Record{}
	for i := 0; i < 5; i++ {
		rec := NewRecord()
		rec.IDs[model.DestMastodon] = fmt.Sprintf("m%d", i)
		rec.Failed[model.DestTumblr] = i
		all[fmt.Sprintf("p%d", i)] = rec
	}
	if err := s.Save(ctx, all); err != nil {
		t.Fatalf("save: %v", err)
	}

	s2 := openTestStore(t, dir)
	got, err := s2.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != len(all) {
		t.Fatalf("expected %d records, got %d", len(all), len(got))
	}
	for id, want := range all {
		have := got[id]
		if have.IDs[model.DestMastodon] != want.IDs[model.DestMastodon] {
			t.Fatalf("record %s: ids differ: %+v vs %+v", id, have.IDs, want.IDs)
		}
		if have.Failed[model.DestTumblr] != want.Failed[model.DestTumblr] {
			t.Fatalf("record %s: failures differ", id)
		}
	}
}

func seedLines(t *testing.T, path string, n int) {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, `{"post":"p%d","ids":{},"failed":{}}`+"\n", i)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		t.Fatalf("seed %s: %v", path, err)
	}
}

func TestBackupFreshWithin24hIsNoop(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	ctx := context.Background()
	path := filepath.Join(dir, "delivery.jsonl")
	backup := path + ".bak"

	seedLines(t, path, 3)
	if err := s.Backup(ctx); err != nil {
		t.Fatalf("first backup: %v", err)
	}
	if got := countFileLines(t, backup); got != 3 {
		t.Fatalf("expected 3 backup lines, got %d", got)
	}

	seedLines(t, path, 5)
	if err := s.Backup(ctx); err != nil {
		t.Fatalf("second backup: %v", err)
	}
	if got := countFileLines(t, backup); got != 3 {
		t.Fatalf("backup refreshed within 24h, got %d lines", got)
	}
}

func TestBackupReplacesStaleSmallerBackup(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	ctx := context.Background()
	path := filepath.Join(dir, "delivery.jsonl")
	backup := path + ".bak"

	seedLines(t, path, 10)
	seedLines(t, backup, 8)
	old := time.Now().Add(-25 * time.Hour)
	if err := os.Chtimes(backup, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := s.Backup(ctx); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if got := countFileLines(t, backup); got != 10 {
		t.Fatalf("expected refreshed backup with 10 lines, got %d", got)
	}

	archived, err := filepath.Glob(backup + "_*")
	if err != nil || len(archived) != 0 {
		t.Fatalf("stale smaller backup must not be archived, found %v", archived)
	}
}

func TestBackupArchivesWhenLiveLogShrank(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	ctx := context.Background()
	path := filepath.Join(dir, "delivery.jsonl")
	backup := path + ".bak"

	seedLines(t, path, 6)
	seedLines(t, backup, 9)
	old := time.Now().Add(-25 * time.Hour)
	if err := os.Chtimes(backup, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := s.Backup(ctx); err != nil {
		t.Fatalf("backup: %v", err)
	}

	archived := backup + "_" + time.Now().UTC().Format("060102")
	if got := countFileLines(t, archived); got != 9 {
		t.Fatalf("expected archived backup with 9 lines, got %d", got)
	}
	if got := countFileLines(t, backup); got != 6 {
		t.Fatalf("expected new backup with 6 lines, got %d", got)
	}
}

func TestBackupArchivesWhenCountsEqual(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	ctx := context.Background()
	path := filepath.Join(dir, "delivery.jsonl")
	backup := path + ".bak"

	seedLines(t, path, 10)
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&sb, `{"post":"old%d","ids":{},"failed":{}}`+"\n", i)
	}
	if err := os.WriteFile(backup, []byte(sb.String()), 0o600); err != nil {
		t.Fatalf("seed backup: %v", err)
	}
	old := time.Now().Add(-25 * time.Hour)
	if err := os.Chtimes(backup, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := s.Backup(ctx); err != nil {
		t.Fatalf("backup: %v", err)
	}

	// Equal line counts archive the old copy instead of overwriting it.
	archived, err := os.ReadFile(backup + "_" + time.Now().UTC().Format("060102"))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if !strings.Contains(string(archived), `"old0"`) {
		t.Fatalf("archive does not hold the previous backup")
	}
	live, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read live log: %v", err)
	}
	refreshed, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(refreshed) != string(live) {
		t.Fatalf("refreshed backup does not match the live log")
	}
}

func TestLastPostedPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SetLastPosted("p1", at); err != nil {
		t.Fatalf("set last posted: %v", err)
	}

	s2 := openTestStore(t, dir)
	got, ok := s2.LastPosted("p1")
	if !ok {
		t.Fatalf("expected cached timestamp after reopen")
	}
	if !got.Equal(at) {
		t.Fatalf("expected %v, got %v", at, got)
	}
	if _, ok := s2.LastPosted("p2"); ok {
		t.Fatalf("unexpected cache hit for unknown id")
	}
}
