package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"crossposter/internal/model"
	logx "crossposter/pkg/logx"
)

// fileStore is the default persistence backend.
//
// Files:
//   - <path>            delivery log (append-only JSON Lines, rewritten by Save)
//   - <path>.cache.json last-posted timestamps (snapshot)
//   - <backup>          full copy of the log, refreshed at most once per 24h
//   - <backup>_<YYMMDD> archived backup kept when the live log shrank
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path       string
	backupPath string

	// index maps post id -> serialized log line, for exact-match
	// dedup-on-write. Built lazily from the log file.
	index map[string]string

	cachePath string
	cache     map[string]time.Time
}

// logLine is the on-disk record shape. Map keys marshal sorted, so identical
// records always serialize to identical bytes.
type logLine struct {
	Post   string            `json:"post"`
	IDs    map[string]string `json:"ids"`
	Failed map[string]int    `json:"failed"`
}

// Legacy key spellings accepted on read and normalized to <dest>_id.
var legacyIDKeys = map[model.Destination][]string{
	model.DestMastodon: {"mastodonId"},
	model.DestDiscord:  {"discordId"},
	model.DestTumblr:   {"tumblrId"},
	model.DestTelegram: {"telegramId"},
	model.DestBluesky:  {"bsky_id", "bskyId"},
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	backup := cfg.BackupPath
	if backup == "" {
		backup = path + ".bak"
	}

	s := &fileStore{
		log:        log,
		path:       path,
		backupPath: backup,
		cachePath:  path + ".cache.json",
		cache:      map[string]time.Time{},
	}
	s.loadCache()
	return s, nil
}

func (s *fileStore) Close() error { return nil }

// Load parses the delivery log. Malformed lines are skipped, never fatal.
func (s *fileStore) Load(ctx context.Context) (map[string]Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	all := map[string]Record{}
	s.index = map[string]string{}

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return all, nil
		}
		return nil, err
	}
	defer f.Close()

	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var raw struct {
			Post   string            `json:"post"`
			Skeet  string            `json:"skeet"` // pre-rename field name
			IDs    map[string]string `json:"ids"`
			Failed map[string]int    `json:"failed"`
		}
		if err := json.Unmarshal(sc.Bytes(), &raw); err != nil {
			skipped++
			continue
		}
		id := raw.Post
		if id == "" {
			id = raw.Skeet
		}
		if id == "" {
			skipped++
			continue
		}

		rec := NewRecord()
		for _, d := range model.Destinations {
			if v, ok := raw.IDs[string(d)+"_id"]; ok && v != "" {
				rec.IDs[d] = v
				continue
			}
			for _, alias := range legacyIDKeys[d] {
				if v, ok := raw.IDs[alias]; ok && v != "" {
					rec.IDs[d] = v
					break
				}
			}
		}
		// Missing failure counters default to 0 (already set by NewRecord).
		for _, d := range model.Destinations {
			if n, ok := raw.Failed[string(d)]; ok {
				rec.Failed[d] = n
			}
		}

		all[id] = rec
		s.index[id] = string(marshalLine(id, rec))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if skipped > 0 {
		s.log.Warn("skipped malformed delivery log lines", logx.Int("count", skipped), logx.String("path", s.path))
	}
	return all, nil
}

// Append writes one line reflecting the current state of id. The write is
// skipped when the log already holds an identical serialized record for this
// id (exact match on the indexed line, not substring containment).
func (s *fileStore) Append(ctx context.Context, id string, rec Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIndexLocked(); err != nil {
		return err
	}

	line := string(marshalLine(id, rec))
	if prev, ok := s.index[id]; ok && prev == line {
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.index[id] = line
	s.log.Debug("delivery record appended", logx.String("post", id))
	return nil
}

// Save overwrites the log with the in-memory state: the authoritative
// reconciliation path at the end of a run.
func (s *fileStore) Save(ctx context.Context, all map[string]Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	index := make(map[string]string, len(all))
	w := bufio.NewWriter(f)
	for _, id := range ids {
		line := string(marshalLine(id, all[id]))
		if _, err := w.WriteString(line + "\n"); err != nil {
			_ = f.Close()
			return err
		}
		index[id] = line
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	s.index = index
	s.log.Info("delivery log saved", logx.Int("records", len(all)))
	return nil
}

// Backup refreshes the log copy at most once per 24h. A backup with fewer
// lines than the live log is stale and safe to overwrite; a backup with more
// lines means the live log shrank, so the old backup is archived with a date
// suffix before the new copy is written.
func (s *fileStore) Backup(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); err != nil {
		return nil // nothing to back up
	}
	if err := os.MkdirAll(filepath.Dir(s.backupPath), 0o755); err != nil {
		return err
	}

	if fi, err := os.Stat(s.backupPath); err == nil {
		if time.Since(fi.ModTime()) < 24*time.Hour {
			return nil
		}
		if countLines(s.backupPath) < countLines(s.path) {
			if err := os.Remove(s.backupPath); err != nil {
				return err
			}
		} else {
			archived := s.backupPath + "_" + time.Now().UTC().Format("060102")
			if err := os.Rename(s.backupPath, archived); err != nil {
				return err
			}
			s.log.Error("backup has more entries than live delivery log, archived old backup",
				logx.String("archived", archived))
		}
	}

	if err := copyFile(s.path, s.backupPath); err != nil {
		return err
	}
	s.log.Info("delivery log backed up", logx.String("path", s.backupPath))
	return nil
}

func (s *fileStore) LastPosted(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.cache[id]
	return t, ok
}

func (s *fileStore) SetLastPosted(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[id] = at.UTC()
	return s.saveCacheLocked()
}

func (s *fileStore) ensureIndexLocked() error {
	if s.index != nil {
		return nil
	}
	s.index = map[string]string{}
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var raw struct {
			Post  string `json:"post"`
			Skeet string `json:"skeet"`
		}
		if err := json.Unmarshal(sc.Bytes(), &raw); err != nil {
			continue
		}
		id := raw.Post
		if id == "" {
			id = raw.Skeet
		}
		if id != "" {
			s.index[id] = sc.Text()
		}
	}
	return sc.Err()
}

func (s *fileStore) loadCache() {
	b, err := os.ReadFile(s.cachePath)
	if err != nil {
		return
	}
	m := map[string]time.Time{}
	if err := json.Unmarshal(b, &m); err != nil {
		s.log.Warn("post cache unreadable, starting empty", logx.Err(err))
		return
	}
	s.cache = m
}

func (s *fileStore) saveCacheLocked() error {
	b, err := json.Marshal(s.cache)
	if err != nil {
		return err
	}
	tmp := s.cachePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.cachePath)
}

func marshalLine(id string, rec Record) []byte {
	ids := make(map[string]string, len(rec.IDs))
	failed := make(map[string]int, len(rec.Failed))
	for _, d := range model.Destinations {
		ids[string(d)+"_id"] = rec.IDs[d]
		failed[string(d)] = rec.Failed[d]
	}
	b, _ := json.Marshal(logLine{Post: id, IDs: ids, Failed: failed})
	return b
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	return n
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
