// Package media downloads remote attachments into a shared local directory
// for the run and cleans them up afterwards.
package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"crossposter/internal/model"
	logx "crossposter/pkg/logx"
)

type Store struct {
	dir  string
	log  logx.Logger
	http *http.Client

	fetched []string
}

func NewStore(dir string, log logx.Logger) (*Store, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "crossposter-media")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		dir:  dir,
		log:  log,
		http: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// Download fetches url into the media dir and returns the attachment with
// Path filled in.
func (s *Store) Download(ctx context.Context, url, alt string, kind model.MediaKind) (model.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.Media{}, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return model.Media{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return model.Media{}, fmt.Errorf("fetch %s: http %d", url, resp.StatusCode)
	}

	path := filepath.Join(s.dir, uuid.NewString()+extFor(resp.Header.Get("Content-Type"), url))
	f, err := os.Create(path)
	if err != nil {
		return model.Media{}, err
	}
	_, err = io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return model.Media{}, fmt.Errorf("write %s: %w", path, err)
	}

	s.fetched = append(s.fetched, path)
	s.log.Debug("media downloaded", logx.String("url", url), logx.String("path", path))
	return model.Media{Path: path, URL: url, Alt: alt, Kind: kind}, nil
}

// Cleanup removes everything downloaded through this store.
func (s *Store) Cleanup() {
	for _, p := range s.fetched {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.log.Warn("media cleanup failed", logx.String("path", p), logx.Err(err))
		}
	}
	s.fetched = nil
}

func extFor(contentType, url string) string {
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	if ext := filepath.Ext(url); len(ext) > 1 && len(ext) <= 5 {
		return ext
	}
	return ".bin"
}
