package live

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Last-Order/Minyami-sub000/internal/hls"
	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/Last-Order/Minyami-sub000/internal/platform/httpx"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// HTTPSource refetches a playlist URL. A master playlist is resolved to its
// highest bandwidth variant once and the variant URL is reused afterwards.
type HTTPSource struct {
	Fetcher *httpx.Fetcher

	mu  sync.Mutex
	url string
}

func NewHTTPSource(f *httpx.Fetcher, url string) *HTTPSource {
	return &HTTPSource{Fetcher: f, url: url}
}

func (s *HTTPSource) Fetch(ctx context.Context) (*hls.MediaPlaylist, error) {
	s.mu.Lock()
	url := s.url
	s.mu.Unlock()

	resp, err := s.Fetcher.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	pl, err := hls.Parse(string(resp.Body), resp.FinalURL)
	if err != nil {
		return nil, err
	}

	switch v := pl.(type) {
	case *hls.MediaPlaylist:
		return v, nil
	case *hls.MasterPlaylist:
		best, err := v.Best()
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.url = best.URL
		s.mu.Unlock()
		// The variant must be a media playlist, nested masters are not followed.
		resp, err := s.Fetcher.Get(ctx, best.URL)
		if err != nil {
			return nil, err
		}
		return hls.ParseMedia(string(resp.Body), resp.FinalURL)
	}
	return nil, fmt.Errorf("unexpected playlist type %T", pl)
}

// FileSource rereads a local playlist file and wakes the poller when the
// file is written.
type FileSource struct {
	path    string
	baseURL string
	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
	logger  zerolog.Logger
}

// NewFileSource watches the directory of path. Relative segment URIs
// resolve against baseURL.
func NewFileSource(path, baseURL string) (*FileSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}

	s := &FileSource{
		path:    path,
		baseURL: baseURL,
		watcher: watcher,
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  xglog.WithComponent("live"),
	}
	go s.watch()
	return s, nil
}

func (s *FileSource) watch() {
	defer close(s.done)
	target := filepath.Base(s.path)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case s.changes <- struct{}{}:
			default:
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

func (s *FileSource) Changes() <-chan struct{} { return s.changes }

func (s *FileSource) Fetch(ctx context.Context) (*hls.MediaPlaylist, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read playlist %s: %w", s.path, err)
	}
	return hls.ParseMedia(string(data), s.baseURL)
}

// Close stops the watcher goroutine.
func (s *FileSource) Close() error {
	err := s.watcher.Close()
	<-s.done
	return err
}
