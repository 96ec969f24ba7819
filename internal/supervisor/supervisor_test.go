package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snapetech/nfosync/internal/apply"
	"github.com/snapetech/nfosync/internal/config"
)

func TestNew_oneShotBuildsPipelineInOneShotMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<MediaContainer></MediaContainer>`)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Config{
		ServerBaseURL:         srv.URL,
		ServerToken:           "tok",
		LibraryIDs:            []int{1},
		Threads:               2,
		MaxConcurrentRequests: 2,
	}
	s, err := New(cfg, Options{BaseDirs: []string{t.TempDir()}, CacheDir: t.TempDir(), OneShot: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.pipeline.Mode != apply.ModeOneShot {
		t.Errorf("pipeline.Mode = %v, want ModeOneShot", s.pipeline.Mode)
	}
}

func TestRunOneShot_walksAndAppliesThenFlushes(t *testing.T) {
	var sectionHits, allHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/library/sections/1":
			sectionHits++
			fmt.Fprint(w, `<MediaContainer><Directory key="1" type="movie" title="Movies"/></MediaContainer>`)
		case r.URL.Path == "/library/sections/1/all":
			allHits++
			fmt.Fprint(w, `<MediaContainer></MediaContainer>`)
		}
	}))
	t.Cleanup(srv.Close)

	root := t.TempDir()
	video := filepath.Join(root, "movie.mkv")
	sidecar := filepath.Join(root, "movie.nfo")
	os.WriteFile(video, []byte("fake"), 0o644)
	os.WriteFile(sidecar, []byte(`<movie><title>X</title></movie>`), 0o644)

	cacheDir := t.TempDir()
	cfg := config.Config{
		ServerBaseURL:         srv.URL,
		ServerToken:           "tok",
		LibraryIDs:            []int{1},
		Threads:               2,
		MaxConcurrentRequests: 2,
		DeleteNFOAfterApply:   false,
	}
	s, err := New(cfg, Options{BaseDirs: []string{root}, CacheDir: cacheDir, OneShot: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sectionHits == 0 || allHits == 0 {
		t.Errorf("expected library search calls, got sectionHits=%d allHits=%d", sectionHits, allHits)
	}

	entry, ok := s.cache.Get(video)
	if !ok {
		t.Fatalf("expected a cache entry for %s after one-shot run", video)
	}
	if entry.ServerID != "" {
		t.Errorf("expected placeholder entry (item unresolved), got %+v", entry)
	}

	if _, err := os.Stat(filepath.Join(cacheDir, "cache.json")); err != nil {
		t.Errorf("expected cache file to be flushed to disk: %v", err)
	}
}

func TestRunWatch_stopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<MediaContainer></MediaContainer>`)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Config{
		ServerBaseURL:         srv.URL,
		ServerToken:           "tok",
		LibraryIDs:            []int{1},
		Threads:               2,
		MaxConcurrentRequests: 2,
	}
	s, err := New(cfg, Options{BaseDirs: []string{t.TempDir()}, CacheDir: t.TempDir(), OneShot: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.flushInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
