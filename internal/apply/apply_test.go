package apply

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/snapetech/nfosync/internal/cache"
	"github.com/snapetech/nfosync/internal/descriptor"
	"github.com/snapetech/nfosync/internal/mediaserver"
)

func newFixture(t *testing.T, handler http.HandlerFunc) (*Pipeline, string, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := cache.New(filepath.Join(t.TempDir(), "cache.json"))
	client := mediaserver.New(mediaserver.Config{
		BaseURL:           srv.URL,
		Token:             "tok",
		LibraryIDs:        []int{1},
		MaxConcurrentReqs: 2,
	})

	dir := t.TempDir()
	video := filepath.Join(dir, "movie.mkv")
	sidecar := filepath.Join(dir, "movie.nfo")
	if err := os.WriteFile(video, []byte("fake video"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &Pipeline{
		Cache:      c,
		Server:     client,
		LibraryIDs: []int{1},
		Mode:       ModeOneShot,
	}
	return p, video, sidecar
}

func writeSidecar(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestApply_noSidecarIsNoop(t *testing.T) {
	p, video, sidecar := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no HTTP call expected")
	})
	result := p.Apply(t.Context(), video, sidecar)
	if result.Action != ActionNoop {
		t.Errorf("got %+v", result)
	}
}

func TestApply_emptySidecarIsNoop(t *testing.T) {
	p, video, sidecar := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no HTTP call expected")
	})
	writeSidecar(t, sidecar, "")
	result := p.Apply(t.Context(), video, sidecar)
	if result.Action != ActionNoop {
		t.Errorf("got %+v", result)
	}
}

func TestApply_fullFlow_findsEditsAndPersistsCache(t *testing.T) {
	var putQuery string
	reloadCount := 0
	p, video, sidecar := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/library/sections/1":
			fmt.Fprint(w, `<MediaContainer><Directory key="1" type="movie" title="Movies"/></MediaContainer>`)
		case r.URL.Path == "/library/sections/1/all":
			fmt.Fprintf(w, `<MediaContainer><Video ratingKey="55" title="Old"><Media><Part file="%s"/></Media></Video></MediaContainer>`, video)
		case r.Method == http.MethodPut && r.URL.Path == "/library/metadata/55":
			putQuery += r.URL.RawQuery + "|"
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/library/metadata/55":
			reloadCount++
			fmt.Fprintf(w, `<MediaContainer><Video ratingKey="55" title="New"><Media><Part file="%s"/></Media></Video></MediaContainer>`, video)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})
	writeSidecar(t, sidecar, `<movie><title>New Title</title><plot>New plot</plot><aired>2021-01-01</aired></movie>`)

	result := p.Apply(t.Context(), video, sidecar)
	if result.Action != ActionApplied {
		t.Fatalf("got %+v", result)
	}
	if reloadCount == 0 {
		t.Error("expected a reload call")
	}

	entry, ok := p.Cache.Get(video)
	if !ok || entry.ServerID != "55" || entry.DescriptorHash == "" {
		t.Errorf("cache entry = %+v ok=%v", entry, ok)
	}
}

func TestApply_cacheHitSkipsServerCalls(t *testing.T) {
	p, video, sidecar := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no HTTP call expected on cache hit")
	})
	content := `<movie><title>Same</title></movie>`
	writeSidecar(t, sidecar, content)

	_, hash, err := descriptor.Read(sidecar)
	if err != nil {
		t.Fatal(err)
	}
	p.Cache.Update(video, cache.Update{ServerID: strp("1"), DescriptorHash: &hash})

	result := p.Apply(t.Context(), video, sidecar)
	if result.Action != ActionSkipped {
		t.Errorf("got %+v", result)
	}
}

func TestApply_cacheHitWithDeleteRemovesSidecar(t *testing.T) {
	p, video, sidecar := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no HTTP call expected")
	})
	writeSidecar(t, sidecar, `<movie><title>Same</title></movie>`)
	_, hash, _ := descriptor.Read(sidecar)
	p.Cache.Update(video, cache.Update{ServerID: strp("1"), DescriptorHash: &hash})
	p.Policy.DeleteSidecarOnApply = true

	p.Apply(t.Context(), video, sidecar)
	if _, err := os.Stat(sidecar); !os.IsNotExist(err) {
		t.Errorf("expected sidecar removed, stat err = %v", err)
	}
}

func TestApply_unresolvedItemOneShotIsDeferredWithPlaceholder(t *testing.T) {
	p, video, sidecar := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/library/sections/1":
			fmt.Fprint(w, `<MediaContainer><Directory key="1" type="movie" title="Movies"/></MediaContainer>`)
		case r.URL.Path == "/library/sections/1/all":
			fmt.Fprint(w, `<MediaContainer></MediaContainer>`)
		}
	})
	writeSidecar(t, sidecar, `<movie><title>X</title></movie>`)

	result := p.Apply(t.Context(), video, sidecar)
	if result.Action != ActionDeferred {
		t.Fatalf("got %+v", result)
	}
	entry, ok := p.Cache.Get(video)
	if !ok || entry.ServerID != "" {
		t.Errorf("expected placeholder entry, got %+v ok=%v", entry, ok)
	}
}

func TestApply_unresolvedItemWatchModeFails(t *testing.T) {
	p, video, sidecar := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/library/sections/1":
			fmt.Fprint(w, `<MediaContainer><Directory key="1" type="movie" title="Movies"/></MediaContainer>`)
		case r.URL.Path == "/library/sections/1/all":
			fmt.Fprint(w, `<MediaContainer></MediaContainer>`)
		}
	})
	p.Mode = ModeWatch
	writeSidecar(t, sidecar, `<movie><title>X</title></movie>`)

	result := p.Apply(t.Context(), video, sidecar)
	if result.Action != ActionFailed {
		t.Fatalf("got %+v", result)
	}
}

func TestApply_nilSubtitlesExtractorIsSkipped(t *testing.T) {
	// newFixture's Pipeline leaves Subtitles nil; a full successful apply
	// must not attempt to dereference it.
	p, video, sidecar := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/library/sections/1":
			fmt.Fprint(w, `<MediaContainer><Directory key="1" type="movie" title="Movies"/></MediaContainer>`)
		case r.URL.Path == "/library/sections/1/all":
			fmt.Fprintf(w, `<MediaContainer><Video ratingKey="55" title="Old"><Media><Part file="%s"/></Media></Video></MediaContainer>`, video)
		case r.Method == http.MethodPut:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/library/metadata/55":
			fmt.Fprintf(w, `<MediaContainer><Video ratingKey="55" title="New"><Media><Part file="%s"/></Media></Video></MediaContainer>`, video)
		}
	})
	writeSidecar(t, sidecar, `<movie><title>New Title</title></movie>`)

	if p.Subtitles != nil {
		t.Fatal("expected Subtitles to default to nil")
	}
	result := p.Apply(t.Context(), video, sidecar)
	if result.Action != ActionApplied {
		t.Fatalf("got %+v", result)
	}
}

func strp(s string) *string { return &s }
