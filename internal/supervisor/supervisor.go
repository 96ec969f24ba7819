// Package supervisor wires together config, cache, media server client,
// and the one-shot/watch run loops into the single-process lifecycle spec
// §4.H describes, and handles graceful shutdown on SIGINT/SIGTERM.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapetech/nfosync/internal/apply"
	"github.com/snapetech/nfosync/internal/cache"
	"github.com/snapetech/nfosync/internal/config"
	"github.com/snapetech/nfosync/internal/health"
	"github.com/snapetech/nfosync/internal/logging"
	"github.com/snapetech/nfosync/internal/mediaserver"
	"github.com/snapetech/nfosync/internal/metrics"
	"github.com/snapetech/nfosync/internal/subtitles"
	"github.com/snapetech/nfosync/internal/walker"
	"github.com/snapetech/nfosync/internal/watch"
	"github.com/snapetech/nfosync/internal/workerpool"
)

// Options carries the run-time choices spec §6's CLI surface exposes, on
// top of the loaded Config.
type Options struct {
	BaseDirs []string
	CacheDir string
	OneShot  bool

	// DebugAddr, if non-empty, starts a /metrics listener (the "--debug"
	// CLI flag's optional debug listener, SPEC_FULL.md §10).
	DebugAddr string

	// DebugHTTP, when true, makes the media server Client log every
	// outbound request (the "--debug-http" CLI flag, spec §6).
	DebugHTTP bool
}

// Supervisor owns the collaborators constructed at startup (spec §4.H's
// "load config → init Cache → construct Server Client → provision ffmpeg
// → determine base directories → pick mode") and runs exactly one of the
// two modes until told to stop.
type Supervisor struct {
	cfg      config.Config
	opts     Options
	cache    *cache.Cache
	server   *mediaserver.Client
	pipeline *apply.Pipeline
	pool     *workerpool.Pool

	flushInterval time.Duration

	stats   RunStats
	metrics *metrics.Registry
}

// RunStats accumulates the final one-shot summary spec §7 requires ("total
// videos seen, items resolved, sidecars applied, sidecars deleted").
// Fields are updated with atomic adds from worker goroutines.
type RunStats struct {
	VideosSeen      int64
	ItemsResolved   int64
	SidecarsApplied int64
	SidecarsDeleted int64
}

func (s *RunStats) String() string {
	return fmt.Sprintf(
		"videos_seen=%d items_resolved=%d sidecars_applied=%d sidecars_deleted=%d",
		atomic.LoadInt64(&s.VideosSeen), atomic.LoadInt64(&s.ItemsResolved),
		atomic.LoadInt64(&s.SidecarsApplied), atomic.LoadInt64(&s.SidecarsDeleted))
}

// New performs the startup sequence and returns a ready-to-run Supervisor.
// ffmpeg/ffprobe are only provisioned when cfg.Subtitles is set, so a
// library running without the subtitle side path never pays the lookup
// cost or fails startup over a missing binary it doesn't need.
func New(cfg config.Config, opts Options) (*Supervisor, error) {
	cachePath := filepath.Join(opts.CacheDir, "cache.json")
	c, err := cache.Load(cachePath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: load cache: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	server := mediaserver.New(mediaserver.Config{
		BaseURL:           cfg.ServerBaseURL,
		Token:             cfg.ServerToken,
		LibraryIDs:        cfg.LibraryIDs,
		MaxConcurrentReqs: cfg.MaxConcurrentRequests,
		RequestDelay:      cfg.RequestDelayDuration(),
		DebugHTTP:         opts.DebugHTTP,
		OnResult: func(outcome string) {
			m.ServerCalls.WithLabelValues(outcome).Inc()
		},
	})

	checkCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := health.CheckServer(checkCtx, cfg.ServerBaseURL, cfg.ServerToken); err != nil {
		return nil, fmt.Errorf("supervisor: server connection failed: %w", err)
	}

	var extractor *subtitles.Extractor
	if cfg.Subtitles {
		extractor, err = subtitles.NewExtractor()
		if err != nil {
			return nil, fmt.Errorf("supervisor: provision ffmpeg: %w", err)
		}
	}

	mode := apply.ModeWatch
	if opts.OneShot {
		mode = apply.ModeOneShot
	}

	pipeline := &apply.Pipeline{
		Cache:      c,
		Server:     server,
		LibraryIDs: cfg.LibraryIDs,
		Mode:       mode,
		Policy: apply.Policy{
			AlwaysApply:          cfg.AlwaysApplyNFO,
			DeleteSidecarOnApply: cfg.DeleteNFOAfterApply,
		},
		Subtitles: extractor,
	}

	s := &Supervisor{
		cfg:           cfg,
		opts:          opts,
		cache:         c,
		server:        server,
		pipeline:      pipeline,
		flushInterval: 60 * time.Second,
		metrics:       m,
	}

	if opts.DebugAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		go func() {
			if err := http.ListenAndServe(opts.DebugAddr, mux); err != nil {
				logging.Warnf("supervisor: debug listener on %s stopped: %v", opts.DebugAddr, err)
			}
		}()
		logging.Infof("supervisor: debug metrics listening on %s", opts.DebugAddr)
	}

	s.pool = workerpool.New(cfg.Threads, 0, s.handleTask, nil)
	return s, nil
}

// handleTask resolves a task's sidecar/video counterpart and runs it
// through the Apply Pipeline, logging the outcome. This is the Handler the
// Worker Pool drives; the watch Engine calls the Pipeline directly.
func (s *Supervisor) handleTask(ctx context.Context, task workerpool.Task) bool {
	var video, sidecar string
	switch task.Kind {
	case workerpool.TaskVideo:
		video = task.Path
		sidecar = walker.SidecarFor(video)
		atomic.AddInt64(&s.stats.VideosSeen, 1)
	case workerpool.TaskSidecar:
		sidecar = task.Path
		v, ok := walker.VideoFor(sidecar)
		if !ok {
			logging.Infof("supervisor: sidecar %s seen, no companion video", sidecar)
			return true
		}
		video = v
	}

	result := s.pipeline.Apply(ctx, video, sidecar)
	s.metrics.SidecarsApplied.WithLabelValues(string(result.Action)).Inc()
	if !result.Ok() {
		logging.Warnf("supervisor: apply %s: %v", result.Path, result.Err)
		return false
	}
	if result.Action != apply.ActionNoop {
		logging.Infof("supervisor: apply %s: %s", result.Path, result.Action)
	}
	switch result.Action {
	case apply.ActionApplied:
		atomic.AddInt64(&s.stats.ItemsResolved, 1)
		atomic.AddInt64(&s.stats.SidecarsApplied, 1)
		if s.cfg.DeleteNFOAfterApply {
			atomic.AddInt64(&s.stats.SidecarsDeleted, 1)
		}
	case apply.ActionSkipped:
		atomic.AddInt64(&s.stats.ItemsResolved, 1)
		if s.cfg.DeleteNFOAfterApply {
			atomic.AddInt64(&s.stats.SidecarsDeleted, 1)
		}
	}
	return true
}

// Run picks one-shot or watch mode per spec §4.H and runs it to
// completion (one-shot) or until ctx is cancelled (watch).
func (s *Supervisor) Run(ctx context.Context) error {
	if s.opts.OneShot {
		return s.runOneShot(ctx)
	}
	return s.runWatch(ctx)
}

// runOneShot walks every base directory, feeds every discovered video into
// the Worker Pool, waits for the run to drain, flushes the Cache once more,
// and exits — spec §4.H's "Walker → Pool full run → final flush → exit 0".
func (s *Supervisor) runOneShot(ctx context.Context) error {
	s.pool.Start(ctx)

	for _, dir := range s.opts.BaseDirs {
		result, err := walker.Walk(dir)
		if err != nil {
			logging.Warnf("supervisor: walk %s: %v", dir, err)
			continue
		}
		videoStems := make(map[string]bool, len(result.Videos))
		for _, video := range result.Videos {
			videoStems[walker.SidecarFor(video)] = true
			if !s.pool.Submit(ctx, workerpool.Task{Kind: workerpool.TaskVideo, Path: video}) {
				break
			}
		}
		// Orphan sidecars: those with no companion video in this walk.
		// handleTask's TaskSidecar branch is a no-op for these (no video to
		// resolve), but submitting them still surfaces a "seen, unmatched"
		// log line instead of silently ignoring them, per spec §2's data
		// flow ("Supervisor submits each video and each orphan sidecar").
		for _, sidecar := range result.Sidecars {
			if videoStems[sidecar] {
				continue
			}
			if !s.pool.Submit(ctx, workerpool.Task{Kind: workerpool.TaskSidecar, Path: sidecar}) {
				break
			}
		}
	}

	s.pool.Shutdown()
	s.metrics.CacheSize.Set(float64(s.cache.Len()))
	logging.Infof("supervisor: run complete: %s", s.stats.String())
	if err := s.cache.Flush(); err != nil {
		return fmt.Errorf("supervisor: final flush: %w", err)
	}
	return nil
}

// runWatch starts the Event Intake engine on every base directory and a
// periodic cache flush ticker, then blocks until ctx is cancelled, per
// spec §4.H's watch-mode startup and shutdown sequence. Watch mode's
// single-threaded consumer loop (spec §5) drives the Apply Pipeline
// directly rather than through the Worker Pool, which exists for the
// one-shot walk's parallel fan-out (§4.E).
func (s *Supervisor) runWatch(ctx context.Context) error {
	watchCfg := watch.DefaultConfig()
	if s.cfg.WatchDebounceDelayDuration() > 0 {
		watchCfg.DebounceDelay = s.cfg.WatchDebounceDelayDuration()
	}
	if s.cfg.CacheRepairIntervalDuration() > 0 {
		watchCfg.RepairInterval = s.cfg.CacheRepairIntervalDuration()
	}
	if s.cfg.DelayAfterNewFileDuration() > 0 {
		watchCfg.BonusDelay = s.cfg.DelayAfterNewFileDuration()
	}

	engine, err := watch.New(watchCfg, s.pipeline, s.cache)
	if err != nil {
		return fmt.Errorf("supervisor: start event intake: %w", err)
	}
	defer engine.Close()
	engine.OnRepairSweep(func(resolved, total int) {
		s.metrics.RepairSweeps.Inc()
	})

	for _, dir := range s.opts.BaseDirs {
		if err := engine.AddRoot(dir); err != nil {
			return fmt.Errorf("supervisor: watch %s: %w", dir, err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			s.metrics.CacheSize.Set(float64(s.cache.Len()))
			s.metrics.RetryQueueDepth.Set(float64(engine.QueueDepth()))
			if err := s.cache.Flush(); err != nil {
				logging.Warnf("supervisor: periodic flush: %v", err)
			}
		}
	}

	wg.Wait()
	if err := s.cache.Flush(); err != nil {
		return fmt.Errorf("supervisor: shutdown flush: %w", err)
	}
	return nil
}
