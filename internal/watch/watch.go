// Package watch implements the Event Intake & Retry Engine (spec §4.F): a
// recursive fsnotify watch over the library roots feeding a debounced,
// per-path retry queue that drives the Apply Pipeline.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/snapetech/nfosync/internal/apply"
	"github.com/snapetech/nfosync/internal/cache"
	"github.com/snapetech/nfosync/internal/logging"
	"github.com/snapetech/nfosync/internal/walker"
)

// Config holds the tunables spec §4.F names, each with its documented
// default.
type Config struct {
	DebounceDelay       time.Duration // default 2s
	VideoInitialDelay   time.Duration // default 5s
	SidecarInitialDelay time.Duration // default 30s
	MaxRetryDelay       time.Duration // default 600s
	MaxSidecarAttempts  int           // default 5
	RepairInterval      time.Duration // default 300s
	BonusDelay          time.Duration // default 60s
}

// DefaultConfig returns spec §4.F's documented defaults.
func DefaultConfig() Config {
	return Config{
		DebounceDelay:       2 * time.Second,
		VideoInitialDelay:   5 * time.Second,
		SidecarInitialDelay: 30 * time.Second,
		MaxRetryDelay:       600 * time.Second,
		MaxSidecarAttempts:  5,
		RepairInterval:      300 * time.Second,
		BonusDelay:          60 * time.Second,
	}
}

type kind int

const (
	kindVideo kind = iota
	kindSidecar
)

// retryItem tracks one queued path's backoff state.
type retryItem struct {
	kind         kind
	dueAt        time.Time
	currentDelay time.Duration
	attempts     int
}

// Engine owns the fsnotify watch, the debounce and retry-queue state, and
// drives the Apply Pipeline for paths as they become due.
type Engine struct {
	cfg      Config
	pipeline *apply.Pipeline
	c        *cache.Cache

	watcher *fsnotify.Watcher

	mu          sync.Mutex
	watchedDirs map[string]bool
	lastEvent   map[string]time.Time
	retryQueue  map[string]*retryItem

	bonusMu    sync.Mutex
	bonusTimer *time.Timer

	// onRepairSweep, if set, is called after every completed repair sweep
	// with the number of entries resolved and the number considered. Used
	// by the Supervisor to drive a metrics counter without this package
	// importing the metrics package directly.
	onRepairSweep func(resolved, total int)
}

// OnRepairSweep registers a callback invoked after every completed repair
// sweep.
func (e *Engine) OnRepairSweep(f func(resolved, total int)) {
	e.onRepairSweep = f
}

// New constructs an Engine. The caller still must call AddRoot for each
// base directory and then Run.
func New(cfg Config, pipeline *apply.Pipeline, c *cache.Cache) (*Engine, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:         cfg,
		pipeline:    pipeline,
		c:           c,
		watcher:     w,
		watchedDirs: map[string]bool{},
		lastEvent:   map[string]time.Time{},
		retryQueue:  map[string]*retryItem{},
	}, nil
}

// Close releases the underlying OS watch handles.
func (e *Engine) Close() error {
	return e.watcher.Close()
}

// QueueDepth reports the number of paths currently pending in the retry
// queue, for the Supervisor's periodic metrics gauge.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retryQueue)
}

// AddRoot recursively registers root and every subdirectory it currently
// contains with the watcher. fsnotify has no native recursive mode, so
// every directory must be added individually.
func (e *Engine) AddRoot(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		return e.addDir(path)
	})
}

func (e *Engine) addDir(dir string) error {
	e.mu.Lock()
	already := e.watchedDirs[dir]
	e.mu.Unlock()
	if already {
		return nil
	}
	if err := e.watcher.Add(dir); err != nil {
		return err
	}
	e.mu.Lock()
	e.watchedDirs[dir] = true
	e.mu.Unlock()
	return nil
}

// Run starts the fsnotify event loop, the 1s consumer tick, and the repair
// sweep timer. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	consumerTick := time.NewTicker(1 * time.Second)
	defer consumerTick.Stop()
	repairTick := time.NewTicker(e.cfg.RepairInterval)
	defer repairTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			e.handleEvent(ev)
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			logging.Warnf("watch: fsnotify error: %v", err)
		case <-consumerTick.C:
			e.processRetryQueue(ctx)
		case <-repairTick.C:
			e.repairSweep(ctx)
		}
	}
}

// handleEvent implements spec §4.F's intake filtering and debounce.
func (e *Engine) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	base := filepath.Base(path)
	if base == "" || base[0] == '.' {
		return
	}

	if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
		resolved := canonical(path)
		e.c.Remove(resolved)
		e.mu.Lock()
		delete(e.retryQueue, resolved)
		e.mu.Unlock()
		return
	}

	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			if err := e.AddRoot(path); err != nil {
				logging.Warnf("watch: failed to watch new directory %s: %v", path, err)
			}
			res, err := walker.Walk(path)
			if err == nil {
				for _, v := range res.Videos {
					e.enqueueDebounced(v, kindVideo)
				}
				for _, s := range res.Sidecars {
					e.enqueueDebounced(s, kindSidecar)
				}
			}
		}
		return
	}

	switch {
	case walker.IsVideo(path):
		e.enqueueDebounced(canonical(path), kindVideo)
	case walker.IsSidecar(path):
		e.enqueueDebounced(canonical(path), kindSidecar)
	}
}

func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func (e *Engine) enqueueDebounced(path string, k kind) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.lastEvent[path]; ok && now.Sub(last) < e.cfg.DebounceDelay {
		return
	}
	e.lastEvent[path] = now

	if _, queued := e.retryQueue[path]; queued {
		return
	}
	initial := e.cfg.VideoInitialDelay
	if k == kindSidecar {
		initial = e.cfg.SidecarInitialDelay
	}
	e.retryQueue[path] = &retryItem{
		kind:         k,
		dueAt:        now.Add(initial),
		currentDelay: initial,
	}
}

// processRetryQueue implements spec §4.F's consumer loop: snapshot due
// entries, dispatch each, and reschedule failures with doubling backoff.
func (e *Engine) processRetryQueue(ctx context.Context) {
	now := time.Now()
	type due struct {
		path string
		item retryItem
	}
	var ready []due

	e.mu.Lock()
	for path, item := range e.retryQueue {
		if !item.dueAt.After(now) {
			ready = append(ready, due{path: path, item: *item})
		}
	}
	e.mu.Unlock()

	if len(ready) == 0 {
		return
	}

	unresolvedNewFile := false
	for _, d := range ready {
		if _, err := os.Stat(d.path); err != nil {
			e.c.Remove(d.path)
			e.mu.Lock()
			delete(e.retryQueue, d.path)
			e.mu.Unlock()
			continue
		}

		ok, deferred := e.dispatch(ctx, d.path, d.item.kind)
		if ok {
			e.mu.Lock()
			delete(e.retryQueue, d.path)
			e.mu.Unlock()
			continue
		}
		if deferred {
			unresolvedNewFile = true
		}

		e.mu.Lock()
		cur := e.retryQueue[d.path]
		if cur == nil {
			e.mu.Unlock()
			continue
		}
		cur.currentDelay = minDuration(cur.currentDelay*2, e.cfg.MaxRetryDelay)
		cur.attempts++
		cur.dueAt = time.Now().Add(cur.currentDelay)
		dropSidecar := d.item.kind == kindSidecar && cur.attempts >= e.cfg.MaxSidecarAttempts
		if dropSidecar {
			delete(e.retryQueue, d.path)
			logging.Warnf("watch: giving up on sidecar %s after %d attempts", d.path, cur.attempts)
		}
		e.mu.Unlock()
	}

	if unresolvedNewFile {
		e.scheduleBonus(ctx)
	}

	if e.c.Len() > 0 {
		if err := e.c.Flush(); err != nil {
			logging.Warnf("watch: cache flush failed: %v", err)
		}
	}
}

// dispatch runs the Apply Pipeline for one due path, deriving the
// companion path per spec §4.F. The second return reports whether the
// failure was specifically an unresolved server item (eligible for the
// bonus repair trigger).
func (e *Engine) dispatch(ctx context.Context, path string, k kind) (ok bool, deferredUnresolved bool) {
	var video, sidecar string
	switch k {
	case kindVideo:
		video = path
		sidecar = walker.SidecarFor(path)
	case kindSidecar:
		sidecar = path
		companion, found := walker.VideoFor(path)
		if !found {
			return false, false
		}
		video = companion
	}

	result := e.pipeline.Apply(ctx, video, sidecar)
	switch result.Action {
	case apply.ActionFailed:
		return false, result.Unresolved
	default:
		return true, false
	}
}

// repairSweep implements spec §4.F's periodic retry of cache entries
// missing a resolved server id. Each run is tagged with a correlation id
// so its log lines can be grepped together across a long watch session.
func (e *Engine) repairSweep(ctx context.Context) {
	runID := uuid.NewString()
	pending := e.c.EntriesMissingServerID()
	logging.Infof("watch: repair sweep %s starting, %d entries missing server id", runID, len(pending))

	resolved := 0
	for _, path := range pending {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		item, err := e.pipeline.Server.FindItemByFile(ctx, path, e.pipeline.LibraryIDs)
		if err != nil || item == nil {
			continue
		}
		id := item.ID
		e.c.Update(path, cache.Update{ServerID: &id})
		resolved++
	}
	if err := e.c.Flush(); err != nil {
		logging.Warnf("watch: repair sweep %s flush failed: %v", runID, err)
	}
	logging.Infof("watch: repair sweep %s done, resolved %d/%d", runID, resolved, len(pending))
	if e.onRepairSweep != nil {
		e.onRepairSweep(resolved, len(pending))
	}
}

// scheduleBonus arranges a one-off repair sweep BonusDelay after an
// unresolved new-file event, compressing the gap to the next scheduled
// sweep. Re-arming replaces any pending bonus timer rather than stacking.
func (e *Engine) scheduleBonus(ctx context.Context) {
	e.bonusMu.Lock()
	defer e.bonusMu.Unlock()
	if e.bonusTimer != nil {
		e.bonusTimer.Stop()
	}
	e.bonusTimer = time.AfterFunc(e.cfg.BonusDelay, func() {
		e.repairSweep(ctx)
	})
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
