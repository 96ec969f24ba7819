// Package apply implements the Apply Pipeline (spec §4.D): the single-path
// reconciliation that takes a video file and its optional sidecar and makes
// the media server's metadata match it.
package apply

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/snapetech/nfosync/internal/cache"
	"github.com/snapetech/nfosync/internal/descriptor"
	"github.com/snapetech/nfosync/internal/logging"
	"github.com/snapetech/nfosync/internal/mediaserver"
	"github.com/snapetech/nfosync/internal/subtitles"
)

// Action summarises what one Apply call did, in the style of the teacher's
// DVRSyncResult{Instance, Action, ...}: a short label for logging plus an
// error when the outcome is a failure.
type Action string

const (
	ActionNoop     Action = "noop"     // no sidecar present, nothing to do
	ActionSkipped  Action = "skipped"  // cache hit, hash unchanged
	ActionApplied  Action = "applied"  // fields written and confirmed
	ActionDeferred Action = "deferred" // item unresolved in one-shot mode, repair will retry
	ActionFailed   Action = "failed"
)

// ErrItemUnresolved marks a failed Apply whose cause was specifically "no
// matching server item found" rather than a transport or edit failure. Watch
// mode's dispatcher uses this to distinguish an unresolved new file (which
// should trigger the bonus repair sweep) from any other failure.
var ErrItemUnresolved = errors.New("apply: could not resolve server item")

// Result is the outcome of one Apply call.
type Result struct {
	Path   string
	Action Action
	Err    error

	// Unresolved is set when Action is ActionFailed and the cause was an
	// item resolution miss (errors.Is(Err, ErrItemUnresolved)), so callers
	// can distinguish it from other failures without re-inspecting Err.
	Unresolved bool
}

func (r Result) Ok() bool {
	return r.Action != ActionFailed
}

// Mode distinguishes one-shot runs (library walk) from watch mode (event
// intake), which disagree on what to do with an unresolved item (spec §4.D
// step 6c).
type Mode int

const (
	ModeOneShot Mode = iota
	ModeWatch
)

// Policy carries the two knobs spec §4.D says are passed in, not global.
type Policy struct {
	AlwaysApply          bool
	DeleteSidecarOnApply bool
}

// Pipeline bundles the collaborators one Apply call needs.
type Pipeline struct {
	Cache      *cache.Cache
	Server     *mediaserver.Client
	LibraryIDs []int
	Mode       Mode
	Policy     Policy

	// Subtitles, when non-nil, runs the subtitle side path (spec §4.I)
	// against the resolved item after a successful field edit. Left nil
	// when the "subtitles" config key is off.
	Subtitles *subtitles.Extractor
}

// Apply reconciles a single video path against its sidecar, following the
// ten steps of spec §4.D.
func (p *Pipeline) Apply(ctx context.Context, videoPath, sidecarPath string) Result {
	video := canonicalize(videoPath)
	sidecar := canonicalize(sidecarPath)

	// Step 2: fast exit if no sidecar.
	info, err := os.Stat(sidecar)
	if err != nil || info.Size() == 0 {
		return Result{Path: video, Action: ActionNoop}
	}

	// Step 3: hash the sidecar.
	fields, hash, err := descriptor.Read(sidecar)
	if err != nil {
		return Result{Path: video, Action: ActionFailed, Err: err}
	}

	// Step 4: cache lookup.
	entry, _ := p.Cache.Get(video)

	// Step 5: idempotence gate.
	if entry.DescriptorHash == hash && !p.Policy.AlwaysApply {
		logging.Infof("apply: cache hit for %s, skipping", video)
		if p.Policy.DeleteSidecarOnApply {
			if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
				logging.Warnf("apply: failed to remove sidecar %s after cache hit: %v", sidecar, err)
			}
		}
		return Result{Path: video, Action: ActionSkipped}
	}

	// Step 6: resolve the item.
	item, deferred, err := p.resolveItem(ctx, video, entry)
	if err != nil {
		return Result{Path: video, Action: ActionFailed, Err: err, Unresolved: errors.Is(err, ErrItemUnresolved)}
	}
	if deferred {
		return Result{Path: video, Action: ActionDeferred}
	}

	// Step 7/8: apply fields and sort title, then confirm.
	if err := p.applyFields(ctx, item, fields); err != nil {
		return Result{Path: video, Action: ActionFailed, Err: err}
	}

	// Subtitle side path (spec §4.I): best-effort, never turns an
	// otherwise-successful apply into a failure.
	if p.Subtitles != nil {
		p.runSubtitles(ctx, video, item)
	}

	// Step 9: persist.
	p.Cache.Update(video, cache.Update{ServerID: &item.ID, DescriptorHash: &hash})

	// Step 10: post-apply delete.
	if p.Policy.DeleteSidecarOnApply {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			logging.Warnf("apply: failed to remove sidecar %s after apply: %v", sidecar, err)
		}
	}

	return Result{Path: video, Action: ActionApplied}
}

// resolveItem implements step 6: try the cached server id, fall back to a
// file search, and on continued failure behave differently by mode.
func (p *Pipeline) resolveItem(ctx context.Context, video string, entry cache.Entry) (item *mediaserver.Item, deferred bool, err error) {
	if entry.ServerID != "" {
		item, err = p.Server.FetchItem(ctx, entry.ServerID)
		if err != nil {
			return nil, false, err
		}
	}
	if item == nil {
		item, err = p.Server.FindItemByFile(ctx, video, p.LibraryIDs)
		if err != nil {
			return nil, false, err
		}
		if item != nil {
			id := item.ID
			p.Cache.Update(video, cache.Update{ServerID: &id})
		}
	}
	if item != nil {
		return item, false, nil
	}

	switch p.Mode {
	case ModeOneShot:
		placeholder := ""
		p.Cache.Update(video, cache.Update{ServerID: &placeholder})
		return nil, true, nil
	default: // ModeWatch
		return nil, false, fmt.Errorf("%w: %s", ErrItemUnresolved, video)
	}
}

// applyFields implements step 8: batch-edit title/summary/aired (locking
// every present field), then the sort title via its own path, then a
// reload to confirm the write landed.
func (p *Pipeline) applyFields(ctx context.Context, item *mediaserver.Item, fields descriptor.Fields) error {
	edit := mediaserver.Fields{}
	if fields.Title != "" {
		edit.Title = &fields.Title
	}
	if fields.Summary != "" {
		edit.Summary = &fields.Summary
	}
	if fields.Aired != "" {
		edit.Aired = &fields.Aired
	}
	if err := p.Server.EditItem(ctx, item, edit); err != nil {
		return fmt.Errorf("apply: edit item %s: %w", item.ID, err)
	}

	if fields.SortTitle != "" {
		if err := p.Server.EditSortTitle(ctx, item, fields.SortTitle); err != nil {
			return fmt.Errorf("apply: edit sort title %s: %w", item.ID, err)
		}
	}

	if _, err := p.Server.ReloadItem(ctx, item); err != nil {
		return fmt.Errorf("apply: reload item %s: %w", item.ID, err)
	}
	return nil
}

// runSubtitles extracts and uploads embedded subtitle tracks for video,
// logging rather than failing the whole apply on trouble — the core field
// sync already landed by the time this runs.
func (p *Pipeline) runSubtitles(ctx context.Context, video string, item *mediaserver.Item) {
	extracted, err := p.Subtitles.ExtractAll(ctx, video)
	if err != nil {
		logging.Warnf("apply: subtitle extraction for %s: %v", video, err)
	}
	if len(extracted) == 0 {
		return
	}
	if err := subtitles.UploadAll(ctx, p.Server, item, extracted); err != nil {
		logging.Warnf("apply: subtitle upload for %s: %v", video, err)
	}
}

// canonicalize resolves symlinks on an existing path; a path that doesn't
// exist yet (or vanished under us) is just made absolute.
func canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return abs
		}
		return abs
	}
	return resolved
}
