// Package walker recursively enumerates a media library directory into
// deduplicated sets of video and sidecar paths (spec §4.G).
package walker

import (
	"os"
	"path/filepath"
	"strings"
)

// VideoExtensions is the full set of video container extensions nfosync
// recognises, per spec §4.F / §4.G.
var VideoExtensions = []string{".mkv", ".mp4", ".avi", ".mov", ".wmv", ".flv", ".m4v"}

// SidecarExtension is the descriptor file suffix.
const SidecarExtension = ".nfo"

// ignoredDirNames are directories skipped entirely, regardless of depth:
// synology's per-directory thumbnail/index cache, and anything hidden.
var ignoredDirNames = map[string]bool{
	"@eaDir": true,
}

// IsVideo reports whether path has a recognised video extension.
func IsVideo(path string) bool {
	return matchesExt(path, VideoExtensions)
}

// IsSidecar reports whether path has the sidecar extension.
func IsSidecar(path string) bool {
	return strings.EqualFold(filepath.Ext(path), SidecarExtension)
}

func matchesExt(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Result holds the deduplicated, canonical-absolute-path sets a Walk
// produces.
type Result struct {
	Videos   []string
	Sidecars []string
}

// Walk recursively enumerates root, returning every video and sidecar file
// found. Hidden names and known system-sidecar directories (e.g. @eaDir)
// are skipped. Symlinked directories are not followed, which breaks any
// symlink loop by construction rather than by tracking visited real paths.
// Walk is not parallel: directory I/O is not the bottleneck the pipeline
// has to optimise for.
func Walk(root string) (Result, error) {
	videoSeen := map[string]bool{}
	sidecarSeen := map[string]bool{}
	var res Result

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := info.Name()
		if path != root && isHidden(name) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if ignoredDirNames[name] {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			// Don't resolve symlinked entries at all: a symlinked directory
			// could reintroduce a cycle, and a symlinked file adds no value
			// over refusing it outright.
			return nil
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			return nil
		}
		switch {
		case IsVideo(abs):
			if !videoSeen[abs] {
				videoSeen[abs] = true
				res.Videos = append(res.Videos, abs)
			}
		case IsSidecar(abs):
			if !sidecarSeen[abs] {
				sidecarSeen[abs] = true
				res.Sidecars = append(res.Sidecars, abs)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// SidecarFor returns the sidecar path for a video path: same stem, .nfo
// extension, regardless of whether it exists.
func SidecarFor(videoPath string) string {
	return strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + SidecarExtension
}

// VideoFor returns the first extant video file sharing sidecarPath's stem,
// trying VideoExtensions in order. Returns "", false if none exist.
func VideoFor(sidecarPath string) (string, bool) {
	stem := strings.TrimSuffix(sidecarPath, filepath.Ext(sidecarPath))
	for _, ext := range VideoExtensions {
		candidate := stem + ext
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}
