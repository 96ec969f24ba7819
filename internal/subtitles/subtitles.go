// Package subtitles implements the optional subtitle side path (spec §4.I):
// probe a video for embedded subtitle streams with ffprobe, extract each one
// to a standalone .srt with ffmpeg, and upload the results to the media
// server. Grounded in tubesync-plex-metadata.py's extract_subtitles_multi/
// add_subtitles_to_plex, with the ffprobe JSON shape modeled on
// maruel-serve-mp4/vid/ffmpeg/ffmpeg.go's Stream/ProbeResult structs.
package subtitles

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/snapetech/nfosync/internal/ffmpeg"
	"github.com/snapetech/nfosync/internal/mediaserver"
)

// langMap mirrors the source's LANG_MAP: ISO 639-2 stream tags to the
// two-letter codes the media server expects. Unknown codes fall back to
// "und" (undetermined).
var langMap = map[string]string{
	"eng": "en",
	"jpn": "ja",
	"kor": "ko",
	"fre": "fr",
	"fra": "fr",
	"spa": "es",
	"ger": "de",
	"deu": "de",
	"ita": "it",
	"chi": "zh",
	"und": "und",
}

func mapLanguageCode(code string) string {
	if mapped, ok := langMap[strings.ToLower(code)]; ok {
		return mapped
	}
	return "und"
}

// probeOutput is the subset of ffprobe's JSON output this package reads:
// one entry per subtitle stream, with its index and language tag.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	Index int `json:"index"`
	Tags  struct {
		Language string `json:"language"`
	} `json:"tags"`
}

// Extracted describes one subtitle track pulled out of a video.
type Extracted struct {
	Path     string
	Language string
}

// Extractor runs ffprobe/ffmpeg against local video files.
type Extractor struct {
	Tools ffmpeg.Tools
}

// NewExtractor locates ffmpeg/ffprobe and returns a ready Extractor.
func NewExtractor() (*Extractor, error) {
	tools, err := ffmpeg.Locate()
	if err != nil {
		return nil, err
	}
	return &Extractor{Tools: tools}, nil
}

// ExtractAll probes videoPath for subtitle streams and extracts each one
// that hasn't already been extracted to "<base>.<lang>.srt" next to the
// source file, per spec §4.I. A probe failure is returned as an error. A
// per-stream extraction failure doesn't stop the remaining streams; the
// first such failure is returned as the error alongside the tracks that
// were extracted, and later ones are not reported.
func (x *Extractor) ExtractAll(ctx context.Context, videoPath string) ([]Extracted, error) {
	streams, err := x.probeSubtitleStreams(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(videoPath, filepath.Ext(videoPath))
	var out []Extracted
	var firstErr error
	for _, s := range streams {
		lang := mapLanguageCode(s.Tags.Language)
		srtPath := fmt.Sprintf("%s.%s.srt", base, lang)
		if _, err := os.Stat(srtPath); err == nil {
			out = append(out, Extracted{Path: srtPath, Language: lang})
			continue
		}
		if err := x.extractStream(ctx, videoPath, s.Index, srtPath); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("subtitles: extract stream %d from %s: %w", s.Index, videoPath, err)
			}
			continue
		}
		out = append(out, Extracted{Path: srtPath, Language: lang})
	}
	return out, firstErr
}

func (x *Extractor) probeSubtitleStreams(ctx context.Context, videoPath string) ([]probeStream, error) {
	cmd := exec.CommandContext(ctx, x.Tools.FFprobePath,
		"-v", "error",
		"-select_streams", "s",
		"-show_entries", "stream=index:stream_tags=language,codec_name",
		"-of", "json",
		videoPath,
	)
	raw, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("subtitles: ffprobe %s: %w", videoPath, err)
	}
	var probe probeOutput
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("subtitles: parse ffprobe output for %s: %w", videoPath, err)
	}
	return probe.Streams, nil
}

func (x *Extractor) extractStream(ctx context.Context, videoPath string, streamIndex int, srtPath string) error {
	cmd := exec.CommandContext(ctx, x.Tools.FFmpegPath,
		"-y",
		"-i", videoPath,
		"-map", fmt.Sprintf("0:s:%d", streamIndex),
		srtPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// UploadAll pushes every extracted subtitle onto item, stopping at the
// first upload failure (the caller still has the earlier ones attached).
// Grounded in add_subtitles_to_plex's per-file loop; the source's explicit
// api_semaphore/request_delay pacing is already provided by the shared
// mediaserver.Client's internal rate limiter and concurrency semaphore.
func UploadAll(ctx context.Context, client *mediaserver.Client, item *mediaserver.Item, extracted []Extracted) error {
	for _, e := range extracted {
		if err := client.UploadSubtitle(ctx, item, e.Path, e.Language); err != nil {
			return fmt.Errorf("subtitles: upload %s: %w", e.Path, err)
		}
	}
	return nil
}
