// Command json2nfo is a one-off converter for libraries seeded before
// nfosync existed: it reads a downloader's JSON sidecar and writes an
// equivalent .nfo file next to it, using the same element names the
// descriptor reader expects (title, plot, aired, titleSort). Grounded in
// json_to_nfo/json_to_nfo.py, per SPEC_FULL.md §4.J.
package main

import (
	"encoding/json"
	"encoding/xml"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// sidecarJSON covers the handful of key spellings real downloaders emit
// for the same fields (youtube-dl/yt-dlp info.json style vs. a hand-rolled
// scraper), matching json_to_nfo.py's tolerant get_value lookups.
type sidecarJSON struct {
	Title       string `json:"title"`
	ShowTitle   string `json:"showtitle"`
	Description string `json:"description"`
	Plot        string `json:"plot"`
	UploadDate  string `json:"upload_date"`
	Aired       string `json:"aired"`
	SortTitle   string `json:"sorttitle"`
}

// nfoDoc mirrors descriptor.root's element names so a file this command
// writes round-trips through the Descriptor Reader unchanged.
type nfoDoc struct {
	XMLName   xml.Name `xml:"episodedetails"`
	Title     string   `xml:"title"`
	Plot      string   `xml:"plot,omitempty"`
	Aired     string   `xml:"aired,omitempty"`
	TitleSort string   `xml:"titleSort,omitempty"`
}

func main() {
	os.Exit(run())
}

func run() int {
	folder := flag.String("json-folder", "", "folder containing downloader JSON sidecars (required)")
	flag.Parse()

	if *folder == "" {
		fmt.Fprintln(os.Stderr, "json2nfo: --json-folder is required")
		return 1
	}

	entries, err := os.ReadDir(*folder)
	if err != nil {
		log.Printf("json2nfo: read %s: %v", *folder, err)
		return 1
	}

	converted := 0
	failed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		jsonPath := filepath.Join(*folder, entry.Name())
		if err := convert(jsonPath); err != nil {
			log.Printf("json2nfo: %s: %v", jsonPath, err)
			failed++
			continue
		}
		converted++
	}

	log.Printf("json2nfo: converted %d, failed %d", converted, failed)
	if failed > 0 && converted == 0 {
		return 1
	}
	return 0
}

// convert reads one downloader JSON sidecar and writes the matching .nfo
// file beside it, stripping a trailing ".info" the way json_to_nfo.py's
// base_name handling does for yt-dlp's "<title>.info.json" naming.
func convert(jsonPath string) error {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	var raw sidecarJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}

	doc := nfoDoc{
		Title:     firstNonEmpty(raw.Title, raw.ShowTitle),
		Plot:      firstNonEmpty(raw.Description, raw.Plot),
		Aired:     firstNonEmpty(raw.Aired, normalizeUploadDate(raw.UploadDate)),
		TitleSort: raw.SortTitle,
	}
	if doc.TitleSort == "" {
		doc.TitleSort = doc.Title
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal nfo: %w", err)
	}
	body = append([]byte(xml.Header), body...)
	body = append(body, '\n')

	nfoPath := nfoPathFor(jsonPath)
	if err := os.WriteFile(nfoPath, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", nfoPath, err)
	}
	return nil
}

// nfoPathFor derives "<base>.nfo" from a sidecar path, dropping a
// yt-dlp-style ".info" suffix before ".json" if present.
func nfoPathFor(jsonPath string) string {
	base := strings.TrimSuffix(jsonPath, filepath.Ext(jsonPath))
	base = strings.TrimSuffix(base, ".info")
	return base + ".nfo"
}

// normalizeUploadDate converts a yt-dlp "YYYYMMDD" upload_date into the
// "YYYY-MM-DD" aired format, returning "" if it isn't 8 digits.
func normalizeUploadDate(raw string) string {
	if len(raw) != 8 {
		return ""
	}
	return raw[0:4] + "-" + raw[4:6] + "-" + raw[6:8]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
