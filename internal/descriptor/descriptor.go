// Package descriptor reads and hashes the .nfo sidecar files that drive
// metadata sync (spec §4.C). Parsing is intentionally lenient: a sidecar
// with a malformed XML prologue or stray trailing bytes should still yield
// whatever fields can be recovered, mirroring the source's
// lxml.etree.XMLParser(recover=True) behaviour.
package descriptor

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"os"
	"strings"
)

// Fields is the set of metadata values a sidecar can contribute. A field is
// absent (zero value) if the element was missing or blank after trimming.
type Fields struct {
	Title     string
	Summary   string
	Aired     string
	SortTitle string
}

// ReadError wraps a failure to read the sidecar file from disk.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string { return fmt.Sprintf("descriptor: read %s: %v", e.Path, e.Err) }
func (e *ReadError) Unwrap() error  { return e.Err }

// ParseError wraps a failure to extract any usable structure from the
// sidecar bytes, even under the lenient pre-pass.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("descriptor: parse %s: %v", e.Path, e.Err) }
func (e *ParseError) Unwrap() error  { return e.Err }

// root mirrors the handful of top-level elements spec §4.C names. Anything
// else in the document is ignored, and encoding/xml already tolerates
// unknown sibling/child elements without configuration.
type root struct {
	Title     string `xml:"title"`
	Plot      string `xml:"plot"`
	Aired     string `xml:"aired"`
	TitleSort string `xml:"titleSort"`
}

// Read loads the sidecar at path, returning its extracted fields and the
// MD5 hash of its raw bytes (used for idempotence gating by the apply
// pipeline). A read failure is a ReadError; a parse failure (even after the
// lenient pre-pass) is a ParseError.
func Read(path string) (Fields, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fields{}, "", &ReadError{Path: path, Err: err}
	}

	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])

	fields, err := parse(data)
	if err != nil {
		return Fields{}, "", &ParseError{Path: path, Err: err}
	}
	return fields, hash, nil
}

// parse extracts Fields from raw sidecar bytes, tolerating a garbage
// prologue (stray bytes before the first '<') the way lxml's recover mode
// does. encoding/xml itself tolerates unknown elements, missing
// declarations, and duplicate/extra elements without extra configuration;
// the one thing it won't skip past is leading non-XML noise, so that is
// stripped here before unmarshalling.
func parse(data []byte) (Fields, error) {
	cleaned := stripLeadingNoise(data)

	var r root
	if err := xml.Unmarshal(cleaned, &r); err != nil {
		return Fields{}, err
	}

	f := Fields{
		Title:     trimOrEmpty(r.Title),
		Summary:   trimOrEmpty(r.Plot),
		Aired:     trimOrEmpty(r.Aired),
		SortTitle: trimOrEmpty(r.TitleSort),
	}
	if f.SortTitle == "" {
		f.SortTitle = f.Title
	}
	return f, nil
}

// stripLeadingNoise drops any bytes before the first '<', so a sidecar
// written with a stray BOM, blank line, or partial previous write in front
// of the real document can still be parsed.
func stripLeadingNoise(data []byte) []byte {
	idx := bytes.IndexByte(data, '<')
	if idx <= 0 {
		return data
	}
	return data[idx:]
}

func trimOrEmpty(s string) string {
	return strings.TrimSpace(s)
}
