package descriptor

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeSidecar(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "movie.nfo")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRead_extractsAllFields(t *testing.T) {
	path := writeSidecar(t, `<?xml version="1.0"?>
<movie>
  <title>Example Movie</title>
  <plot>A plot summary.</plot>
  <aired>2020-05-01</aired>
  <titleSort>Example Movie, The</titleSort>
</movie>`)

	fields, hash, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if fields.Title != "Example Movie" {
		t.Errorf("Title = %q", fields.Title)
	}
	if fields.Summary != "A plot summary." {
		t.Errorf("Summary = %q", fields.Summary)
	}
	if fields.Aired != "2020-05-01" {
		t.Errorf("Aired = %q", fields.Aired)
	}
	if fields.SortTitle != "Example Movie, The" {
		t.Errorf("SortTitle = %q", fields.SortTitle)
	}

	raw, _ := os.ReadFile(path)
	sum := md5.Sum(raw)
	want := hex.EncodeToString(sum[:])
	if hash != want {
		t.Errorf("hash = %s, want %s", hash, want)
	}
}

func TestRead_titleSortFallsBackToTitle(t *testing.T) {
	path := writeSidecar(t, `<movie><title>Plain Title</title></movie>`)
	fields, _, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if fields.SortTitle != "Plain Title" {
		t.Errorf("SortTitle = %q, want fallback to title", fields.SortTitle)
	}
}

func TestRead_emptyTitleSortFallsBackToTitle(t *testing.T) {
	path := writeSidecar(t, `<movie><title>Plain Title</title><titleSort>   </titleSort></movie>`)
	fields, _, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if fields.SortTitle != "Plain Title" {
		t.Errorf("SortTitle = %q, want fallback for blank titleSort", fields.SortTitle)
	}
}

func TestRead_whitespaceTrimmedAndBlankTreatedAsAbsent(t *testing.T) {
	path := writeSidecar(t, `<movie><title>  Spaced  </title><plot>   </plot></movie>`)
	fields, _, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if fields.Title != "Spaced" {
		t.Errorf("Title = %q", fields.Title)
	}
	if fields.Summary != "" {
		t.Errorf("Summary = %q, want empty", fields.Summary)
	}
}

func TestRead_tolerantOfLeadingGarbage(t *testing.T) {
	path := writeSidecar(t, "\xEF\xBB\xBF\n<movie><title>After BOM</title></movie>")
	fields, _, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if fields.Title != "After BOM" {
		t.Errorf("Title = %q", fields.Title)
	}
}

func TestRead_missingFileIsReadError(t *testing.T) {
	_, _, err := Read(filepath.Join(t.TempDir(), "nope.nfo"))
	if err == nil {
		t.Fatal("expected error")
	}
	var re *ReadError
	if !asReadError(err, &re) {
		t.Fatalf("expected *ReadError, got %T", err)
	}
}

func TestRead_unparseableBytesIsParseError(t *testing.T) {
	path := writeSidecar(t, "not xml at all, just plain text with no angle brackets")
	_, _, err := Read(path)
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *ParseError
	if !asParseError(err, &pe) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
}

func asReadError(err error, target **ReadError) bool {
	re, ok := err.(*ReadError)
	if ok {
		*target = re
	}
	return ok
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*target = pe
	}
	return ok
}
