package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeUploadDate(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"valid", "20230115", "2023-01-15"},
		{"too short", "202301", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizeUploadDate(tc.in); got != tc.want {
				t.Errorf("normalizeUploadDate(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "b"); got != "b" {
		t.Errorf("firstNonEmpty = %q, want %q", got, "b")
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty = %q, want empty", got)
	}
}

func TestNfoPathFor(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/media/show.s01e01.info.json", "/media/show.s01e01.nfo"},
		{"/media/show.s01e01.json", "/media/show.s01e01.nfo"},
	}
	for _, tc := range cases {
		if got := nfoPathFor(tc.in); got != tc.want {
			t.Errorf("nfoPathFor(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestConvertWritesExpectedFields(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "My Show S01E01.info.json")
	body := `{
		"title": "My Show S01E01",
		"description": "An episode.",
		"upload_date": "20230115"
	}`
	if err := os.WriteFile(jsonPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := convert(jsonPath); err != nil {
		t.Fatalf("convert: %v", err)
	}

	nfoPath := filepath.Join(dir, "My Show S01E01.nfo")
	data, err := os.ReadFile(nfoPath)
	if err != nil {
		t.Fatalf("read nfo: %v", err)
	}

	out := string(data)
	for _, want := range []string{
		"<title>My Show S01E01</title>",
		"<plot>An episode.</plot>",
		"<aired>2023-01-15</aired>",
		"<titleSort>My Show S01E01</titleSort>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q, got:\n%s", want, out)
		}
	}
}

func TestConvertMissingFileFails(t *testing.T) {
	if err := convert(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
