package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/drummonds/pdfbridge/engine/pdfrenderer"
	"github.com/drummonds/pdfbridge/fsutil"
	"github.com/drummonds/pdfbridge/internal/enginetest"
)

func fakeFactory(eng *enginetest.Engine) engineFactory {
	return func(kind string, opts pdfrenderer.Options) (pdfrenderer.Engine, error) {
		return eng, nil
	}
}

func writeDocument(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.pdf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write document: %v", err)
	}
	return path
}

func TestRenderSinglePage(t *testing.T) {
	eng := enginetest.New(3)
	eng.Meta["Title"] = "Field Guide"
	in := writeDocument(t, enginetest.Document())
	out := filepath.Join(t.TempDir(), "nested", "out")

	var stdout, stderr bytes.Buffer
	err := run([]string{"-file", in, "-out", out, "-page", "7", "-dpi", "36"}, nil, &stdout, &stderr, fakeFactory(eng))
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	names, err := fsutil.ListDir(out)
	if err != nil {
		t.Fatalf("Failed to list output: %v", err)
	}
	if len(names) != 1 || names[0] != "page-2.png" {
		t.Errorf("Expected page 7 clamped to page-2.png, got %v", names)
	}
	img, err := imaging.Open(filepath.Join(out, "page-2.png"))
	if err != nil {
		t.Fatalf("Failed to open output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 306 || b.Dy() != 396 {
		t.Errorf("Expected 306x396 image, got %dx%d", b.Dx(), b.Dy())
	}

	if !strings.Contains(stdout.String(), "Title: Field Guide") {
		t.Errorf("Expected title in output, got %q", stdout.String())
	}
	if !strings.Contains(stdout.String(), "3 pages") {
		t.Errorf("Expected page count in output, got %q", stdout.String())
	}
	if eng.Initialized() {
		t.Error("Expected engine torn down after the run")
	}
	if stats := eng.Stats(); stats.Pages != 0 || stats.Documents != 0 {
		t.Errorf("Expected every engine object closed, got %+v", stats)
	}
}

func TestRenderAllPages(t *testing.T) {
	eng := enginetest.New(2)
	in := writeDocument(t, enginetest.Document())
	out := t.TempDir()

	var stdout, stderr bytes.Buffer
	if err := run([]string{"-file", in, "-out", out, "-all", "-format", "rgb565", "-dpi", "9"}, nil, &stdout, &stderr, fakeFactory(eng)); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	names, _ := fsutil.ListDir(out)
	if len(names) != 2 || names[0] != "page-0.png" || names[1] != "page-1.png" {
		t.Errorf("Expected two pages, got %v", names)
	}
	if stats := eng.Stats(); stats.Renders != 2 {
		t.Errorf("Expected 2 renders, got %d", stats.Renders)
	}
}

func TestRenderUnsupportedWarning(t *testing.T) {
	eng := enginetest.New(1)
	eng.Unsupported = []pdfrenderer.UnsupportedFeature{pdfrenderer.UnsupportedXFAForm}
	in := writeDocument(t, enginetest.Document())

	var stdout, stderr bytes.Buffer
	if err := run([]string{"-file", in, "-out", t.TempDir()}, nil, &stdout, &stderr, fakeFactory(eng)); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(stderr.String(), "XFA") {
		t.Errorf("Expected XFA warning, got %q", stderr.String())
	}
}

func TestRenderErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    func(t *testing.T) []string
		message string
	}{
		{"Missing file flag", func(t *testing.T) []string { return nil }, "-file is required"},
		{"Bad DPI", func(t *testing.T) []string { return []string{"-file", "x.pdf", "-dpi", "0"} }, "-dpi must be positive"},
		{"Bad format", func(t *testing.T) []string {
			return []string{"-file", writeDocument(t, enginetest.Document()), "-format", "cmyk"}
		}, "pixel format"},
		{"Not a PDF", func(t *testing.T) []string {
			return []string{"-file", writeDocument(t, []byte("plain text")), "-out", t.TempDir()}
		}, "File not in PDF format or corrupted"},
		{"Locked", func(t *testing.T) []string {
			return []string{"-file", writeDocument(t, enginetest.LockedDocument()), "-out", t.TempDir()}
		}, "Incorrect password"},
		{"Missing input", func(t *testing.T) []string {
			return []string{"-file", filepath.Join(t.TempDir(), "missing.pdf")}
		}, "no such file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(tt.args(t), nil, &stdout, &stderr, fakeFactory(enginetest.New(1)))
			if err == nil || !strings.Contains(err.Error(), tt.message) {
				t.Errorf("Expected error containing %q, got %v", tt.message, err)
			}
		})
	}

	t.Run("Engine selection failure", func(t *testing.T) {
		failing := func(kind string, opts pdfrenderer.Options) (pdfrenderer.Engine, error) {
			return nil, errors.New("unknown engine " + kind)
		}
		var stdout, stderr bytes.Buffer
		err := run([]string{"-file", writeDocument(t, enginetest.Document()), "-engine", "nope"}, nil, &stdout, &stderr, failing)
		if err == nil || !strings.Contains(err.Error(), "unknown engine nope") {
			t.Errorf("Expected engine selection error, got %v", err)
		}
	})
}

func TestRenderFromStdin(t *testing.T) {
	eng := enginetest.New(1)
	out := t.TempDir()
	var stdout, stderr bytes.Buffer
	err := run([]string{"-file", "-", "-out", out}, bytes.NewReader(enginetest.Document()), &stdout, &stderr, fakeFactory(eng))
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if names, _ := fsutil.ListDir(out); len(names) != 1 || names[0] != "page-0.png" {
		t.Errorf("Expected page-0.png, got %v", names)
	}

	err = run([]string{"-file", "-", "-out", out}, strings.NewReader(""), &stdout, &stderr, fakeFactory(enginetest.New(1)))
	if err == nil {
		t.Error("Expected error for empty stdin")
	}
}

func TestRenderClean(t *testing.T) {
	in := writeDocument(t, enginetest.Document())
	out := filepath.Join(t.TempDir(), "out")
	if err := fsutil.Mkdir(out, true, 0o755); err != nil {
		t.Fatalf("Failed to mkdir: %v", err)
	}
	if err := fsutil.Touch(filepath.Join(out, "page-9.png"), 0o644); err != nil {
		t.Fatalf("Failed to touch: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if err := run([]string{"-file", in, "-out", out, "-clean"}, nil, &stdout, &stderr, fakeFactory(enginetest.New(1))); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if names, _ := fsutil.ListDir(out); len(names) != 1 || names[0] != "page-0.png" {
		t.Errorf("Expected only page-0.png after clean, got %v", names)
	}
}
