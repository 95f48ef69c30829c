package sweep_test

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glizzus/opus-normalize/internal/opus/opustest"
	"github.com/glizzus/opus-normalize/internal/pipeline"
	"github.com/glizzus/opus-normalize/internal/sweep"
	"github.com/google/go-cmp/cmp"
)

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"a.opus":    opustest.Ogg(t, opustest.LegacyCapture()),
		"B.OPUS":    opustest.Ogg(t, opustest.LegacyCapture()),
		"bad.opus":  []byte("not an ogg stream"),
		"notes.txt": []byte("ignored"),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.opus"), 0o755); err != nil {
		t.Fatal(err)
	}

	p := pipeline.New(&opustest.Codec{})

	report, err := sweep.Sweep(context.Background(), dir, p)
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if diff := cmp.Diff([]string{"B.OPUS", "a.opus"}, report.Normalized); diff != "" {
		t.Errorf("normalized files mismatch (-want +got):\n%s", diff)
	}
	if _, ok := report.Failed["bad.opus"]; !ok || len(report.Failed) != 1 {
		t.Errorf("expected only bad.opus to fail, got %v", report.Failed)
	}
	for _, name := range []string{"a.opus", "B.OPUS"} {
		if _, err := os.Stat(filepath.Join(dir, sweep.OutputDir, name)); err != nil {
			t.Errorf("expected output for %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, sweep.OutputDir, "bad.opus")); !os.IsNotExist(err) {
		t.Errorf("expected no output for bad.opus, got %v", err)
	}

	t.Run("up to date outputs are skipped", func(t *testing.T) {
		report, err := sweep.Sweep(context.Background(), dir, p)
		if err != nil {
			t.Fatalf("Sweep returned error: %v", err)
		}
		if len(report.Normalized) != 0 || report.Skipped != 2 {
			t.Errorf("expected 2 skipped files, got %+v", report)
		}
	})

	t.Run("changed inputs are normalized again", func(t *testing.T) {
		later := time.Now().Add(time.Hour)
		if err := os.Chtimes(filepath.Join(dir, "a.opus"), later, later); err != nil {
			t.Fatal(err)
		}
		report, err := sweep.Sweep(context.Background(), dir, p)
		if err != nil {
			t.Fatalf("Sweep returned error: %v", err)
		}
		if diff := cmp.Diff([]string{"a.opus"}, report.Normalized); diff != "" {
			t.Errorf("normalized files mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSweepMissingDirectory(t *testing.T) {
	_, err := sweep.Sweep(context.Background(), filepath.Join(t.TempDir(), "missing"), pipeline.New(&opustest.Codec{}))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestWatchStopsWithContext(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.opus"), opustest.Ogg(t, opustest.LegacyCapture()), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	if err := sweep.Watch(ctx, dir, "* * * * * * *", pipeline.New(&opustest.Codec{})); err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, sweep.OutputDir, "a.opus")); err != nil {
		t.Errorf("expected the watched file to be normalized: %v", err)
	}
}
