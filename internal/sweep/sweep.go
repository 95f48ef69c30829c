// Package sweep normalizes the Opus files that appear in a directory.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glizzus/opus-normalize/internal/pipeline"
	"github.com/glizzus/opus-normalize/internal/schedule"
)

// OutputDir is the subdirectory normalized files are written to.
const OutputDir = "normalized"

type Normalizer interface {
	Normalize(ctx context.Context, inputPath, outputPath string) (pipeline.Result, error)
}

var _ Normalizer = (*pipeline.Pipeline)(nil)

type Report struct {
	Normalized []string
	// Skipped counts inputs whose output is already up to date.
	Skipped int
	Failed  map[string]error
}

// Sweep normalizes every *.opus file in dir into dir/normalized/ unless the
// output is at least as new as the input. A failing file does not stop the
// sweep; it is reported in Failed.
func Sweep(ctx context.Context, dir string, n Normalizer) (Report, error) {
	report := Report{Failed: make(map[string]error)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return report, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	outDir := filepath.Join(dir, OutputDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return report, fmt.Errorf("failed to create %s: %w", outDir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.Type().IsRegular() || !strings.EqualFold(filepath.Ext(entry.Name()), ".opus") {
			continue
		}

		input := filepath.Join(dir, entry.Name())
		output := filepath.Join(outDir, entry.Name())
		fresh, err := upToDate(input, output)
		if err != nil {
			report.Failed[entry.Name()] = err
			continue
		}
		if fresh {
			report.Skipped++
			continue
		}

		res, err := n.Normalize(ctx, input, output)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			slog.Error("Failed to normalize file", "file", input, slog.Any("error", err))
			report.Failed[entry.Name()] = err
			continue
		}
		slog.Info("Normalized file", "file", input, "frames", res.Frames, "elapsed", res.Elapsed)
		report.Normalized = append(report.Normalized, entry.Name())
	}
	return report, nil
}

func upToDate(input, output string) (bool, error) {
	in, err := os.Stat(input)
	if err != nil {
		return false, err
	}
	out, err := os.Stat(output)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !out.ModTime().Before(in.ModTime()), nil
}

// Watch sweeps dir every time the cron expression fires until ctx is done.
func Watch(ctx context.Context, dir, cron string, n Normalizer) error {
	slog.Info("Watching directory", "dir", dir, "cron", cron)
	return schedule.Every(ctx, cron, func(ctx context.Context, at time.Time) {
		report, err := Sweep(ctx, dir, n)
		if err != nil && ctx.Err() == nil {
			slog.Error("Sweep failed", "dir", dir, slog.Any("error", err))
			return
		}
		slog.Info("Sweep finished",
			"dir", dir,
			"scheduledAt", at,
			"normalized", len(report.Normalized),
			"skipped", report.Skipped,
			"failed", len(report.Failed),
		)
	})
}
