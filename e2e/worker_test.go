package e2e_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/glizzus/opus-normalize/e2e"
	"github.com/glizzus/opus-normalize/internal/container"
	"github.com/glizzus/opus-normalize/internal/datalayer"
	"github.com/glizzus/opus-normalize/internal/opus/opustest"
	"github.com/glizzus/opus-normalize/internal/pipeline"
	"github.com/glizzus/opus-normalize/internal/repository"
	"github.com/glizzus/opus-normalize/internal/worker"
)

func countFrames(t *testing.T, storage datalayer.BlobStorage, key string) int {
	t.Helper()
	rc, err := storage.Get(t.Context(), key)
	if err != nil {
		t.Fatalf("failed to get %s: %v", key, err)
	}
	defer rc.Close()

	r, err := container.NewReader(rc)
	if err != nil {
		t.Fatalf("failed to read %s: %v", key, err)
	}
	s, err := container.Probe(r)
	if err != nil {
		t.Fatalf("failed to read %s: %v", key, err)
	}
	return s.Frames
}

func TestQueuedJobsAreNormalized(t *testing.T) {
	ctx := t.Context()
	connStr := e2e.UsePostgres(t)
	jobs := repository.NewPostgresJobRepository(e2e.GetPool(t, connStr))
	storage := e2e.UseMinio(t, "opus-normalize")
	rdb := e2e.UseRedis(t)

	inputs := e2e.SeedInputs(t, storage, "in/capture", 2)

	queue, err := worker.NewRedisQueue(ctx, rdb, "e2e")
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	queued := []worker.Job{
		{ID: "0f6b3c2e-8a59-4c1e-9b1e-3d5c7a9e0001", InputKey: inputs[0], OutputKey: "out/capture-1.opus"},
		{ID: "0f6b3c2e-8a59-4c1e-9b1e-3d5c7a9e0002", InputKey: inputs[1], OutputKey: "out/capture-2.opus", Policy: "streaming"},
		{ID: "0f6b3c2e-8a59-4c1e-9b1e-3d5c7a9e0003", InputKey: "in/missing.opus", OutputKey: "out/missing.opus"},
	}
	if err := queue.Enqueue(ctx, queued...); err != nil {
		t.Fatalf("failed to enqueue jobs: %v", err)
	}

	processor := worker.NewProcessor(storage, jobs, pipeline.New(&opustest.Codec{}))
	processor.WorkDir = t.TempDir()
	processor.Concurrency = 2

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- processor.Run(runCtx, queue) }()

	want := map[string]repository.JobStatus{
		queued[0].ID: repository.JobDone,
		queued[1].ID: repository.JobDone,
		queued[2].ID: repository.JobFailed,
	}
	deadline := time.Now().Add(30 * time.Second)
	for id, status := range want {
		for {
			record, err := jobs.Get(ctx, id)
			if err == nil && record.Status == status {
				break
			}
			if err != nil && !errors.Is(err, repository.ErrJobNotFound) {
				t.Fatalf("failed to get job %s: %v", id, err)
			}
			if time.Now().After(deadline) {
				t.Fatalf("job %s did not reach %s, last record %+v", id, status, record)
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned error: %v", err)
	}

	t.Run("Outputs keep every frame", func(t *testing.T) {
		for _, key := range []string{"out/capture-1.opus", "out/capture-2.opus"} {
			if got := countFrames(t, storage, key); got != 392 {
				t.Errorf("expected 392 frames in %s, got %d", key, got)
			}
		}
	})

	t.Run("Failed jobs upload nothing", func(t *testing.T) {
		_, err := storage.Get(ctx, "out/missing.opus")
		if !errors.Is(err, datalayer.ErrObjectNotFound) {
			t.Errorf("expected ErrObjectNotFound, got %v", err)
		}
		record, err := jobs.Get(ctx, queued[2].ID)
		if err != nil {
			t.Fatal(err)
		}
		if record.Error == "" {
			t.Error("expected the failure cause to be recorded")
		}
	})

	t.Run("Every job is acked", func(t *testing.T) {
		pending, err := rdb.XPending(ctx, worker.Stream, worker.Group).Result()
		if err != nil {
			t.Fatal(err)
		}
		if pending.Count != 0 {
			t.Errorf("expected no pending jobs, got %d", pending.Count)
		}
	})

	t.Run("Records hold the outcome", func(t *testing.T) {
		record, err := jobs.Get(ctx, queued[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if record.Frames != 392 || record.Packets == 0 || record.Pages == 0 || record.CompletedAt == nil {
			t.Errorf("unexpected record %+v", record)
		}
	})
}

func TestMinioStorageRoundTrip(t *testing.T) {
	storage := e2e.UseMinio(t, "roundtrip")
	keys := e2e.SeedInputs(t, storage, "seed/a", 1)

	rc, err := storage.Get(t.Context(), keys[0])
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("expected the seeded object to have content")
	}

	if _, err := storage.Get(t.Context(), "seed/missing.opus"); !errors.Is(err, datalayer.ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}
