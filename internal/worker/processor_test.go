package worker_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"github.com/glizzus/opus-normalize/internal/container"
	"github.com/glizzus/opus-normalize/internal/datalayer"
	"github.com/glizzus/opus-normalize/internal/opus/opustest"
	"github.com/glizzus/opus-normalize/internal/pipeline"
	"github.com/glizzus/opus-normalize/internal/repository"
	"github.com/glizzus/opus-normalize/internal/worker"
	"github.com/google/go-cmp/cmp"
)

type fixture struct {
	storage   *datalayer.MemoryStorage
	jobs      *repository.MemoryJobRepository
	processor *worker.Processor
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		storage: datalayer.NewMemoryStorage(),
		jobs:    repository.NewMemoryJobRepository(),
	}
	f.processor = worker.NewProcessor(f.storage, f.jobs, pipeline.New(&opustest.Codec{}))
	f.processor.WorkDir = t.TempDir()

	put := func(key string, data []byte) {
		if err := f.storage.Put(context.Background(), key, bytes.NewReader(data), datalayer.PutOptions{Size: int64(len(data))}); err != nil {
			t.Fatal(err)
		}
	}
	put("in/legacy.opus", opustest.Ogg(t, opustest.LegacyCapture()))
	put("in/garbage.opus", []byte("this is not an ogg stream"))
	return f
}

func countFrames(t *testing.T, storage datalayer.BlobStorage, key string) int {
	t.Helper()
	rc, err := storage.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("failed to get %s: %v", key, err)
	}
	defer rc.Close()

	r, err := container.NewReader(rc)
	if err != nil {
		t.Fatalf("failed to read %s: %v", key, err)
	}
	frames := 0
	for {
		p, err := r.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		if err != nil {
			t.Fatalf("failed to read %s: %v", key, err)
		}
		frames += p.Frames
	}
}

func TestProcess(t *testing.T) {
	f := newFixture(t)
	job := worker.Job{ID: "job-1", InputKey: "in/legacy.opus", OutputKey: "out/legacy.opus"}

	res, err := f.processor.Process(context.Background(), job)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if res.Frames != 392 {
		t.Errorf("expected 392 frames, got %d", res.Frames)
	}
	if got := countFrames(t, f.storage, "out/legacy.opus"); got != 392 {
		t.Errorf("expected 392 frames in the uploaded output, got %d", got)
	}

	record, err := f.jobs.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != repository.JobDone || record.Frames != 392 || record.Packets != res.Packets || record.Pages != res.Pages {
		t.Errorf("unexpected job record %+v", record)
	}
}

func TestProcessFailures(t *testing.T) {
	tc := []struct {
		name string
		job  worker.Job
		want error
	}{
		{
			name: "malformed input",
			job:  worker.Job{ID: "bad", InputKey: "in/garbage.opus", OutputKey: "out/garbage.opus"},
			want: pipeline.ErrMalformedContainer,
		},
		{
			name: "missing input",
			job:  worker.Job{ID: "missing", InputKey: "in/nothing.opus", OutputKey: "out/nothing.opus"},
			want: datalayer.ErrObjectNotFound,
		},
	}

	for _, test := range tc {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.processor.Process(context.Background(), test.job)
			if !errors.Is(err, test.want) {
				t.Fatalf("expected %v, got %v", test.want, err)
			}

			record, err := f.jobs.Get(context.Background(), test.job.ID)
			if err != nil {
				t.Fatal(err)
			}
			if record.Status != repository.JobFailed || record.Error == "" {
				t.Errorf("expected a failed record with a cause, got %+v", record)
			}
			if _, err := f.storage.Get(context.Background(), test.job.OutputKey); !errors.Is(err, datalayer.ErrObjectNotFound) {
				t.Errorf("expected no output to be uploaded, got %v", err)
			}
		})
	}

	t.Run("unknown policy", func(t *testing.T) {
		f := newFixture(t)
		job := worker.Job{ID: "policy", InputKey: "in/legacy.opus", OutputKey: "out/legacy.opus", Policy: "loudness"}
		if _, err := f.processor.Process(context.Background(), job); err == nil {
			t.Fatal("expected an error for an unknown policy")
		}
		record, err := f.jobs.Get(context.Background(), "policy")
		if err != nil {
			t.Fatal(err)
		}
		if record.Status != repository.JobFailed {
			t.Errorf("expected a failed record, got %+v", record)
		}
	})
}

func TestProcessWithJobPolicy(t *testing.T) {
	f := newFixture(t)
	job := worker.Job{ID: "header", InputKey: "in/legacy.opus", OutputKey: "out/legacy.opus", Policy: "header-gain"}

	res, err := f.processor.Process(context.Background(), job)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if res.Policy.String() != "header-gain" {
		t.Errorf("expected the job policy to be used, got %v", res.Policy)
	}

	rc, err := f.storage.Get(context.Background(), "out/legacy.opus")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	r, err := container.NewReader(rc)
	if err != nil {
		t.Fatal(err)
	}
	if r.Head().OutputGain == 0 {
		t.Error("expected the output gain to be set in the header")
	}
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	f.processor.Concurrency = 2
	queue := worker.NewMemoryQueue()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.processor.Run(ctx, queue) }()

	if err := queue.Enqueue(ctx,
		worker.Job{ID: "good", InputKey: "in/legacy.opus", OutputKey: "out/legacy.opus"},
		worker.Job{ID: "bad", InputKey: "in/garbage.opus", OutputKey: "out/garbage.opus"},
	); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(10 * time.Second)
	for len(queue.Acked()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for acks, got %v", queue.Acked())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned error: %v", err)
	}

	statuses := map[string]repository.JobStatus{}
	for _, id := range []string{"good", "bad"} {
		record, err := f.jobs.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		statuses[id] = record.Status
	}
	want := map[string]repository.JobStatus{"good": repository.JobDone, "bad": repository.JobFailed}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("job statuses mismatch (-want +got):\n%s", diff)
	}
}

var errAck = errors.New("ack failed")

// ackFailingQueue fails every ack of one job.
type ackFailingQueue struct {
	*worker.MemoryQueue
	jobID string
}

func (q ackFailingQueue) Ack(ctx context.Context, deliveries ...worker.Delivery) error {
	for _, d := range deliveries {
		if d.Job.ID == q.jobID {
			return errAck
		}
	}
	return q.MemoryQueue.Ack(ctx, deliveries...)
}

func TestRunFailedAckKeepsBatch(t *testing.T) {
	f := newFixture(t)
	f.processor.Concurrency = 3
	queue := ackFailingQueue{MemoryQueue: worker.NewMemoryQueue(), jobID: "a"}

	ctx := context.Background()
	if err := queue.Enqueue(ctx,
		worker.Job{ID: "a", InputKey: "in/legacy.opus", OutputKey: "out/a.opus"},
		worker.Job{ID: "b", InputKey: "in/legacy.opus", OutputKey: "out/b.opus"},
		worker.Job{ID: "c", InputKey: "in/legacy.opus", OutputKey: "out/c.opus"},
	); err != nil {
		t.Fatal(err)
	}

	if err := f.processor.Run(ctx, queue); !errors.Is(err, errAck) {
		t.Fatalf("expected the ack error, got %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		record, err := f.jobs.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if record.Status != repository.JobDone {
			t.Errorf("job %s: expected status %s, got %s (%s)", id, repository.JobDone, record.Status, record.Error)
		}
	}

	acked := queue.Acked()
	slices.Sort(acked)
	if diff := cmp.Diff([]string{"2-0", "3-0"}, acked); diff != "" {
		t.Errorf("acked messages mismatch (-want +got):\n%s", diff)
	}
}
