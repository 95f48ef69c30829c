package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glizzus/opus-normalize/internal/datalayer"
	"github.com/glizzus/opus-normalize/internal/normalize"
	"github.com/glizzus/opus-normalize/internal/pipeline"
	"github.com/glizzus/opus-normalize/internal/repository"
	"golang.org/x/sync/errgroup"
)

// Processor runs normalization jobs against blob storage and records their
// outcome.
type Processor struct {
	storage  datalayer.BlobStorage
	jobs     repository.JobRepository
	pipeline *pipeline.Pipeline

	// WorkDir holds per-job scratch files. Empty means os.TempDir.
	WorkDir string
	// Concurrency caps the jobs processed at once. Zero means one.
	Concurrency int
}

func NewProcessor(storage datalayer.BlobStorage, jobs repository.JobRepository, p *pipeline.Pipeline) *Processor {
	return &Processor{storage: storage, jobs: jobs, pipeline: p}
}

// Process runs one job to completion. The job's record is left as done or
// failed; the returned error is the failure cause.
func (p *Processor) Process(ctx context.Context, job Job) (res pipeline.Result, err error) {
	p.logger().InfoContext(ctx, "Processing job", job.LogAttrs()...)
	if err := p.jobs.Save(ctx, repository.Job{
		ID:        job.ID,
		InputKey:  job.InputKey,
		OutputKey: job.OutputKey,
		Policy:    job.Policy,
		Status:    repository.JobRunning,
	}); err != nil {
		return pipeline.Result{}, err
	}
	defer func() {
		if err == nil {
			return
		}
		// The record is written even when ctx is already done.
		if ferr := p.jobs.Fail(context.WithoutCancel(ctx), job.ID, err); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}()

	normalizer := p.pipeline.With(pipeline.WithLogger(p.logger().With("jobID", job.ID)))
	if job.Policy != "" {
		policy, err := normalize.ParsePolicy(job.Policy)
		if err != nil {
			return pipeline.Result{}, err
		}
		normalizer = normalizer.With(pipeline.WithPolicy(policy))
	}

	dir, err := os.MkdirTemp(p.WorkDir, "job-*")
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			slog.Warn("failed to remove work directory", "dir", dir, slog.Any("error", rmErr))
		}
	}()

	input := filepath.Join(dir, "input.opus")
	output := filepath.Join(dir, "output.opus")
	if err := p.download(ctx, job.InputKey, input); err != nil {
		return pipeline.Result{}, err
	}

	res, err = normalizer.Normalize(ctx, input, output)
	if err != nil {
		return pipeline.Result{}, err
	}

	if err := p.upload(ctx, output, job.OutputKey); err != nil {
		return pipeline.Result{}, err
	}

	if err := p.jobs.Complete(ctx, job.ID, repository.JobOutcome{
		Packets: res.Packets,
		Frames:  res.Frames,
		Pages:   res.Pages,
		Peak:    res.Peak,
		GainDB:  normalize.LinearToDB(res.Gain),
	}); err != nil {
		return pipeline.Result{}, err
	}
	return res, nil
}

func (p *Processor) download(ctx context.Context, key, path string) (err error) {
	rc, err := p.storage.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to download input: %w", err)
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create input file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("failed to download input: %w", err)
	}
	return nil
}

func (p *Processor) upload(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat output: %w", err)
	}
	if err := p.storage.Put(ctx, key, f, datalayer.PutOptions{
		Size:        info.Size(),
		ContentType: datalayer.ContentTypeOpus,
	}); err != nil {
		return fmt.Errorf("failed to upload output: %w", err)
	}
	return nil
}

func (p *Processor) logger() *slog.Logger {
	if l := p.pipeline.Options().Logger; l != nil {
		return l
	}
	return slog.Default()
}

// Run receives and processes jobs until ctx is done. Failed jobs are acked
// as well; their failure is kept in the job record. Jobs interrupted by
// ctx are left unacked so another worker picks them up.
func (p *Processor) Run(ctx context.Context, queue Queue) error {
	for {
		deliveries, err := queue.Receive(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if len(deliveries) == 0 {
			continue
		}

		if err := p.processBatch(ctx, queue, deliveries); err != nil {
			return err
		}
	}
}

// processBatch processes deliveries concurrently. Every job runs and is acked
// on ctx, so a failed ack is returned once the rest of the batch is done
// instead of cancelling it.
func (p *Processor) processBatch(ctx context.Context, queue Queue, deliveries []Delivery) error {
	var g errgroup.Group
	g.SetLimit(max(p.Concurrency, 1))

	for _, d := range deliveries {
		g.Go(func() error {
			res, err := p.Process(ctx, d.Job)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				attrs := append(d.Job.LogAttrs(), slog.Any("error", err))
				p.logger().ErrorContext(ctx, "Job failed", attrs...)
			} else {
				attrs := append(d.Job.LogAttrs(), "frames", res.Frames, "elapsed", res.Elapsed)
				p.logger().InfoContext(ctx, "Job done", attrs...)
			}
			if err := queue.Ack(ctx, d); err != nil {
				return fmt.Errorf("failed to ack job %s: %w", d.Job.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
