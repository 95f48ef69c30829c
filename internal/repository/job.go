package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrJobNotFound = errors.New("normalization job not found")

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is the record of one normalization request.
type Job struct {
	ID        string
	InputKey  string
	OutputKey string
	Policy    string
	Status    JobStatus

	Packets int
	Frames  int
	Pages   int
	Peak    int
	GainDB  float64
	Error   string

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// JobOutcome is what a finished job reports.
type JobOutcome struct {
	Packets int
	Frames  int
	Pages   int
	Peak    int
	GainDB  float64
}

type JobRepository interface {
	// Save inserts the job, or resets it if it already exists.
	Save(ctx context.Context, job Job) error
	Complete(ctx context.Context, id string, outcome JobOutcome) error
	Fail(ctx context.Context, id string, cause error) error
	Get(ctx context.Context, id string) (Job, error)
	List(ctx context.Context, limit int) ([]Job, error)
}

type PostgresJobRepository struct {
	db *pgxpool.Pool
}

func NewPostgresJobRepository(db *pgxpool.Pool) *PostgresJobRepository {
	return &PostgresJobRepository{db: db}
}

var _ JobRepository = (*PostgresJobRepository)(nil)

func (r *PostgresJobRepository) Save(ctx context.Context, job Job) error {
	const query = `
	INSERT INTO normalize_job (id, input_key, output_key, policy, status)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET
		input_key = EXCLUDED.input_key,
		output_key = EXCLUDED.output_key,
		policy = EXCLUDED.policy,
		status = EXCLUDED.status,
		error = '',
		completed_at = NULL
	`
	status := job.Status
	if status == "" {
		status = JobPending
	}
	if _, err := r.db.Exec(ctx, query, job.ID, job.InputKey, job.OutputKey, job.Policy, status); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (r *PostgresJobRepository) Complete(ctx context.Context, id string, outcome JobOutcome) error {
	const query = `
	UPDATE normalize_job SET
		status = 'done',
		packets = $2,
		frames = $3,
		pages = $4,
		peak = $5,
		gain_db = $6,
		error = '',
		completed_at = now()
	WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, outcome.Packets, outcome.Frames, outcome.Pages, outcome.Peak, outcome.GainDB)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

func (r *PostgresJobRepository) Fail(ctx context.Context, id string, cause error) error {
	const query = `
	UPDATE normalize_job SET status = 'failed', error = $2, completed_at = now()
	WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, cause.Error())
	if err != nil {
		return fmt.Errorf("failed to mark job %s as failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

const jobColumns = `id, input_key, output_key, policy, status, packets, frames, pages, peak, gain_db, error, created_at, completed_at`

func scanJob(row pgx.Row) (Job, error) {
	var job Job
	err := row.Scan(
		&job.ID,
		&job.InputKey,
		&job.OutputKey,
		&job.Policy,
		&job.Status,
		&job.Packets,
		&job.Frames,
		&job.Pages,
		&job.Peak,
		&job.GainDB,
		&job.Error,
		&job.CreatedAt,
		&job.CompletedAt,
	)
	return job, err
}

func (r *PostgresJobRepository) Get(ctx context.Context, id string) (Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM normalize_job WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// List returns the most recently created jobs first.
func (r *PostgresJobRepository) List(ctx context.Context, limit int) ([]Job, error) {
	rows, err := r.db.Query(ctx, `SELECT `+jobColumns+` FROM normalize_job ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		slog.ErrorContext(ctx, "Error iterating over job rows", slog.Any("error", err))
		return nil, err
	}
	return jobs, nil
}

// MemoryJobRepository keeps jobs in memory.
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[string]Job
	now  func() time.Time
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[string]Job), now: time.Now}
}

var _ JobRepository = (*MemoryJobRepository)(nil)

func (r *MemoryJobRepository) Save(ctx context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.Status == "" {
		job.Status = JobPending
	}
	if existing, ok := r.jobs[job.ID]; ok {
		job.CreatedAt = existing.CreatedAt
	} else {
		job.CreatedAt = r.now()
	}
	job.Error = ""
	job.CompletedAt = nil
	r.jobs[job.ID] = job
	return nil
}

func (r *MemoryJobRepository) update(id string, fn func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	fn(&job)
	now := r.now()
	job.CompletedAt = &now
	r.jobs[id] = job
	return nil
}

func (r *MemoryJobRepository) Complete(ctx context.Context, id string, outcome JobOutcome) error {
	return r.update(id, func(job *Job) {
		job.Status = JobDone
		job.Packets = outcome.Packets
		job.Frames = outcome.Frames
		job.Pages = outcome.Pages
		job.Peak = outcome.Peak
		job.GainDB = outcome.GainDB
		job.Error = ""
	})
}

func (r *MemoryJobRepository) Fail(ctx context.Context, id string, cause error) error {
	return r.update(id, func(job *Job) {
		job.Status = JobFailed
		job.Error = cause.Error()
	})
}

func (r *MemoryJobRepository) Get(ctx context.Context, id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

func (r *MemoryJobRepository) List(ctx context.Context, limit int) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	slices.SortFunc(jobs, func(a, b Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	if limit >= 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}
