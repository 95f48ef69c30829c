package worker

import (
	"fmt"
	"time"
)

const (
	// Stream is the Redis stream jobs are queued on.
	Stream = "normalize_jobs"
	// Group is the consumer group workers read Stream with.
	Group = "normalize_workers"
)

// Job asks a worker to normalize the object at InputKey into OutputKey.
type Job struct {
	ID        string
	InputKey  string
	OutputKey string
	// Policy overrides the worker's configured policy when set.
	Policy     string
	EnqueuedAt time.Time
}

func (j Job) values() map[string]any {
	return map[string]any{
		"jobID":      j.ID,
		"inputKey":   j.InputKey,
		"outputKey":  j.OutputKey,
		"policy":     j.Policy,
		"enqueuedAt": j.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	}
}

func jobFromValues(values map[string]any) (Job, error) {
	field := func(name string) string {
		s, _ := values[name].(string)
		return s
	}

	job := Job{
		ID:        field("jobID"),
		InputKey:  field("inputKey"),
		OutputKey: field("outputKey"),
		Policy:    field("policy"),
	}
	if job.ID == "" || job.InputKey == "" || job.OutputKey == "" {
		return Job{}, fmt.Errorf("job is missing an ID, input key or output key: %v", values)
	}
	if at := field("enqueuedAt"); at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return Job{}, fmt.Errorf("invalid enqueuedAt for job %s: %w", job.ID, err)
		}
		job.EnqueuedAt = t
	}
	return job, nil
}

// LogAttrs returns the attributes jobs are logged with.
func (j Job) LogAttrs() []any {
	return []any{
		"jobID", j.ID,
		"inputKey", j.InputKey,
		"outputKey", j.OutputKey,
		"policy", j.Policy,
	}
}
