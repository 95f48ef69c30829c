package schedule

import (
	"fmt"
	"time"

	"github.com/hashicorp/cronexpr"
)

// Parse parses a cron expression. Expressions with five fields fire at
// minute granularity; a leading seconds field and a trailing year field are
// also accepted.
func Parse(cron string) (*cronexpr.Expression, error) {
	expr, err := cronexpr.Parse(cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cron, err)
	}
	return expr, nil
}

// NextRunTimes returns the next N run times that a cron expression will run.
// Each run time is in UTC.
func NextRunTimes(cron string, n int) ([]time.Time, error) {
	cutoff := time.Now().UTC()
	return NextRunTimesAfter(cron, cutoff, n)
}

// NextRunTimesAfter returns the next N run times after a specific time.
// It returns an error if the cron expression is invalid or if count is less than 1.
func NextRunTimesAfter(cron string, after time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, fmt.Errorf("count must be greater than 0")
	}
	expr, err := Parse(cron)
	if err != nil {
		return nil, err
	}
	return expr.NextN(after, uint(n)), nil
}

func ValidateCron(cron string) error {
	_, err := Parse(cron)
	return err
}
