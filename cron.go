package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextOccurrence returns the first instant after from that matches the cron
// expression. Jobs are one-shot: use it to pick a RunAt, not to repeat a job.
//
// Supports the six-field format "* * * * * *" (second minute hour day month
// weekday) and descriptors such as "@hourly".
func NextOccurrence(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid cron expression %q", expr)
	}

	next := schedule.Next(from)
	if next.IsZero() {
		return time.Time{}, errors.Newf("cron expression %q has no future occurrence", expr)
	}
	return next, nil
}
