package gc

import (
	"context"
	"errors"
	"time"

	"niyya/api/internal/common"
	"niyya/api/internal/logging"
)

// Scheduler runs the job every interval until its context ends. A tick that
// finds the lease held elsewhere is skipped quietly.
type Scheduler struct {
	job      *Job
	interval time.Duration
	opts     Options
	log      logging.Logger
	runs     chan Report
}

func NewScheduler(job *Job, interval time.Duration, opts Options, log logging.Logger) *Scheduler {
	if log == nil {
		log = logging.Nop()
	}
	return &Scheduler{job: job, interval: interval, opts: opts, log: log.With("component", "gc-scheduler")}
}

// Start blocks until ctx is done. It returns immediately when the interval
// is not positive.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	s.log.Info(ctx, "maintenance scheduled", "interval", s.interval.String(), "grace", s.opts.GracePeriod().String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	rep, err := s.job.Run(ctx, s.opts)
	switch {
	case errors.Is(err, common.ErrConflict):
		s.log.Debug(ctx, "maintenance skipped, lease held elsewhere")
		return
	case err != nil:
		if ctx.Err() == nil {
			s.log.Error(ctx, "scheduled maintenance failed", "err", err)
		}
		return
	}
	if s.runs != nil {
		select {
		case s.runs <- rep:
		default:
		}
	}
}
