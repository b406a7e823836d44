package generateexpansion

import (
	"context"
	"time"

	"site-expansion/internal/common/logger"
)

const DefaultPollInterval = 5 * time.Second

// Poller drains queued jobs when no workflow engine dispatches them.
type Poller struct {
	jobs     JobStore
	runner   *Runner
	interval time.Duration
	timeout  time.Duration
	logger   logger.Logger
}

func NewPoller(jobs JobStore, runner *Runner, interval, timeout time.Duration, log logger.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Poller{
		jobs:     jobs,
		runner:   runner,
		interval: interval,
		timeout:  timeout,
		logger:   logger.ForComponent(log, "expansion-poller"),
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain runs queued jobs one at a time until the queue is empty and returns
// how many were run.
func (p *Poller) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		job, err := p.jobs.ClaimNextQueued(ctx)
		if err != nil {
			p.logger.Error("claim queued job failed", map[string]interface{}{"error": err.Error()})
			return n
		}
		if job == nil {
			return n
		}

		runCtx, cancel := p.jobContext(ctx)
		if _, err := p.runner.RunClaimed(runCtx, job); err != nil {
			p.logger.Error("expansion job run failed", map[string]interface{}{
				"jobId": job.ID,
				"error": err.Error(),
			})
		}
		cancel()
		n++
	}
	return n
}

func (p *Poller) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout > 0 {
		return context.WithTimeout(ctx, p.timeout)
	}
	return context.WithCancel(ctx)
}
