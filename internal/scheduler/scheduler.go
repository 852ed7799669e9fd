// Package scheduler runs the ingestion cycle on a fixed interval.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron engine with a single interval job. Overlapping
// runs are skipped, a panicking job is recovered and logged.
type Scheduler struct {
	cron     *cron.Cron
	interval time.Duration
	logger   *slog.Logger
}

// New builds a scheduler that invokes job every interval. The job is
// not invoked until Start is called.
func New(logger *slog.Logger, interval time.Duration, job func()) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cl),
		cron.Recover(cl),
	))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), job); err != nil {
		return nil, fmt.Errorf("could not schedule job: %w", err)
	}
	return &Scheduler{
		cron:     c,
		interval: interval,
		logger:   logger,
	}, nil
}

// Start begins ticking. The first run happens one interval after start.
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler", "interval", s.interval.String())
	s.cron.Start()
}

// Stop halts the ticker and waits for an in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error(msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
