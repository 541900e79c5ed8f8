package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is one scheduled batch run.
type Job func(ctx context.Context) error

// Scheduler runs the polling and watch-renewal batches on cron schedules.
// A run still in progress when its next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	log     logrus.FieldLogger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers PollAll and RenewWatches of o. timeout bounds a
// single run of either job.
func NewScheduler(o *Orchestrator, pollSpec, renewSpec string, timeout time.Duration, log logrus.FieldLogger) (*Scheduler, error) {
	s := newScheduler(log, timeout)
	if err := s.Add("poll", pollSpec, o.PollAll); err != nil {
		return nil, err
	}
	if err := s.Add("renew_watches", renewSpec, o.RenewWatches); err != nil {
		return nil, err
	}
	return s, nil
}

func newScheduler(log logrus.FieldLogger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger := cron.PrintfLogger(log)
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		log:     log,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add schedules job under a standard five-field cron spec.
func (s *Scheduler) Add(name, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	start := time.Now()
	log := s.log.WithField("job", name)
	if err := job(ctx); err != nil {
		log.WithError(err).Warn("scheduled job failed")
		return
	}
	log.WithField("duration", time.Since(start).String()).Debug("scheduled job finished")
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
