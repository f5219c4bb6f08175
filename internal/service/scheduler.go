package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ifuryst/xtrack/internal/config"
	"github.com/ifuryst/xtrack/internal/models"
	"github.com/ifuryst/xtrack/internal/store"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobInactive = errors.New("job is not active")
	ErrJobRunning  = errors.New("job is already running")

	ErrSchedulerDisabled = errors.New("scheduler is disabled")
)

const interruptedMessage = "interrupted by restart"

// JobRunner executes one run of a job.
type JobRunner interface {
	RunJob(ctx context.Context, job *models.Job) (*models.Summary, error)
}

// ScheduledJob describes one armed trigger.
type ScheduledJob struct {
	JobID   uint      `json:"job_id"`
	NextRun time.Time `json:"next_run"`
}

// Scheduler keeps one cron entry per active job and makes sure a job never
// runs twice at the same time.
type Scheduler struct {
	config *config.SchedulerConfig
	store  JobStore
	runner JobRunner
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.Mutex
	entries map[uint]cron.EntryID

	runMu   sync.Mutex
	running map[uint]struct{}
}

func NewScheduler(cfg *config.SchedulerConfig, st JobStore, runner JobRunner, logger *zap.Logger) *Scheduler {
	logger = logger.Named("scheduler")
	cl := cronLogger{logger: logger.Sugar()}
	return &Scheduler{
		config:  cfg,
		store:   st,
		runner:  runner,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		logger:  logger,
		entries: make(map[uint]cron.EntryID),
		running: make(map[uint]struct{}),
	}
}

// Start arms a trigger for every active job. Executions left running by a
// previous process are failed first.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.IsEnabled() {
		s.logger.Info("Scheduler is disabled")
		return nil
	}

	if n, err := s.store.FailRunningExecutions(ctx, time.Now().UTC(), interruptedMessage); err != nil {
		s.logger.Error("Failed to close interrupted executions", zap.Error(err))
	} else if n > 0 {
		s.logger.Warn("Closed interrupted executions", zap.Int64("count", n))
	}

	s.cron.Start()

	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return err
	}
	for i := range jobs {
		s.schedule(&jobs[i])
	}

	s.logger.Info("Scheduler started", zap.Int("jobs", len(jobs)))
	return nil
}

// Stop halts all triggers and waits for in-flight runs, bounded by the
// configured shutdown timeout.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done.Done():
		s.logger.Info("Scheduler shutdown completed")
	case <-time.After(timeout):
		s.logger.Warn("Scheduler shutdown timed out with runs in flight", zap.Duration("timeout", timeout))
	}
}

// ScheduleJob (re)arms the trigger of a job. Missing, inactive and deleted
// jobs are left unscheduled.
func (s *Scheduler) ScheduleJob(ctx context.Context, jobID uint) error {
	if !s.config.IsEnabled() {
		return ErrSchedulerDisabled
	}

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		s.UnscheduleJob(jobID)
		return nil
	}
	if err != nil {
		return err
	}
	if !job.Schedulable() {
		s.UnscheduleJob(jobID)
		return nil
	}

	s.schedule(job)
	return nil
}

func (s *Scheduler) schedule(job *models.Job) {
	interval := job.Frequency.Interval()
	jobID := job.ID

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[jobID]; ok {
		s.cron.Remove(id)
	}
	s.entries[jobID] = s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.fire(jobID)
	}))

	s.logger.Info("Job scheduled",
		zap.Uint("job_id", jobID),
		zap.String("frequency", string(job.Frequency)),
		zap.Duration("interval", interval))
}

// UnscheduleJob removes the trigger of a job. A run already in flight is
// not interrupted.
func (s *Scheduler) UnscheduleJob(jobID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[jobID]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, jobID)
	s.logger.Info("Job unscheduled", zap.Uint("job_id", jobID))
	return true
}

// ScheduledJobs lists armed triggers ordered by job id.
func (s *Scheduler) ScheduledJobs() []ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]ScheduledJob, 0, len(s.entries))
	for jobID, entryID := range s.entries {
		jobs = append(jobs, ScheduledJob{JobID: jobID, NextRun: s.cron.Entry(entryID).Next})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobID < jobs[j].JobID })
	return jobs
}

// RunNow executes a job immediately through the same in-flight guard as
// scheduled firings.
func (s *Scheduler) RunNow(ctx context.Context, jobID uint) (*models.Summary, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if !job.Schedulable() {
		return nil, ErrJobInactive
	}
	return s.run(ctx, job)
}

// IsRunning reports whether a run of jobID is in flight.
func (s *Scheduler) IsRunning(jobID uint) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	_, ok := s.running[jobID]
	return ok
}

func (s *Scheduler) fire(jobID uint) {
	ctx := context.Background()

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Info("Scheduled job no longer exists", zap.Uint("job_id", jobID))
		s.UnscheduleJob(jobID)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load scheduled job", zap.Uint("job_id", jobID), zap.Error(err))
		return
	}
	if !job.Schedulable() {
		s.logger.Debug("Skipping inactive job", zap.Uint("job_id", jobID))
		return
	}

	if _, err := s.run(ctx, job); err != nil {
		if errors.Is(err, ErrJobRunning) {
			s.logger.Info("Skipping firing, previous run still in flight", zap.Uint("job_id", jobID))
			return
		}
		s.logger.Error("Scheduled run failed", zap.Uint("job_id", jobID), zap.Error(err))
	}
}

func (s *Scheduler) run(ctx context.Context, job *models.Job) (*models.Summary, error) {
	if !s.acquire(job.ID) {
		return nil, ErrJobRunning
	}
	defer s.release(job.ID)

	return s.runner.RunJob(context.WithoutCancel(ctx), job)
}

func (s *Scheduler) acquire(jobID uint) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if _, busy := s.running[jobID]; busy {
		return false
	}
	s.running[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID uint) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	delete(s.running, jobID)
}

// cronLogger routes cron's logr-style output into zap
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
