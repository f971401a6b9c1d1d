// Package scheduler runs periodic maintenance jobs such as certificate
// reconciliation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job is one unit of periodic work.
type Job interface {
	// Name returns the unique name of the job.
	Name() string

	// Description returns a human-readable description of the job.
	Description() string

	// Run executes the job. ctx is cancelled when the scheduler stops.
	Run(ctx context.Context) error
}

// Schedule decides when a job runs next.
type Schedule interface {
	Next(t time.Time) time.Time
	String() string
}

// JobResult contains the result of one job execution.
type JobResult struct {
	JobName     string        `json:"job"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Manual      bool          `json:"manual,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrNilJob                  = errors.New("job cannot be nil")
	ErrNilSchedule             = errors.New("schedule cannot be nil")
	ErrUnsupportedSchedule     = errors.New("unsupported schedule type")
	ErrJobAlreadyExists        = errors.New("job already exists")
	ErrJobNotFound             = errors.New("job not found")
	ErrJobRunning              = errors.New("job is already running")
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// Timing, next-run bookkeeping and scheduled no-overlap belong to gocron.
// This layer adds the job contract, a context that Stop cancels, panic
// recovery, result history and synchronous manual runs for the ops API.
// ══════════════════════════════════════════════════════════════════════════════

// Config contains configuration for the Scheduler.
type Config struct {
	Logger *logger.Logger

	// Timezone for cron schedules. Defaults to UTC.
	Timezone *time.Location

	// HistorySize bounds the number of results kept for the ops view.
	HistorySize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timezone:    time.UTC,
		HistorySize: 100,
	}
}

type scheduledJob struct {
	job       Job
	schedule  Schedule
	entry     *gocron.Job
	running   bool
	lastRun   time.Time
	runCount  int64
	failCount int64
	last      *JobResult
}

// Scheduler runs registered jobs on their schedules. A job never overlaps
// with itself, whether it was started by its schedule or by RunNow.
type Scheduler struct {
	config Config
	log    *logger.Logger
	now    func() time.Time
	engine *gocron.Scheduler

	mu      sync.Mutex
	jobs    map[string]*scheduledJob
	history []JobResult
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new Scheduler.
func New(config Config) *Scheduler {
	defaults := DefaultConfig()
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.Timezone == nil {
		config.Timezone = defaults.Timezone
	}
	if config.HistorySize <= 0 {
		config.HistorySize = defaults.HistorySize
	}

	engine := gocron.NewScheduler(config.Timezone)
	engine.SingletonModeAll()
	engine.WaitForScheduleAll()

	return &Scheduler{
		config: config,
		log:    config.Logger.With(logger.Component("scheduler")),
		now:    time.Now,
		engine: engine,
		jobs:   make(map[string]*scheduledJob),
	}
}

// Register adds a job with its schedule.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	if job == nil {
		return ErrNilJob
	}
	if schedule == nil {
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}

	var timing *gocron.Scheduler
	switch sched := schedule.(type) {
	case *IntervalSchedule:
		timing = s.engine.Every(sched.Interval)
	case *CronSchedule:
		timing = s.engine.Cron(sched.String())
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedSchedule, schedule)
	}

	sj := &scheduledJob{job: job, schedule: schedule}
	entry, err := timing.Tag(name).Do(s.runScheduled, sj)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	sj.entry = entry
	s.jobs[name] = sj

	s.log.Info("job registered",
		logger.String("job", name),
		logger.String("schedule", schedule.String()),
	)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start runs jobs on their schedules until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	count := len(s.jobs)
	s.mu.Unlock()

	s.engine.StartAsync()
	s.log.Info("scheduler started", logger.Int("jobs", count))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.engine.Stop()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether jobs are being scheduled.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// runScheduled is what gocron invokes when sj is due.
func (s *Scheduler) runScheduled(sj *scheduledJob) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if sj.running {
		s.mu.Unlock()
		s.log.Debug("skipping scheduled run, job still running", logger.String("job", sj.job.Name()))
		return
	}
	sj.running = true
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.execute(ctx, sj, false)
}

// execute runs sj and records the result. The caller has set sj.running.
func (s *Scheduler) execute(ctx context.Context, sj *scheduledJob, manual bool) JobResult {
	name := sj.job.Name()
	started := s.now()
	s.log.Debug("job started", logger.String("job", name), logger.Bool("manual", manual))

	err := s.safeRun(ctx, sj.job)
	completed := s.now()

	result := JobResult{
		JobName:     name,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		Success:     err == nil,
		Manual:      manual,
	}
	if err != nil {
		result.Error = err.Error()
	}

	s.mu.Lock()
	sj.running = false
	sj.lastRun = started
	sj.runCount++
	if err != nil {
		sj.failCount++
	}
	sj.last = &result
	s.history = append(s.history, result)
	if over := len(s.history) - s.config.HistorySize; over > 0 {
		s.history = s.history[over:]
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("job failed",
			logger.String("job", name),
			logger.Latency(result.Duration),
			logger.Err(err),
		)
	} else {
		s.log.Info("job completed",
			logger.String("job", name),
			logger.Latency(result.Duration),
		)
	}
	return result
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}

// RunNow executes a job immediately, outside its schedule. It refuses to
// start a job that is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) (JobResult, error) {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return JobResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if sj.running || sj.entry.IsRunning() {
		s.mu.Unlock()
		return JobResult{}, fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	sj.running = true
	s.mu.Unlock()

	result := s.execute(ctx, sj, true)
	if !result.Success {
		return result, errors.New(result.Error)
	}
	return result, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo describes a registered job.
type JobInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schedule    string     `json:"schedule"`
	Running     bool       `json:"running"`
	LastRun     time.Time  `json:"last_run,omitempty"`
	NextRun     time.Time  `json:"next_run"`
	RunCount    int64      `json:"run_count"`
	FailCount   int64      `json:"fail_count"`
	LastResult  *JobResult `json:"last_result,omitempty"`
}

// Jobs lists registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, sj := range s.jobs {
		infos = append(infos, JobInfo{
			Name:        name,
			Description: sj.job.Description(),
			Schedule:    sj.schedule.String(),
			Running:     sj.running || sj.entry.IsRunning(),
			LastRun:     sj.lastRun,
			NextRun:     sj.entry.NextRun(),
			RunCount:    sj.runCount,
			FailCount:   sj.failCount,
			LastResult:  sj.last,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// History returns up to limit recent results, oldest first.
func (s *Scheduler) History(limit int) []JobResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]JobResult, limit)
	copy(out, s.history[len(s.history)-limit:])
	return out
}
