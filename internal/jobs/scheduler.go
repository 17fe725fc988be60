package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatcontext/internal/logging"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job represents a scheduled maintenance task
type Job interface {
	Run(ctx context.Context) error
}

// JobStatus represents the status of a job
type JobStatus struct {
	Name        string    `json:"name"`
	Schedule    string    `json:"schedule"`
	NextRunTime time.Time `json:"next_run_time"`
	LastRunTime time.Time `json:"last_run_time,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Runs        int       `json:"runs"`
}

type registeredJob struct {
	job      Job
	schedule string
	parsed   cron.Schedule
	handle   gocron.Job
	lastRun  time.Time
	lastErr  error
	runs     int
	running  sync.Mutex
}

// JobScheduler runs registered jobs on cron schedules
type JobScheduler struct {
	scheduler gocron.Scheduler
	jobs      map[string]*registeredJob
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	started   bool
	log       *logrus.Entry
}

// NewJobScheduler creates a scheduler evaluating cron expressions in UTC
func NewJobScheduler() (*JobScheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create job scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		scheduler: scheduler,
		jobs:      make(map[string]*registeredJob),
		ctx:       ctx,
		cancel:    cancel,
		log:       logging.Component("scheduler"),
	}, nil
}

// Register adds a job under a unique name with a standard five-field cron expression
func (s *JobScheduler) Register(name, cronExpr string, job Job) error {
	parsed, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", cronExpr, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s is already registered", name)
	}

	entry := &registeredJob{job: job, schedule: cronExpr, parsed: parsed}
	handle, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() {
			if err := s.runJob(s.ctx, name, entry); err != nil {
				s.log.WithError(err).WithField("job", name).Error("Scheduled job failed")
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	entry.handle = handle
	s.jobs[name] = entry

	s.log.WithFields(logrus.Fields{"job": name, "schedule": cronExpr}).Info("Job registered")
	return nil
}

// Start begins executing registered jobs on their schedules
func (s *JobScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.scheduler.Start()
	s.log.WithField("jobs", len(s.jobs)).Info("Job scheduler started")
}

// Stop cancels running jobs and waits for the scheduler to shut down
func (s *JobScheduler) Stop() error {
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop job scheduler: %w", err)
	}
	s.log.Info("Job scheduler stopped")
	return nil
}

// RunNow runs a job synchronously outside its schedule
func (s *JobScheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	entry, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("job %s not found", name)
	}
	return s.runJob(ctx, name, entry)
}

func (s *JobScheduler) runJob(ctx context.Context, name string, entry *registeredJob) error {
	entry.running.Lock()
	defer entry.running.Unlock()

	log := s.log.WithField("job", name)
	start := time.Now()
	log.Debug("Running job")

	err := entry.job.Run(ctx)

	s.mu.Lock()
	entry.lastRun = start
	entry.lastErr = err
	entry.runs++
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	log.WithField("duration_ms", time.Since(start).Milliseconds()).Info("Job completed")
	return nil
}

// GetStatus returns the status of all jobs
func (s *JobScheduler) GetStatus() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	status := make(map[string]JobStatus, len(s.jobs))
	for name, entry := range s.jobs {
		next, err := entry.handle.NextRun()
		if err != nil || next.IsZero() {
			next = entry.parsed.Next(now)
		}
		st := JobStatus{
			Name:        name,
			Schedule:    entry.schedule,
			NextRunTime: next,
			LastRunTime: entry.lastRun,
			Runs:        entry.runs,
		}
		if entry.lastErr != nil {
			st.LastError = entry.lastErr.Error()
		}
		status[name] = st
	}
	return status
}
