// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 5 * time.Minute

// JobFunc is the body of a maintenance job.
type JobFunc func(ctx context.Context) error

// Job is a named recurring task.
type Job struct {
	// Name is the unique job identifier.
	Name string

	// Schedule is a 5-field cron expression or a descriptor such as
	// @hourly or "@every 10m".
	Schedule string

	// Timeout overrides DefaultJobTimeout when positive.
	Timeout time.Duration

	Run JobFunc
}

// JobStatus is a snapshot of a job's run history.
type JobStatus struct {
	Name        string
	Schedule    string
	RunCount    int
	LastRunAt   time.Time
	LastError   string
	LastRunTime time.Duration
	Next        time.Time
}

type jobState struct {
	job     Job
	entryID cron.EntryID
	running bool
	status  JobStatus
}

// Scheduler owns a cron runner and the registered jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   map[string]*jobState
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Jobs can be added before or after Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		jobs:   make(map[string]*jobState),
		logger: logger.With("component", "scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job. The schedule is validated immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Schedule == "" {
		return fmt.Errorf("job %q: schedule is required", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %q: run func is required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already exists", job.Name)
	}

	st := &jobState{job: job, status: JobStatus{Name: job.Name, Schedule: job.Schedule}}
	id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(st) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}
	st.entryID = id
	s.jobs[job.Name] = st

	s.logger.Info("job added", "name", job.Name, "schedule", job.Schedule)
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.cron.Remove(st.entryID)
	delete(s.jobs, name)
	return nil
}

// RunNow executes a job synchronously outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	st, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	return s.execute(st)
}

// Status returns a snapshot of every job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, st := range s.jobs {
		status := st.status
		status.Next = s.cron.Entry(st.entryID).Next
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop halts the cron runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.cancel()
	s.logger.Info("scheduler stopped")
}

// execute runs one job. Overlapping fires are skipped and panics are
// recovered into the job's LastError.
func (s *Scheduler) execute(st *jobState) (err error) {
	s.mu.Lock()
	if st.running {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "name", st.job.Name)
		return fmt.Errorf("job %q already running", st.job.Name)
	}
	st.running = true
	s.mu.Unlock()

	timeout := st.job.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("scheduled job panicked", "name", st.job.Name, "panic", r)
		}

		s.mu.Lock()
		st.running = false
		st.status.RunCount++
		st.status.LastRunAt = start
		st.status.LastRunTime = time.Since(start)
		st.status.LastError = ""
		if err != nil {
			st.status.LastError = err.Error()
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("scheduled job failed", "name", st.job.Name, "error", err)
		} else {
			s.logger.Debug("scheduled job completed", "name", st.job.Name, "duration", time.Since(start))
		}
	}()

	return st.job.Run(ctx)
}
