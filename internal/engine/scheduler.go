package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one unit of recurring maintenance work — a checkpoint, a
// tombstone-chain compaction pass, or any other housekeeping task a
// caller registers. Exactly one of CronExpr or IntervalMs should be set.
type Job struct {
	Name         string
	CronExpr     string // e.g. "*/30 * * * * *" (seconds field enabled)
	IntervalMs   int64
	NoOverlap    bool
	MaxRuntimeMs int64
	Run          func(ctx context.Context) error

	lastRunAt *time.Time
	nextRunAt *time.Time
}

// jobExecution tracks one in-flight run of a Job.
type jobExecution struct {
	startTime time.Time
	cancelFn  context.CancelFunc
}

// Scheduler runs Engine maintenance jobs — by default, a periodic
// Checkpoint — on either a CRON expression or a fixed interval.
type Scheduler struct {
	e    *Engine
	cron *cron.Cron

	mu      sync.Mutex
	jobs    map[string]*Job
	running map[string]*jobExecution
	stopCh  chan struct{}
}

// NewScheduler builds a scheduler for e and registers its configured
// periodic checkpoint job (by CRON expression if cfg.CheckpointCron is
// set, otherwise by cfg.CheckpointInterval).
func NewScheduler(e *Engine) *Scheduler {
	loc, _ := time.LoadLocation("UTC")
	s := &Scheduler{
		e:       e,
		cron:    cron.New(cron.WithLocation(loc), cron.WithSeconds()),
		jobs:    make(map[string]*Job),
		running: make(map[string]*jobExecution),
		stopCh:  make(chan struct{}),
	}

	checkpoint := &Job{
		Name:      "checkpoint",
		NoOverlap: true,
		Run:       func(ctx context.Context) error { return e.p.Checkpoint() },
	}
	if e.cfg.CheckpointCron != "" {
		checkpoint.CronExpr = e.cfg.CheckpointCron
	} else if e.cfg.CheckpointInterval > 0 {
		checkpoint.IntervalMs = e.cfg.CheckpointInterval.Milliseconds()
	}
	if checkpoint.CronExpr != "" || checkpoint.IntervalMs > 0 {
		s.jobs[checkpoint.Name] = checkpoint
	}
	return s
}

// Start registers every configured job with cron (or the interval loop)
// and begins running them.
func (s *Scheduler) Start() {
	s.mu.Lock()
	for _, job := range s.jobs {
		if job.CronExpr != "" {
			if err := s.scheduleCron(job); err != nil {
				log.Printf("scheduler: job %q: %v", job.Name, err)
			}
		} else if job.IntervalMs > 0 {
			next := time.Now().Add(time.Duration(job.IntervalMs) * time.Millisecond)
			job.nextRunAt = &next
		}
	}
	s.mu.Unlock()

	s.cron.Start()
	go s.runIntervalLoop()
}

// Stop halts cron, the interval loop, and cancels any still-running job.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()

	close(s.stopCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, exec := range s.running {
		log.Printf("scheduler: cancelling job %q at shutdown", name)
		exec.cancelFn()
	}
}

// AddJob registers a new maintenance job and schedules it immediately.
func (s *Scheduler) AddJob(job *Job) error {
	s.mu.Lock()
	s.jobs[job.Name] = job
	s.mu.Unlock()

	if job.CronExpr != "" {
		return s.scheduleCron(job)
	}
	if job.IntervalMs > 0 {
		next := time.Now().Add(time.Duration(job.IntervalMs) * time.Millisecond)
		s.mu.Lock()
		job.nextRunAt = &next
		s.mu.Unlock()
	}
	return nil
}

func (s *Scheduler) scheduleCron(job *Job) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(job.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.CronExpr, err)
	}
	_, err := s.cron.AddFunc(job.CronExpr, func() { s.execute(job) })
	return err
}

func (s *Scheduler) runIntervalLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.checkIntervalJobs(now)
		}
	}
}

func (s *Scheduler) checkIntervalJobs(now time.Time) {
	s.mu.Lock()
	due := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.IntervalMs <= 0 || job.nextRunAt == nil {
			continue
		}
		if now.After(*job.nextRunAt) || now.Equal(*job.nextRunAt) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.execute(job)
	}
}

func (s *Scheduler) execute(job *Job) {
	s.mu.Lock()
	if job.NoOverlap {
		if _, running := s.running[job.Name]; running {
			s.mu.Unlock()
			log.Printf("scheduler: job %q still running, skipping this tick", job.Name)
			return
		}
	}

	timeout := time.Duration(job.MaxRuntimeMs) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	exec := &jobExecution{startTime: time.Now(), cancelFn: cancel}
	s.running[job.Name] = exec

	if job.IntervalMs > 0 {
		next := time.Now().Add(time.Duration(job.IntervalMs) * time.Millisecond)
		job.nextRunAt = &next
	}
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.running, job.Name)
			now := time.Now()
			job.lastRunAt = &now
			s.mu.Unlock()
		}()

		if err := job.Run(ctx); err != nil {
			log.Printf("scheduler: job %q failed: %v", job.Name, err)
		}
	}()
}
