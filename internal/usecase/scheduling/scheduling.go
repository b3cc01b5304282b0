package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaycore/internal/domain"
)

// JobEndpointRefresh is the name of the periodic endpoint refresh job.
const JobEndpointRefresh = "endpoint_refresh"

const defaultJobTimeout = time.Minute

// Job is the unit of work a scheduler runs.
type Job func(ctx context.Context) error

// Refresher is satisfied by the endpoint store.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RefreshJob returns a Job that refreshes endpoint config through r.
func RefreshJob(r Refresher) Job {
	return r.Refresh
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithJobTimeout bounds each individual job run.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

// Scheduler runs named jobs on cron expressions or fixed intervals.
type Scheduler struct {
	cron       *cron.Cron
	entries    map[string]cron.EntryID
	logger     *slog.Logger
	jobTimeout time.Duration

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. Jobs may be added before or after Start.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		entries:    make(map[string]cron.EntryID),
		logger:     logger,
		jobTimeout: defaultJobTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add schedules job under name. schedule is a 5-field cron expression or a
// positive Go duration such as "10m".
func (s *Scheduler) Add(name, schedule string, job Job) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return domain.NewSubSystemError("scheduling", "Add", domain.ErrInvalidInput,
			fmt.Sprintf("job %q: %v", name, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return domain.NewSubSystemError("scheduling", "Add", domain.ErrDuplicate,
			fmt.Sprintf("job %q already scheduled", name))
	}
	s.entries[name] = s.cron.Schedule(sched, cron.FuncJob(func() { s.run(name, job) }))
	s.logger.Info("job scheduled", "job", name, "schedule", schedule)
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		s.logger.Debug("scheduler stopped, skipping job", "job", name)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	if err := job(jobCtx); err != nil {
		s.logger.Warn("scheduled job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled job completed", "job", name, "duration", time.Since(start))
}

// Remove unschedules a job.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[name]
	if !ok {
		return domain.NewSubSystemError("scheduling", "Remove", domain.ErrNotFound,
			fmt.Sprintf("job %q", name))
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return nil
}

// NextRun reports when name fires next. The time is zero until Start.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins running scheduled jobs. Jobs run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule accepts a 5-field cron expression, a descriptor such as
// "@hourly", or a positive duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(d), nil
}

// constantDelay fires every d. Unlike cron.Every it keeps sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
