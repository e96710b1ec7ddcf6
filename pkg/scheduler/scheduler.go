// Package scheduler triggers collectors on cron schedules and skips those
// whose data has not expired yet.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/eve-esi-collector/pkg/cache"
	"github.com/Sternrassler/eve-esi-collector/pkg/collector"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var skippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "esi_scheduler_skipped_total",
	Help: "Total scheduled runs skipped because the data had not expired",
}, []string{"collector"})

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron spec or a descriptor such as "@every 5m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Runner is one collector. *collector.Collector implements it.
type Runner interface {
	Name() string
	Run(ctx context.Context) (collector.RunResult, error)
}

// ExpiryStore persists next-refresh markers. *cache.Manager implements it.
type ExpiryStore interface {
	NextRefresh(ctx context.Context, key cache.CacheKey) (time.Time, bool, error)
	Set(ctx context.Context, key cache.CacheKey, entry *cache.ExpiryEntry) error
}

// Job binds a runner to its schedule.
type Job struct {
	Runner   Runner
	Schedule string
	// Key defaults to the runner name.
	Key cache.CacheKey
}

// Outcome describes one triggered run.
type Outcome struct {
	Name    string
	Skipped bool
	Result  collector.RunResult
	Err     error
}

// Scheduler runs registered jobs.
type Scheduler struct {
	cron   *cron.Cron
	store  ExpiryStore
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs []*Job
	ctx  context.Context
}

// New creates a scheduler. store may be nil, in which case every trigger runs.
func New(store ExpiryStore, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		store:  store,
		logger: logger,
		now:    time.Now,
		ctx:    context.Background(),
	}
}

// Register adds a job. A job without a schedule only runs through RunDue
// and Trigger.
func (s *Scheduler) Register(job Job) error {
	if job.Runner == nil {
		return fmt.Errorf("job runner is required")
	}
	if job.Key.Collector == "" {
		job.Key.Collector = job.Runner.Name()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.Runner.Name() == job.Runner.Name() {
			return fmt.Errorf("collector %s already registered", job.Runner.Name())
		}
	}

	j := job
	if j.Schedule != "" {
		sched, err := ParseSchedule(j.Schedule)
		if err != nil {
			return fmt.Errorf("collector %s: %w", j.Runner.Name(), err)
		}
		s.cron.Schedule(sched, cron.FuncJob(func() {
			s.mu.Lock()
			ctx := s.ctx
			s.mu.Unlock()
			s.trigger(ctx, &j, false)
		}))
	}
	s.jobs = append(s.jobs, &j)

	s.logger.Info().Str("collector", j.Runner.Name()).Str("schedule", j.Schedule).Msg("Collector registered")
	return nil
}

// Trigger runs the named job now. With force set the stored next refresh is
// ignored.
func (s *Scheduler) Trigger(ctx context.Context, name string, force bool) (Outcome, error) {
	s.mu.Lock()
	var job *Job
	for _, j := range s.jobs {
		if j.Runner.Name() == name {
			job = j
			break
		}
	}
	s.mu.Unlock()

	if job == nil {
		return Outcome{}, fmt.Errorf("unknown collector %q", name)
	}
	return s.trigger(ctx, job, force), nil
}

// Names returns the registered collector names in registration order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Runner.Name()
	}
	return names
}

// RunDue runs every registered job that is due, one after another.
func (s *Scheduler) RunDue(ctx context.Context) []Outcome {
	s.mu.Lock()
	jobs := append([]*Job(nil), s.jobs...)
	s.mu.Unlock()

	outcomes := make([]Outcome, 0, len(jobs))
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, s.trigger(ctx, j, false))
	}
	return outcomes
}

// Start runs the cron loop until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
}

// Stop stops the cron loop. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) trigger(ctx context.Context, j *Job, force bool) Outcome {
	name := j.Runner.Name()
	logger := s.logger.With().Str("collector", name).Logger()
	out := Outcome{Name: name}

	if s.store != nil && !force {
		next, ok, err := s.store.NextRefresh(ctx, j.Key)
		if err != nil {
			logger.Warn().Err(err).Msg("Could not read next refresh, running anyway")
		} else if ok && s.now().Before(next) {
			skippedTotal.WithLabelValues(name).Inc()
			logger.Debug().Time("next_refresh", next).Msg("Data not expired, skipping run")
			out.Skipped = true
			return out
		}
	}

	out.Result, out.Err = j.Runner.Run(ctx)
	if out.Err != nil {
		return out
	}

	if s.store != nil && out.Result.HasNextRefresh {
		entry := &cache.ExpiryEntry{
			Expires:       out.Result.NextRefresh,
			Pages:         out.Result.Pages,
			ExpectedPages: out.Result.ExpectedPages,
		}
		if err := s.store.Set(ctx, j.Key, entry); err != nil {
			logger.Warn().Err(err).Msg("Could not store next refresh")
		}
	}
	return out
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
