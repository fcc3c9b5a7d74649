// Package scheduler runs the registered monitor tasks, one goroutine
// per task, each on its own cadence behind a market-phase gate.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/market"
)

// Task is one scheduled unit of work. Run is invoked sequentially
// within the task's goroutine; tasks never overlap with themselves.
type Task struct {
	Name       string
	Cadence    time.Duration
	Phases     []market.Phase  // Eligible phases; empty means always
	RunAtStart bool            // Run once immediately on Start
	Wake       <-chan struct{} // Optional early-wake signal
	Run        func(ctx context.Context) error
}

// TaskStatus is a point-in-time view of one task for the status API
type TaskStatus struct {
	Name      string        `json:"name"`
	Cadence   time.Duration `json:"cadence"`
	Runs      int64         `json:"runs"`
	Errors    int64         `json:"errors"`
	Skips     int64         `json:"skips"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Scheduler owns the task goroutines. Shutdown is cooperative: tasks
// are cancelled between ticks, and Stop waits for in-flight runs to
// finish.
type Scheduler struct {
	calendar *market.Calendar
	clock    func() time.Time
	log      zerolog.Logger

	mu      sync.Mutex
	tasks   []Task
	status  map[string]*TaskStatus
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New creates a scheduler gated on the given market calendar
func New(calendar *market.Calendar, clock func() time.Time, log zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		calendar: calendar,
		clock:    clock,
		log:      log.With().Str("component", "scheduler").Logger(),
		status:   make(map[string]*TaskStatus),
		stop:     make(chan struct{}),
	}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	s.status[t.Name] = &TaskStatus{Name: t.Name, Cadence: t.Cadence}
}

// Start launches one goroutine per registered task
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && !s.stopped {
		s.log.Warn().Msg("Scheduler already started, ignoring")
		return
	}
	if s.stopped {
		s.stop = make(chan struct{})
		s.stopped = false
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	stop := s.stop
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.runLoop(ctx, stop, t)
	}
	s.log.Info().Int("tasks", len(s.tasks)).Msg("Scheduler started")
}

// Stop signals all tasks and waits for in-flight runs to complete
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	if s.cancel != nil {
		s.cancel()
	}
	s.stopped = true
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("Scheduler stopped")
}

// Snapshot returns the current status of every task
func (s *Scheduler) Snapshot() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *s.status[t.Name])
	}
	return out
}

func (s *Scheduler) runLoop(ctx context.Context, stop <-chan struct{}, t Task) {
	defer s.wg.Done()

	log := s.log.With().Str("task", t.Name).Logger()
	ticker := time.NewTicker(t.Cadence)
	defer ticker.Stop()

	if t.RunAtStart {
		s.tick(ctx, t, log, ticker)
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick(ctx, t, log, ticker)
		case <-wakeChan(t):
			s.tick(ctx, t, log, ticker)
		}
	}
}

// wakeChan returns a never-ready channel for tasks without a wake
// signal, keeping the select shape uniform.
func wakeChan(t Task) <-chan struct{} {
	if t.Wake != nil {
		return t.Wake
	}
	return nil
}

// tick runs the task once if its phase gate allows, then drains any
// tick that arrived while it ran so overruns skip rather than queue.
func (s *Scheduler) tick(ctx context.Context, t Task, log zerolog.Logger, ticker *time.Ticker) {
	now := s.clock()
	if !s.eligible(t, now) {
		s.recordSkip(t.Name)
		return
	}

	start := s.clock()
	err := t.Run(ctx)
	elapsed := s.clock().Sub(start)

	s.recordRun(t.Name, start, err)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("Task run failed")
	}

	if elapsed > t.Cadence {
		// Skip the tick that fired mid-run instead of running it late
		select {
		case <-ticker.C:
		default:
		}
		log.Warn().
			Dur("elapsed", elapsed).
			Dur("cadence", t.Cadence).
			Msg("Task overran its cadence, skipping next tick")
	}
}

func (s *Scheduler) eligible(t Task, now time.Time) bool {
	if len(t.Phases) == 0 {
		return true
	}
	phase := s.calendar.Phase(now)
	for _, p := range t.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

func (s *Scheduler) recordRun(name string, start time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[name]
	st.Runs++
	st.LastRun = start
	if err != nil {
		st.Errors++
		st.LastError = err.Error()
	}
}

func (s *Scheduler) recordSkip(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[name].Skips++
}
