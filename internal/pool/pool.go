// Package pool implements the autoscaled cooperative task scheduler: a
// worker pool whose concurrency tracks system load, bounded by a
// token-bucket rate limiter. The worker goroutines, idle monitor, and
// pause/resume channels follow engine.Scheduler's shape, generalized from
// a fixed worker count to one that scales between Min/MaxConcurrency
// based on sysload.Sampler feedback.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// IsTaskReadyFunc reports whether a task is currently available to run
// (the pool queries the crawler's request queue through this).
type IsTaskReadyFunc func(ctx context.Context) bool

// IsFinishedFunc reports whether the producer side is permanently done
// and no more tasks will ever become ready.
type IsFinishedFunc func(ctx context.Context) (bool, error)

// RunTaskFunc executes one task. A returned error is forwarded to
// ErrorHandler and does not stop the pool.
type RunTaskFunc func(ctx context.Context) error

// ErrorHandler is invoked (from whichever goroutine ran the failing task)
// whenever RunTaskFunc returns an error.
type ErrorHandler func(err error)

// LoadSampler is the narrow view of sysload.Sampler the pool needs.
type LoadSampler interface {
	MajorityOverloaded() bool
}

// Options configures a Pool.
type Options struct {
	MinConcurrency int
	MaxConcurrency int

	// MaxTasksPerMinute bounds task starts via a token bucket. Zero means
	// unbounded.
	MaxTasksPerMinute int

	// ScaleUpInterval / ScaleDownInterval gate how often concurrency can
	// change in each direction.
	ScaleUpInterval   time.Duration
	ScaleDownInterval time.Duration

	// ScaleStepRatio is the fraction of CurrentConcurrency added or
	// removed on each scaling decision (minimum step of 1).
	ScaleStepRatio float64

	// PollInterval is how often the dispatch loop re-checks
	// IsTaskReadyFunc while idle.
	PollInterval time.Duration
}

// DefaultOptions are the package's documented defaults.
func DefaultOptions() Options {
	return Options{
		MinConcurrency:    1,
		MaxConcurrency:    50,
		MaxTasksPerMinute: 0,
		ScaleUpInterval:   10 * time.Second,
		ScaleDownInterval: 10 * time.Second,
		ScaleStepRatio:    0.1,
		PollInterval:      200 * time.Millisecond,
	}
}

// Pool is the autoscaled cooperative task scheduler.
type Pool struct {
	opts    Options
	sampler LoadSampler
	logger  *slog.Logger
	limiter *rate.Limiter

	isTaskReady IsTaskReadyFunc
	isFinished  IsFinishedFunc
	runTask     RunTaskFunc
	onError     ErrorHandler

	currentConcurrency atomic.Int64
	inFlight           atomic.Int64
	paused             atomic.Bool

	resumeCh chan struct{}
	resumeMu sync.Mutex

	abortOnce sync.Once
	abortCh   chan struct{}
}

// Deps bundles the collaborators a Pool drives.
type Deps struct {
	IsTaskReady IsTaskReadyFunc
	IsFinished  IsFinishedFunc
	RunTask     RunTaskFunc
	OnError     ErrorHandler
	Sampler     LoadSampler
}

// New constructs a Pool. All Deps fields except Sampler are required;
// Sampler may be nil, in which case the pool never scales up past
// MinConcurrency (load feedback disabled, not simply "never overloaded" —
// a nil sampler is treated conservatively).
func New(opts Options, deps Deps, logger *slog.Logger) (*Pool, error) {
	if deps.IsTaskReady == nil || deps.IsFinished == nil || deps.RunTask == nil {
		return nil, fmt.Errorf("pool: IsTaskReady, IsFinished, and RunTask are required")
	}
	if opts.MinConcurrency <= 0 {
		opts.MinConcurrency = 1
	}
	if opts.MaxConcurrency < opts.MinConcurrency {
		opts.MaxConcurrency = opts.MinConcurrency
	}
	if opts.ScaleUpInterval <= 0 {
		opts.ScaleUpInterval = 10 * time.Second
	}
	if opts.ScaleDownInterval <= 0 {
		opts.ScaleDownInterval = 10 * time.Second
	}
	if opts.ScaleStepRatio <= 0 {
		opts.ScaleStepRatio = 0.1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	var limiter *rate.Limiter
	if opts.MaxTasksPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.MaxTasksPerMinute)/60.0), 1)
	}

	onError := deps.OnError
	if onError == nil {
		onError = func(error) {}
	}

	p := &Pool{
		opts:        opts,
		sampler:     deps.Sampler,
		logger:      logger.With("component", "pool"),
		limiter:     limiter,
		isTaskReady: deps.IsTaskReady,
		isFinished:  deps.IsFinished,
		runTask:     deps.RunTask,
		onError:     onError,
		resumeCh:    make(chan struct{}),
		abortCh:     make(chan struct{}),
	}
	p.currentConcurrency.Store(int64(opts.MinConcurrency))
	return p, nil
}

// CurrentConcurrency returns the live concurrency bound.
func (p *Pool) CurrentConcurrency() int64 { return p.currentConcurrency.Load() }

// InFlight returns how many tasks are currently executing.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Pause stops new task spawns until Resume is called; in-flight tasks run
// to completion.
func (p *Pool) Pause() { p.paused.Store(true) }

// Resume releases a Pause.
func (p *Pool) Resume() {
	if !p.paused.CompareAndSwap(true, false) {
		return
	}
	p.resumeMu.Lock()
	close(p.resumeCh)
	p.resumeCh = make(chan struct{})
	p.resumeMu.Unlock()
}

// Abort cancels Run's context immediately; in-flight tasks see the
// cancellation through their ctx, and Run returns once they have returned.
func (p *Pool) Abort() {
	p.abortOnce.Do(func() { close(p.abortCh) })
}

// Run drives the pool until IsTaskReadyFunc is permanently false (per
// IsFinishedFunc) and all in-flight tasks have settled, ctx is cancelled,
// or Abort is called; it always waits for in-flight tasks before returning.
// Returns an error only when IsFinishedFunc fails; task errors go to
// OnError and never reach the caller.
func (p *Pool) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.abortCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	scaleDone := make(chan struct{})
	go func() {
		defer close(scaleDone)
		p.scaleLoop(ctx)
	}()
	settle := func() { wg.Wait(); <-scaleDone }

	idlePollInterval := p.opts.PollInterval
	for {
		if ctx.Err() != nil {
			settle()
			return nil
		}

		if p.paused.Load() {
			p.resumeMu.Lock()
			resumeCh := p.resumeCh
			p.resumeMu.Unlock()
			select {
			case <-ctx.Done():
				settle()
				return nil
			case <-resumeCh:
			}
			continue
		}

		if !p.isTaskReady(ctx) {
			if p.inFlight.Load() == 0 {
				finished, err := p.isFinished(ctx)
				if err != nil {
					cancel()
					settle()
					return fmt.Errorf("pool: is finished check: %w", err)
				}
				if finished {
					cancel()
					settle()
					return nil
				}
			}
			select {
			case <-ctx.Done():
				settle()
				return nil
			case <-time.After(idlePollInterval):
			}
			continue
		}

		if p.inFlight.Load() >= p.currentConcurrency.Load() {
			select {
			case <-ctx.Done():
				settle()
				return nil
			case <-time.After(idlePollInterval):
			}
			continue
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				continue
			}
		}

		p.inFlight.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.inFlight.Add(-1)
			if err := p.runTask(ctx); err != nil {
				p.onError(err)
			}
		}()
	}
}

func (p *Pool) scaleLoop(ctx context.Context) {
	upTicker := time.NewTicker(p.opts.ScaleUpInterval)
	defer upTicker.Stop()
	downTicker := time.NewTicker(p.opts.ScaleDownInterval)
	defer downTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-upTicker.C:
			p.maybeScaleUp()
		case <-downTicker.C:
			p.maybeScaleDown()
		}
	}
}

func (p *Pool) overloaded() bool {
	if p.sampler == nil {
		return true // conservative: no load feedback means never scale up
	}
	return p.sampler.MajorityOverloaded()
}

func (p *Pool) saturated() bool {
	return p.inFlight.Load() >= p.currentConcurrency.Load()
}

func (p *Pool) maybeScaleUp() {
	if p.overloaded() || !p.saturated() {
		return
	}
	current := p.currentConcurrency.Load()
	if current >= int64(p.opts.MaxConcurrency) {
		return
	}
	step := scaleStep(current, p.opts.ScaleStepRatio)
	next := current + step
	if next > int64(p.opts.MaxConcurrency) {
		next = int64(p.opts.MaxConcurrency)
	}
	if p.currentConcurrency.CompareAndSwap(current, next) {
		p.logger.Info("scaled up", "from", current, "to", next)
	}
}

func (p *Pool) maybeScaleDown() {
	if !p.overloadedForScaleDown() {
		return
	}
	current := p.currentConcurrency.Load()
	if current <= int64(p.opts.MinConcurrency) {
		return
	}
	step := scaleStep(current, p.opts.ScaleStepRatio)
	next := current - step
	if next < int64(p.opts.MinConcurrency) {
		next = int64(p.opts.MinConcurrency)
	}
	if p.currentConcurrency.CompareAndSwap(current, next) {
		p.logger.Info("scaled down", "from", current, "to", next)
	}
}

// overloadedForScaleDown mirrors overloaded() but treats a nil sampler as
// "not overloaded" — with no feedback, the pool never forces itself back
// down to MinConcurrency, it simply never grows past it either.
func (p *Pool) overloadedForScaleDown() bool {
	if p.sampler == nil {
		return false
	}
	return p.sampler.MajorityOverloaded()
}

func scaleStep(current int64, ratio float64) int64 {
	step := int64(float64(current) * ratio)
	if step < 1 {
		step = 1
	}
	return step
}
