// Package sysload samples process CPU and memory usage at a fixed
// interval, feeding the autoscaled pool's scale-up/down
// decisions. Containerization-aware: when running under a cgroup, the
// cgroup's own CPU quota and memory limit become the denominators instead
// of the host's. The sampling style follows engine/scheduler.go's idle
// monitor ticks, generalized from worker-idle detection to full CPU/memory
// accounting.
package sysload

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Sample is one point-in-time system-load reading.
type Sample struct {
	CreatedAt time.Time

	CPUCurrentUsage float64 // percentage, 0-100
	IsCPUOverloaded bool

	MemCurrentBytes uint64
	MemCurrentRatio float64 // 0-1
	IsMemOverloaded bool
}

// Overloaded reports whether either dimension is overloaded.
func (s Sample) Overloaded() bool {
	return s.IsCPUOverloaded || s.IsMemOverloaded
}

// Options configures a Sampler.
type Options struct {
	// SampleInterval is how often a new Sample is taken. Default 1s.
	SampleInterval time.Duration

	// MaxUsedCPURatio marks a sample CPU-overloaded at or above this
	// fraction (0-1) of available CPU. Default 0.95.
	MaxUsedCPURatio float64

	// MaxUsedMemoryRatio marks a sample memory-overloaded at or above this
	// fraction (0-1) of the available memory. Default 0.90.
	MaxUsedMemoryRatio float64

	// RingSize bounds how many recent samples Samples() returns. Default
	// 60 (one minute of history at the default interval).
	RingSize int
}

// DefaultOptions are the package's documented defaults.
func DefaultOptions() Options {
	return Options{
		SampleInterval:     1 * time.Second,
		MaxUsedCPURatio:    0.95,
		MaxUsedMemoryRatio: 0.90,
		RingSize:           60,
	}
}

// Sampler periodically samples CPU/memory usage into a ring buffer. Safe
// for concurrent use; one ticker-driven goroutine is the sole writer.
type Sampler struct {
	opts   Options
	logger *slog.Logger
	source cpuMemSource

	mu      sync.RWMutex
	ring    []Sample
	next    int
	filled  bool
	lastErr error

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Sampler. Containerization is auto-detected from the
// presence of cgroup files; call Start to begin sampling.
func New(opts Options, logger *slog.Logger) *Sampler {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 1 * time.Second
	}
	if opts.MaxUsedCPURatio <= 0 {
		opts.MaxUsedCPURatio = 0.95
	}
	if opts.MaxUsedMemoryRatio <= 0 {
		opts.MaxUsedMemoryRatio = 0.90
	}
	if opts.RingSize <= 0 {
		opts.RingSize = 60
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	logger = logger.With("component", "sysload")

	src := detectSource(logger)
	return &Sampler{
		opts:   opts,
		logger: logger,
		source: src,
		ring:   make([]Sample, opts.RingSize),
	}
}

// Start begins sampling in a background goroutine. Stop or ctx
// cancellation ends it.
func (s *Sampler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop ends sampling and waits for the sampling goroutine to exit.
func (s *Sampler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.SampleInterval)
	defer ticker.Stop()

	s.sampleOnce() // seed the ring immediately rather than waiting a full interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	reading, err := s.source.read()
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Warn("sysload sample failed", "error", err)
		return
	}

	sample := Sample{
		CreatedAt:       time.Now(),
		CPUCurrentUsage: reading.cpuRatio * 100,
		IsCPUOverloaded: reading.cpuRatio >= s.opts.MaxUsedCPURatio,
		MemCurrentBytes: reading.memBytes,
		MemCurrentRatio: reading.memRatio,
		IsMemOverloaded: reading.memRatio >= s.opts.MaxUsedMemoryRatio,
	}

	s.mu.Lock()
	s.ring[s.next] = sample
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.filled = true
	}
	s.mu.Unlock()
}

// Latest returns the most recent sample, or the zero value if none exists
// yet.
func (s *Sampler) Latest() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.filled && s.next == 0 {
		return Sample{}
	}
	idx := (s.next - 1 + len(s.ring)) % len(s.ring)
	return s.ring[idx]
}

// Samples returns up to the last RingSize samples, oldest first.
func (s *Sampler) Samples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.filled {
		out := make([]Sample, s.next)
		copy(out, s.ring[:s.next])
		return out
	}
	out := make([]Sample, len(s.ring))
	copy(out, s.ring[s.next:])
	copy(out[len(s.ring)-s.next:], s.ring[:s.next])
	return out
}

// MajorityOverloaded reports whether more than half of the samples in the
// current window are overloaded (either dimension). Used by the
// autoscaled pool's scale-up and scale-down decisions.
func (s *Sampler) MajorityOverloaded() bool {
	samples := s.Samples()
	if len(samples) == 0 {
		return false
	}
	overloaded := 0
	for _, sample := range samples {
		if sample.Overloaded() {
			overloaded++
		}
	}
	return overloaded*2 > len(samples)
}
