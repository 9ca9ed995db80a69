package sysload

import (
	"testing"
)

// fakeSource lets tests drive deterministic readings without touching
// /proc, which may not exist (or mean anything) on the test host.
type fakeSource struct {
	readings []reading
	i        int
}

func (f *fakeSource) read() (reading, error) {
	r := f.readings[f.i%len(f.readings)]
	f.i++
	return r, nil
}

func newTestSampler(t *testing.T, readings []reading, opts Options) *Sampler {
	t.Helper()
	s := New(opts, nil)
	s.source = &fakeSource{readings: readings}
	return s
}

func TestSampleOnceMarksOverloadAboveThreshold(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxUsedCPURatio = 0.8
	opts.MaxUsedMemoryRatio = 0.8
	s := newTestSampler(t, []reading{{cpuRatio: 0.9, memBytes: 900, memRatio: 0.5}}, opts)

	s.sampleOnce()
	latest := s.Latest()
	if !latest.IsCPUOverloaded {
		t.Fatalf("expected CPU overloaded at ratio 0.9 with threshold 0.8")
	}
	if latest.IsMemOverloaded {
		t.Fatalf("expected memory not overloaded at ratio 0.5 with threshold 0.8")
	}
	if latest.CPUCurrentUsage != 90 {
		t.Fatalf("expected CPUCurrentUsage 90, got %v", latest.CPUCurrentUsage)
	}
}

func TestRingBufferWrapsAndPreservesOrder(t *testing.T) {
	opts := DefaultOptions()
	opts.RingSize = 3
	readings := []reading{
		{cpuRatio: 0.1}, {cpuRatio: 0.2}, {cpuRatio: 0.3}, {cpuRatio: 0.4}, {cpuRatio: 0.5},
	}
	s := newTestSampler(t, readings, opts)

	for range readings {
		s.sampleOnce()
	}

	samples := s.Samples()
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples retained, got %d", len(samples))
	}
	want := []float64{30, 40, 50}
	for i, w := range want {
		if samples[i].CPUCurrentUsage != w {
			t.Fatalf("sample %d: expected %v, got %v", i, w, samples[i].CPUCurrentUsage)
		}
	}
}

func TestMajorityOverloadedRequiresMoreThanHalf(t *testing.T) {
	opts := DefaultOptions()
	opts.RingSize = 4
	opts.MaxUsedCPURatio = 0.5
	s := newTestSampler(t, []reading{
		{cpuRatio: 0.9}, {cpuRatio: 0.1}, {cpuRatio: 0.9}, {cpuRatio: 0.1},
	}, opts)

	for i := 0; i < 4; i++ {
		s.sampleOnce()
	}
	if s.MajorityOverloaded() {
		t.Fatalf("expected exactly half overloaded to not count as a majority")
	}

	s = newTestSampler(t, []reading{
		{cpuRatio: 0.9}, {cpuRatio: 0.9}, {cpuRatio: 0.9}, {cpuRatio: 0.1},
	}, opts)
	for i := 0; i < 4; i++ {
		s.sampleOnce()
	}
	if !s.MajorityOverloaded() {
		t.Fatalf("expected 3/4 overloaded to count as a majority")
	}
}

func TestLatestIsZeroBeforeFirstSample(t *testing.T) {
	s := newTestSampler(t, []reading{{cpuRatio: 1}}, DefaultOptions())
	if got := s.Latest(); !got.CreatedAt.IsZero() {
		t.Fatalf("expected zero-value sample before any sampling, got %+v", got)
	}
}
