package sysload

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// reading is one raw CPU/memory measurement, before overload thresholds
// are applied.
type reading struct {
	cpuRatio float64 // 0-1, of available CPU (host or cgroup quota)
	memBytes uint64
	memRatio float64 // 0-1, of available memory (host total or cgroup limit)
}

// cpuMemSource abstracts host vs. cgroup-aware accounting so Sampler
// doesn't care which one is active.
type cpuMemSource interface {
	read() (reading, error)
}

// detectSource picks a cgroup-aware source when a cgroup hierarchy is
// present (cgroup v2 first, then v1), falling back to host-wide
// accounting otherwise — mirrors how container runtimes themselves probe
// for cgroup version.
func detectSource(logger *slog.Logger) cpuMemSource {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err == nil {
		logger.Info("sysload: cgroup v2 detected, using container-aware accounting")
		return &cgroupV2Source{base: &procSource{clkTck: clockTicksPerSecond()}}
	}
	if _, err := os.Stat("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		logger.Info("sysload: cgroup v1 detected, using container-aware accounting")
		return &cgroupV1Source{base: &procSource{clkTck: clockTicksPerSecond()}}
	}
	logger.Info("sysload: no cgroup hierarchy found, using host-wide accounting")
	return &procSource{clkTck: clockTicksPerSecond()}
}

func clockTicksPerSecond() float64 {
	// 100 is the overwhelmingly common USER_HZ on Linux; there is no
	// portable syscall for it from Go without cgo.
	return 100
}

// procSource reads /proc/self/stat (process CPU ticks) and
// /proc/self/status (RSS), ratioed against runtime.NumCPU() for CPU and
// the host MemTotal from /proc/meminfo for memory.
type procSource struct {
	clkTck float64

	lastSampleAt time.Time
	lastUtime    uint64
	lastStime    uint64
}

func (p *procSource) read() (reading, error) {
	utime, stime, err := readSelfCPUTicks()
	if err != nil {
		return reading{}, fmt.Errorf("sysload: read cpu ticks: %w", err)
	}

	now := time.Now()
	var cpuRatio float64
	if !p.lastSampleAt.IsZero() {
		elapsed := now.Sub(p.lastSampleAt).Seconds()
		if elapsed > 0 {
			deltaTicks := float64((utime + stime) - (p.lastUtime + p.lastStime))
			deltaSeconds := deltaTicks / p.clkTck
			cpuRatio = deltaSeconds / (elapsed * float64(runtime.NumCPU()))
		}
	}
	p.lastSampleAt, p.lastUtime, p.lastStime = now, utime, stime

	rss, err := readSelfRSSBytes()
	if err != nil {
		return reading{}, fmt.Errorf("sysload: read rss: %w", err)
	}
	total, err := readHostMemTotalBytes()
	if err != nil {
		return reading{}, fmt.Errorf("sysload: read host mem total: %w", err)
	}

	var memRatio float64
	if total > 0 {
		memRatio = float64(rss) / float64(total)
	}
	return reading{cpuRatio: clamp01(cpuRatio), memBytes: rss, memRatio: clamp01(memRatio)}, nil
}

// cgroupV2Source layers a cgroup v2 CPU quota and memory.max ceiling over
// the same process-level CPU/RSS readings procSource takes.
type cgroupV2Source struct {
	base *procSource
}

func (c *cgroupV2Source) read() (reading, error) {
	r, err := c.base.read()
	if err != nil {
		return reading{}, err
	}

	if quota, period, ok := readCgroupV2CPUMax(); ok && period > 0 {
		effectiveCPUs := quota / period
		if effectiveCPUs > 0 {
			r.cpuRatio = clamp01(r.cpuRatio * float64(runtime.NumCPU()) / effectiveCPUs)
		}
	}
	if limit, ok := readUintFile("/sys/fs/cgroup/memory.max"); ok && limit > 0 {
		r.memRatio = clamp01(float64(r.memBytes) / float64(limit))
	}
	return r, nil
}

// cgroupV1Source is the cgroup v1 analogue of cgroupV2Source.
type cgroupV1Source struct {
	base *procSource
}

func (c *cgroupV1Source) read() (reading, error) {
	r, err := c.base.read()
	if err != nil {
		return reading{}, err
	}

	quota, okQuota := readIntFile("/sys/fs/cgroup/cpu/cpu.cfs_quota_us")
	period, okPeriod := readUintFile("/sys/fs/cgroup/cpu/cpu.cfs_period_us")
	if okQuota && okPeriod && quota > 0 && period > 0 {
		effectiveCPUs := float64(quota) / float64(period)
		if effectiveCPUs > 0 {
			r.cpuRatio = clamp01(r.cpuRatio * float64(runtime.NumCPU()) / effectiveCPUs)
		}
	}
	if limit, ok := readUintFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); ok && limit > 0 {
		r.memRatio = clamp01(float64(r.memBytes) / float64(limit))
	}
	return r, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func readSelfCPUTicks() (utime, stime uint64, err error) {
	b, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, 0, err
	}
	// Field 2 (comm) is parenthesized and may itself contain spaces or
	// parens, so split on the last ')' before tokenizing the rest.
	s := string(b)
	parenEnd := strings.LastIndex(s, ")")
	if parenEnd < 0 {
		return 0, 0, fmt.Errorf("unexpected /proc/self/stat format")
	}
	fields := strings.Fields(s[parenEnd+1:])
	// After the comm field, utime is field 14 overall, i.e. index 11 here
	// (fields[0] is state, the 3rd overall field).
	if len(fields) < 14 {
		return 0, 0, fmt.Errorf("unexpected /proc/self/stat field count")
	}
	utime, err = strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	stime, err = strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return utime, stime, nil
}

func readSelfRSSBytes() (uint64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("unexpected VmRSS line format")
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("VmRSS not found in /proc/self/status")
}

func readHostMemTotalBytes() (uint64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("unexpected MemTotal line format")
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
}

func readCgroupV2CPUMax() (quota, period float64, ok bool) {
	b, err := os.ReadFile("/sys/fs/cgroup/cpu.max")
	if err != nil {
		return 0, 0, false
	}
	fields := strings.Fields(strings.TrimSpace(string(b)))
	if len(fields) != 2 {
		return 0, 0, false
	}
	if fields[0] == "max" {
		return 0, 0, false // no quota set, unbounded
	}
	q, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, false
	}
	p, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, false
	}
	return q, p, true
}

func readUintFile(path string) (uint64, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func readIntFile(path string) (int64, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
