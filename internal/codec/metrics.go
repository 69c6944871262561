// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_codec

import (
	"runtime"
	"sync"
	"time"
)

// Downgrade thresholds: when any of these holds the gateway should prefer
// cheaper behavior (e.g. forwarding raw PCM instead of re-encoding).
const (
	downgradeLatency = 10 * time.Millisecond
	downgradeCPU     = 80.0
	downgradeHeap    = 500 << 20 // 500 MB
)

// Metrics aggregates per-call processing time, throughput, queue depth,
// CPU%, memory, and errors across all workers. CPU% is derived from total
// codec busy-time per sampling window over wall time and logical CPUs.
type Metrics struct {
	mu sync.Mutex

	totalCalls   uint64
	totalErrors  uint64
	totalBusy    time.Duration
	avgLatency   time.Duration // EMA, alpha 1/8
	maxLatency   time.Duration // since last sample
	windowCalls  uint64
	windowBusy   time.Duration
	windowStart  time.Time
	lastCPU      float64
	lastHeap     uint64
	lastFrameRte float64
}

func newMetrics() *Metrics {
	return &Metrics{windowStart: time.Now()}
}

func (m *Metrics) record(elapsed time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCalls++
	m.windowCalls++
	m.totalBusy += elapsed
	m.windowBusy += elapsed
	if err != nil {
		m.totalErrors++
	}
	if elapsed > m.maxLatency {
		m.maxLatency = elapsed
	}
	if m.avgLatency == 0 {
		m.avgLatency = elapsed
	} else {
		m.avgLatency += (elapsed - m.avgLatency) / 8
	}
}

// sample closes the current window: computes frames/second and CPU%, reads
// heap usage, and resets window counters. Called by the pool monitor.
func (m *Metrics) sample() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	defer m.mu.Unlock()

	wall := time.Since(m.windowStart)
	if wall <= 0 {
		wall = time.Nanosecond
	}
	m.lastFrameRte = float64(m.windowCalls) / wall.Seconds()
	m.lastCPU = 100 * m.windowBusy.Seconds() / (wall.Seconds() * float64(runtime.NumCPU()))
	m.lastHeap = ms.HeapAlloc

	snap := Snapshot{
		AvgLatency:  m.avgLatency,
		MaxLatency:  m.maxLatency,
		FramesPerS:  m.lastFrameRte,
		CPUPercent:  m.lastCPU,
		HeapBytes:   m.lastHeap,
		TotalCalls:  m.totalCalls,
		TotalErrors: m.totalErrors,
	}

	m.windowCalls = 0
	m.windowBusy = 0
	m.maxLatency = 0
	m.windowStart = time.Now()
	return snap
}

// Snapshot is one monitor-interval view of codec health.
type Snapshot struct {
	AvgLatency  time.Duration
	MaxLatency  time.Duration
	FramesPerS  float64
	CPUPercent  float64
	HeapBytes   uint64
	TotalCalls  uint64
	TotalErrors uint64
}

// ShouldDowngrade reports whether codec work is unhealthy enough that
// callers should prefer the raw-PCM fallback path.
func (m *Metrics) ShouldDowngrade() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avgLatency > downgradeLatency || m.lastCPU > downgradeCPU || m.lastHeap > downgradeHeap
}
