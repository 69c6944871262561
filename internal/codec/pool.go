// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_codec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rapidaai/toy-gateway/pkg/commons"
)

const (
	MinWorkers = 4
	MaxWorkers = 8

	// A worker at loadUnitInFlight in-flight requests counts as fully loaded.
	loadUnitInFlight = 5

	defaultCallTimeout = 150 * time.Millisecond
	initTimeout        = 500 * time.Millisecond

	monitorInterval   = 10 * time.Second
	scaleUpCooldown   = 30 * time.Second
	scaleDownCooldown = 60 * time.Second

	scaleUpLoad       = 0.7
	scaleUpCPU        = 60.0
	scaleUpMaxLatency = 50 * time.Millisecond
	scaleDownLoad     = 0.3
	scaleDownCPU      = 30.0
	scaleDownLatency  = 10 * time.Millisecond
)

// Pool offloads Opus encode/decode to isolated workers so the control plane
// is never blocked by a codec call. Worker count auto-scales within
// [MinWorkers, MaxWorkers]; selection is least-loaded with lowest index
// breaking ties.
type Pool struct {
	logger  commons.Logger
	factory CodecFactory
	metrics *Metrics

	mu      sync.Mutex
	workers []*worker

	nextJobID atomic.Uint64

	callTimeout time.Duration

	lastScaleUp   time.Time
	lastScaleDown time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed atomic.Bool
}

// NewPool starts MinWorkers workers and the scaling monitor. Worker codec
// initialization has its own, more generous deadline than regular calls.
func NewPool(logger commons.Logger, factory CodecFactory) (*Pool, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:      logger,
		factory:     factory,
		metrics:     newMetrics(),
		callTimeout: defaultCallTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}

	initCtx, initCancel := context.WithTimeout(ctx, initTimeout)
	defer initCancel()
	for i := 0; i < MinWorkers; i++ {
		if err := initCtx.Err(); err != nil {
			cancel()
			return nil, fmt.Errorf("codec pool init timed out: %w", err)
		}
		w, err := p.spawn(i)
		if err != nil {
			cancel()
			return nil, err
		}
		p.workers = append(p.workers, w)
	}

	p.wg.Add(1)
	go p.runMonitor()
	return p, nil
}

// spawn builds one worker slot. Caller either holds p.mu or is in NewPool
// before the pool is visible.
func (p *Pool) spawn(index int) (*worker, error) {
	enc, dec, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("spawning codec worker %d: %w", index, err)
	}
	w := newWorker(index, enc, dec)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.run(p.metrics, p.restartSlot)
	}()
	return w, nil
}

// restartSlot replaces a crashed worker in place. In-flight requests of the
// crashed worker have already been failed with ErrWorkerCrashed by drain.
func (p *Pool) restartSlot(index int) {
	if p.closed.Load() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if index >= len(p.workers) {
		return
	}
	p.logger.Warnw("codec worker crashed, restarting slot", "worker", index)
	w, err := p.spawn(index)
	if err != nil {
		p.logger.Errorw("failed to restart codec worker", "worker", index, "error", err)
		return
	}
	p.workers[index] = w
}

// Encode converts one exact PCM frame (16-bit LE, 24kHz mono) to Opus.
func (p *Pool) Encode(ctx context.Context, pcm []byte) ([]byte, error) {
	return p.dispatch(ctx, jobEncode, pcm)
}

// Decode converts one inbound Opus packet to 16kHz mono PCM bytes.
func (p *Pool) Decode(ctx context.Context, packet []byte) ([]byte, error) {
	return p.dispatch(ctx, jobDecode, packet)
}

func (p *Pool) dispatch(ctx context.Context, kind jobKind, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrWorkerCancelled
	}

	w := p.pickWorker()
	if w == nil {
		return nil, ErrWorkerCancelled
	}
	j := &job{
		id:     p.nextJobID.Add(1),
		kind:   kind,
		data:   data,
		result: make(chan jobResult, 1),
	}

	w.inFlight.Add(1)
	select {
	case w.jobs <- j:
	default:
		w.inFlight.Add(-1)
		return nil, fmt.Errorf("%w: worker %d queue full", ErrWorkerTimeout, w.index)
	}

	timer := time.NewTimer(p.callTimeout)
	defer timer.Stop()
	select {
	case res := <-j.result:
		if res.id != j.id {
			// Correlation mismatch should be impossible on a per-job channel;
			// treat it as a crashed worker rather than hand back wrong audio.
			return nil, ErrWorkerCrashed
		}
		return res.data, res.err
	case <-timer.C:
		return nil, ErrWorkerTimeout
	case <-ctx.Done():
		return nil, ErrWorkerCancelled
	case <-p.ctx.Done():
		return nil, ErrWorkerCancelled
	}
}

// pickWorker returns the least-loaded worker, lowest index winning ties.
func (p *Pool) pickWorker() *worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) == 0 {
		return nil
	}
	best := p.workers[0]
	bestLoad := best.inFlight.Load()
	for _, w := range p.workers[1:] {
		if load := w.inFlight.Load(); load < bestLoad {
			best, bestLoad = w, load
		}
	}
	return best
}

// runMonitor samples every monitorInterval and resizes the pool inside
// [MinWorkers, MaxWorkers] according to load, CPU, latency and backlog.
func (p *Pool) runMonitor() {
	defer p.wg.Done()
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.resize(p.metrics.sample(), time.Now())
		}
	}
}

func (p *Pool) resize(snap Snapshot, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.workers)
	var pending int64
	for _, w := range p.workers {
		pending += w.inFlight.Load()
	}
	load := float64(pending) / float64(n*loadUnitInFlight)

	switch decideScale(n, load, snap, pending, now, p.lastScaleUp, p.lastScaleDown) {
	case +1:
		w, err := p.spawn(n)
		if err != nil {
			p.logger.Errorw("scale-up failed", "error", err)
			return
		}
		p.workers = append(p.workers, w)
		p.lastScaleUp = now
		p.logger.Infow("codec pool scaled up", "workers", len(p.workers), "load", load, "cpu", snap.CPUPercent)
	case -1:
		last := p.workers[n-1]
		p.workers = p.workers[:n-1]
		go last.stop()
		p.lastScaleDown = now
		p.logger.Infow("codec pool scaled down", "workers", len(p.workers), "load", load, "cpu", snap.CPUPercent)
	}
}

// decideScale is the pure scaling policy: +1 to grow, -1 to shrink, 0 to hold.
func decideScale(workers int, load float64, snap Snapshot, pending int64, now, lastUp, lastDown time.Time) int {
	up := load > scaleUpLoad ||
		snap.CPUPercent > scaleUpCPU ||
		snap.MaxLatency > scaleUpMaxLatency ||
		pending > int64(3*workers)
	if up && workers < MaxWorkers && now.Sub(lastUp) >= scaleUpCooldown {
		return +1
	}

	down := load < scaleDownLoad &&
		snap.CPUPercent < scaleDownCPU &&
		snap.MaxLatency < scaleDownLatency &&
		pending == 0
	if down && workers > MinWorkers && now.Sub(lastDown) >= scaleDownCooldown {
		return -1
	}
	return 0
}

// Size reports the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// ShouldDowngrade reports whether the audio path should avoid re-encoding.
func (p *Pool) ShouldDowngrade() bool {
	return p.metrics.ShouldDowngrade()
}

// Snapshot returns current codec health for the keep-alive stats log.
func (p *Pool) Snapshot() Snapshot {
	return p.metrics.sample()
}

// Shutdown stops the monitor and all workers; queued jobs fail with
// ErrWorkerCancelled.
func (p *Pool) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()
	for _, w := range workers {
		w.stop()
	}
}
