// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

type jobKind int

const (
	jobEncode jobKind = iota
	jobDecode
)

// job is one codec request. The id is echoed back in the result so the
// dispatcher can correlate replies; results travel on a per-job channel of
// capacity 1 so a timed-out waiter never blocks the worker.
type job struct {
	id     uint64
	kind   jobKind
	data   []byte
	result chan jobResult
}

type jobResult struct {
	id      uint64
	data    []byte
	err     error
	elapsed time.Duration
}

// worker owns one encoder and one decoder for its entire lifetime and
// processes jobs strictly in order. A panic inside a codec call marks the
// worker crashed: the offending job fails with ErrWorkerCrashed, remaining
// queued jobs are drained with the same error, and the pool restarts the slot.
type worker struct {
	index    int
	jobs     chan *job
	inFlight atomic.Int64
	enc      FrameEncoder
	dec      FrameDecoder
	quit     chan struct{}
	done     chan struct{}
}

const workerQueueSize = 32

func newWorker(index int, enc FrameEncoder, dec FrameDecoder) *worker {
	return &worker{
		index: index,
		jobs:  make(chan *job, workerQueueSize),
		enc:   enc,
		dec:   dec,
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// run processes jobs until stop or crash. onCrash is invoked (once) after
// the worker has drained its queue, so the pool can restart the slot.
func (w *worker) run(metrics *Metrics, onCrash func(index int)) {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			w.drain(ErrWorkerCancelled)
			return
		case j := <-w.jobs:
			res := w.process(j)
			metrics.record(res.elapsed, res.err)
			j.result <- res
			w.inFlight.Add(-1)
			if res.err != nil && isCrash(res.err) {
				w.drain(ErrWorkerCrashed)
				if onCrash != nil {
					onCrash(w.index)
				}
				return
			}
		}
	}
}

func (w *worker) process(j *job) (res jobResult) {
	start := time.Now()
	res.id = j.id
	defer func() {
		if r := recover(); r != nil {
			res.data = nil
			res.err = fmt.Errorf("%w: %v", ErrWorkerCrashed, r)
		}
		res.elapsed = time.Since(start)
	}()

	switch j.kind {
	case jobEncode:
		packet, err := w.enc.Encode(bytesToPCM(j.data))
		res.data, res.err = packet, err
	case jobDecode:
		pcm, err := w.dec.Decode(j.data)
		if err != nil {
			res.err = err
			return
		}
		res.data = pcmToBytes(pcm)
	}
	return
}

// drain fails everything still queued on this worker.
func (w *worker) drain(err error) {
	for {
		select {
		case j := <-w.jobs:
			j.result <- jobResult{id: j.id, err: err}
			w.inFlight.Add(-1)
		default:
			return
		}
	}
}

func (w *worker) stop() {
	close(w.quit)
	<-w.done
}

func isCrash(err error) bool {
	return errors.Is(err, ErrWorkerCrashed)
}

func bytesToPCM(data []byte) []int16 {
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm
}

func pcmToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
