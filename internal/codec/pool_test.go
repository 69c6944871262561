// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_codec

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rapidaai/toy-gateway/pkg/commons"
)

// fakeCodec round-trips frames without libopus: "encoding" XORs every PCM
// byte with a marker, "decoding" undoes it. Special inputs trigger panics
// and slowness for the failure-path tests.
type fakeCodec struct {
	panicOnFirstByte int16
	sleep            time.Duration
}

func (f *fakeCodec) Encode(pcm []int16) ([]byte, error) {
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	if len(pcm) > 0 && f.panicOnFirstByte != 0 && pcm[0] == f.panicOnFirstByte {
		panic("poisoned frame")
	}
	out := pcmToBytes(pcm)
	for i := range out {
		out[i] ^= 0x5a
	}
	return out, nil
}

func (f *fakeCodec) Decode(packet []byte) ([]int16, error) {
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	data := make([]byte, len(packet))
	copy(data, packet)
	for i := range data {
		data[i] ^= 0x5a
	}
	return bytesToPCM(data), nil
}

func fakeFactory(codec *fakeCodec) CodecFactory {
	return func() (FrameEncoder, FrameDecoder, error) {
		return codec, codec, nil
	}
}

func testPool(t *testing.T, codec *fakeCodec) *Pool {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.Name("codec-test"), commons.Level("error"))
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	p, err := NewPool(logger, fakeFactory(codec))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func TestPoolStartsAtMinWorkers(t *testing.T) {
	p := testPool(t, &fakeCodec{})
	if got := p.Size(); got != MinWorkers {
		t.Errorf("Size() = %d, want %d", got, MinWorkers)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := testPool(t, &fakeCodec{})

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	packet, err := p.Encode(context.Background(), pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if bytes.Equal(packet, pcm) {
		t.Fatal("encode was a no-op")
	}
	got, err := p.Decode(context.Background(), packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("round trip = %v, want %v", got, pcm)
	}
}

func TestCrashFailsJobAndRestartsSlot(t *testing.T) {
	p := testPool(t, &fakeCodec{panicOnFirstByte: 0x7fff})

	poisoned := pcmToBytes([]int16{0x7fff, 0, 0})
	if _, err := p.Encode(context.Background(), poisoned); !errors.Is(err, ErrWorkerCrashed) {
		t.Fatalf("poisoned encode err = %v, want ErrWorkerCrashed", err)
	}

	// The slot restarts asynchronously; the pool keeps serving either way
	// because the other workers are untouched.
	deadline := time.After(2 * time.Second)
	for {
		if _, err := p.Encode(context.Background(), pcmToBytes([]int16{1, 2, 3})); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("pool never recovered after crash")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if got := p.Size(); got != MinWorkers {
		t.Errorf("Size() after restart = %d, want %d", got, MinWorkers)
	}
}

func TestCallTimeout(t *testing.T) {
	p := testPool(t, &fakeCodec{sleep: 200 * time.Millisecond})
	p.callTimeout = 20 * time.Millisecond

	if _, err := p.Encode(context.Background(), []byte{1, 2}); !errors.Is(err, ErrWorkerTimeout) {
		t.Errorf("err = %v, want ErrWorkerTimeout", err)
	}
}

func TestContextCancellation(t *testing.T) {
	p := testPool(t, &fakeCodec{sleep: 200 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Encode(ctx, []byte{1, 2}); !errors.Is(err, ErrWorkerCancelled) {
		t.Errorf("err = %v, want ErrWorkerCancelled", err)
	}
}

func TestDispatchAfterShutdown(t *testing.T) {
	p := testPool(t, &fakeCodec{})
	p.Shutdown()
	if _, err := p.Encode(context.Background(), []byte{1, 2}); !errors.Is(err, ErrWorkerCancelled) {
		t.Errorf("err = %v, want ErrWorkerCancelled", err)
	}
}

func TestPickWorkerPrefersLeastLoaded(t *testing.T) {
	p := testPool(t, &fakeCodec{})

	p.workers[0].inFlight.Store(3)
	p.workers[1].inFlight.Store(1)
	p.workers[2].inFlight.Store(5)
	p.workers[3].inFlight.Store(1)
	defer func() {
		for _, w := range p.workers {
			w.inFlight.Store(0)
		}
	}()

	if w := p.pickWorker(); w.index != 1 {
		t.Errorf("pickWorker index = %d, want 1 (least loaded, lowest index)", w.index)
	}
}

func TestDecideScale(t *testing.T) {
	now := time.Now()
	longAgo := now.Add(-10 * time.Minute)
	calm := Snapshot{}

	cases := []struct {
		name     string
		workers  int
		load     float64
		snap     Snapshot
		pending  int64
		lastUp   time.Time
		lastDown time.Time
		want     int
	}{
		{"high load scales up", 4, 0.9, calm, 0, longAgo, longAgo, +1},
		{"high cpu scales up", 4, 0.1, Snapshot{CPUPercent: 90}, 0, longAgo, longAgo, +1},
		{"high latency scales up", 4, 0.1, Snapshot{MaxLatency: 80 * time.Millisecond}, 0, longAgo, longAgo, +1},
		{"deep backlog scales up", 4, 0.1, calm, 20, longAgo, longAgo, +1},
		{"at max never grows", MaxWorkers, 1.0, Snapshot{CPUPercent: 99}, 99, longAgo, longAgo, 0},
		{"up cooldown holds", 4, 0.9, calm, 0, now, longAgo, 0},
		{"idle scales down", 6, 0.0, calm, 0, longAgo, longAgo, -1},
		{"at min never shrinks", MinWorkers, 0.0, calm, 0, longAgo, longAgo, 0},
		{"down cooldown holds", 6, 0.0, calm, 0, longAgo, now, 0},
		{"steady state holds", 5, 0.5, Snapshot{CPUPercent: 40}, 2, longAgo, longAgo, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decideScale(tc.workers, tc.load, tc.snap, tc.pending, now, tc.lastUp, tc.lastDown)
			if got != tc.want {
				t.Errorf("decideScale() = %+d, want %+d", got, tc.want)
			}
		})
	}
}
