// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_assembler

import (
	"encoding/binary"
	"testing"
	"time"

	internal_audio "github.com/rapidaai/toy-gateway/internal/audio"
)

// loudPCM builds n bytes of clearly audible 16-bit samples.
func loudPCM(n int) []byte {
	buf := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], uint16(int16(1000)))
	}
	return buf
}

func TestPushEmitsExactFrames(t *testing.T) {
	a := NewFrameAssembler(time.Now())

	frames := a.Push(loudPCM(internal_audio.DeviceOutFrameBytes * 2))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f) != internal_audio.DeviceOutFrameBytes {
			t.Errorf("frame %d length = %d, want %d", i, len(f), internal_audio.DeviceOutFrameBytes)
		}
	}
	if a.Pending() != 0 {
		t.Errorf("pending = %d, want 0", a.Pending())
	}
}

func TestPushAccumulatesPartial(t *testing.T) {
	a := NewFrameAssembler(time.Now())

	half := internal_audio.DeviceOutFrameBytes / 2
	if frames := a.Push(loudPCM(half)); frames != nil {
		t.Fatalf("half frame emitted %d frames, want none", len(frames))
	}
	if a.Pending() != half {
		t.Errorf("pending = %d, want %d", a.Pending(), half)
	}

	frames := a.Push(loudPCM(half))
	if len(frames) != 1 {
		t.Fatalf("got %d frames after completing, want 1", len(frames))
	}
}

func TestSilentFramesDropped(t *testing.T) {
	a := NewFrameAssembler(time.Now())

	if frames := a.Push(make([]byte, internal_audio.DeviceOutFrameBytes)); frames != nil {
		t.Errorf("all-zero frame emitted %d frames, want none", len(frames))
	}

	// Peak just below the threshold still counts as silence.
	quiet := make([]byte, internal_audio.DeviceOutFrameBytes)
	binary.LittleEndian.PutUint16(quiet[0:], uint16(int16(internal_audio.SilencePeakThreshold-1)))
	if frames := a.Push(quiet); frames != nil {
		t.Errorf("sub-threshold frame emitted %d frames, want none", len(frames))
	}

	// Peak at the threshold is audible.
	audible := make([]byte, internal_audio.DeviceOutFrameBytes)
	binary.LittleEndian.PutUint16(audible[0:], uint16(int16(internal_audio.SilencePeakThreshold)))
	if frames := a.Push(audible); len(frames) != 1 {
		t.Errorf("threshold frame emitted %d frames, want 1", len(frames))
	}
}

func TestResetDiscardsPartial(t *testing.T) {
	a := NewFrameAssembler(time.Now())
	a.Push(loudPCM(100))
	a.Reset()
	if a.Pending() != 0 {
		t.Errorf("pending after reset = %d, want 0", a.Pending())
	}
}

func TestTimestampAdvances(t *testing.T) {
	a := NewFrameAssembler(time.Now().Add(-time.Second))
	ts := a.Timestamp()
	if ts < 900 || ts > 1500 {
		t.Errorf("timestamp = %d ms, want about 1000", ts)
	}
}
