// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_assembler

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	internal_audio "github.com/rapidaai/toy-gateway/internal/audio"
)

// FrameAssembler turns the variable-length PCM chunks produced by the
// 48->24kHz resampler into exact encoder-sized frames. Incoming PCM is
// appended to a rolling buffer; whenever a full frame's worth is available
// it is sliced out, silence-gated, and handed to the caller. Partial
// trailing bytes at stream end are discarded; a short frame would crash
// the encoder.
type FrameAssembler struct {
	mu           sync.Mutex
	buf          bytes.Buffer
	sessionStart time.Time
	frameBytes   int
}

func NewFrameAssembler(sessionStart time.Time) *FrameAssembler {
	return &FrameAssembler{
		sessionStart: sessionStart,
		frameBytes:   internal_audio.DeviceOutFrameBytes,
	}
}

// Push appends pcm and returns every complete, non-silent frame now
// available. Silent frames (all-zero or peak below the silence threshold)
// are dropped before they ever reach the encoder.
func (a *FrameAssembler) Push(pcm []byte) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf.Write(pcm)

	var frames [][]byte
	for a.buf.Len() >= a.frameBytes {
		frame := make([]byte, a.frameBytes)
		a.buf.Read(frame)
		if isSilent(frame) {
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}

// Reset discards any buffered partial frame (stream end, interruption,
// mode change).
func (a *FrameAssembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf.Reset()
}

// Pending reports the buffered byte count awaiting a full frame.
func (a *FrameAssembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Len()
}

// Timestamp returns milliseconds since session start, modulo 2^32, for the
// outbound datagram header.
func (a *FrameAssembler) Timestamp() uint32 {
	return uint32(time.Since(a.sessionStart).Milliseconds())
}

func isSilent(frame []byte) bool {
	var peak int32
	for i := 0; i+1 < len(frame); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(frame[i:])))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak < internal_audio.SilencePeakThreshold
}
