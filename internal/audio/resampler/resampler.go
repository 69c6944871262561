// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio_resampler

import (
	"bytes"
	"fmt"

	"github.com/zaf/resample"

	internal_audio "github.com/rapidaai/toy-gateway/internal/audio"
	"github.com/rapidaai/toy-gateway/pkg/commons"
)

// AudioResampler converts 16-bit little-endian mono PCM between the sample
// rates the gateway deals in (48->24, 48->16, 16->48 and anything else
// soxr handles).
type AudioResampler interface {
	Resample(pcm []byte, from, to internal_audio.Config) ([]byte, error)
}

type soxrResampler struct {
	logger commons.Logger
}

// GetResampler returns the process resampler.
func GetResampler(logger commons.Logger) (AudioResampler, error) {
	return &soxrResampler{logger: logger}, nil
}

// Resample runs one PCM chunk through libsoxr. A fresh converter per call
// keeps this safe under concurrent track readers.
func (r *soxrResampler) Resample(pcm []byte, from, to internal_audio.Config) ([]byte, error) {
	if from.Channels != to.Channels || from.Channels != 1 {
		return nil, fmt.Errorf("resampler: only mono is supported (got %d -> %d channels)", from.Channels, to.Channels)
	}
	if from.SampleRate == to.SampleRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}
	if len(pcm) == 0 {
		return []byte{}, nil
	}

	var out bytes.Buffer
	conv, err := resample.New(&out, float64(from.SampleRate), float64(to.SampleRate), from.Channels, resample.I16, resample.MediumQ)
	if err != nil {
		return nil, fmt.Errorf("resampler init %d -> %d: %w", from.SampleRate, to.SampleRate, err)
	}
	if _, err := conv.Write(pcm); err != nil {
		conv.Close()
		return nil, fmt.Errorf("resampling %d -> %d: %w", from.SampleRate, to.SampleRate, err)
	}
	// Close flushes the tail samples held by the filter.
	if err := conv.Close(); err != nil {
		return nil, fmt.Errorf("flushing resampler: %w", err)
	}
	return out.Bytes(), nil
}
