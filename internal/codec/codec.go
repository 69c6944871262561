// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_codec

import (
	"errors"
	"fmt"

	opus "gopkg.in/hraban/opus.v2"

	internal_audio "github.com/rapidaai/toy-gateway/internal/audio"
)

var (
	ErrWorkerTimeout   = errors.New("codec worker timeout")
	ErrWorkerCrashed   = errors.New("codec worker crashed")
	ErrWorkerCancelled = errors.New("codec worker cancelled")
)

// FrameEncoder turns one exact PCM frame into an Opus packet.
// FrameDecoder does the reverse for inbound device audio.
// Both handles stay pinned to one worker for the worker's lifetime.
type FrameEncoder interface {
	Encode(pcm []int16) ([]byte, error)
}

type FrameDecoder interface {
	Decode(packet []byte) ([]int16, error)
}

// CodecFactory builds a fresh encoder/decoder pair for a worker slot.
// Called at pool start, on scale-up, and when a crashed slot restarts.
type CodecFactory func() (FrameEncoder, FrameDecoder, error)

// maxOpusPacketBytes is the largest packet libopus can emit (RFC 6716).
const maxOpusPacketBytes = 1275

type opusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

type opusDecoder struct {
	dec *opus.Decoder
	buf []int16
}

func (d *opusDecoder) Decode(packet []byte) ([]int16, error) {
	n, err := d.dec.Decode(packet, d.buf)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	out := make([]int16, n)
	copy(out, d.buf[:n])
	return out, nil
}

// OpusCodecFactory builds the production codec pair: a 24kHz mono encoder
// for gateway->device frames and a 16kHz mono decoder for device->gateway.
func OpusCodecFactory() (FrameEncoder, FrameDecoder, error) {
	enc, err := opus.NewEncoder(internal_audio.DeviceOutSampleRate, internal_audio.Channels, opus.AppVoIP)
	if err != nil {
		return nil, nil, fmt.Errorf("creating opus encoder: %w", err)
	}
	dec, err := opus.NewDecoder(internal_audio.DeviceInSampleRate, internal_audio.Channels)
	if err != nil {
		return nil, nil, fmt.Errorf("creating opus decoder: %w", err)
	}
	return &opusEncoder{enc: enc, buf: make([]byte, maxOpusPacketBytes)},
		&opusDecoder{dec: dec, buf: make([]int16, internal_audio.DeviceInFrameSamples)},
		nil
}
