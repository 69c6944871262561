// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

// Device-facing audio constants. The toy hardware consumes 24kHz mono Opus
// in 60ms frames and produces 16kHz mono Opus in 60ms frames; the room
// fabric works internally at 48kHz mono PCM.
const (
	// Outbound: gateway -> device
	DeviceOutSampleRate    = 24000
	DeviceOutFrameDuration = 60   // milliseconds
	DeviceOutFrameSamples  = 1440 // 24000 * 0.060
	DeviceOutFrameBytes    = 2880 // 1440 samples * 2 bytes (16-bit PCM)

	// Inbound: device -> gateway
	DeviceInSampleRate    = 16000
	DeviceInFrameDuration = 60
	DeviceInFrameSamples  = 960
	DeviceInFrameBytes    = 1920

	// Room-internal PCM
	RoomSampleRate = 48000

	Channels = 1

	// Frames whose peak amplitude is below this are treated as silence and
	// never reach the encoder.
	SilencePeakThreshold = 10
)

// Config identifies a PCM stream format for resampling.
type Config struct {
	SampleRate int
	Channels   int
}

var (
	ROOM_AUDIO_CONFIG       = Config{SampleRate: RoomSampleRate, Channels: Channels}
	DEVICE_OUT_AUDIO_CONFIG = Config{SampleRate: DeviceOutSampleRate, Channels: Channels}
	DEVICE_IN_AUDIO_CONFIG  = Config{SampleRate: DeviceInSampleRate, Channels: Channels}
)
