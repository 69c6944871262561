// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_controlbus

import (
	"encoding/json"
	"fmt"
)

// Control message types on the device channel.
const (
	TypeHello            = "hello"
	TypeGoodbye          = "goodbye"
	TypeAbort            = "abort"
	TypeListen           = "listen"
	TypeModeChange       = "mode-change"
	TypeCharacterChange  = "character-change"
	TypeSetListeningMode = "set_listening_mode"
	TypePlaybackControl  = "playback_control"
	TypeFunctionCall     = "function_call"
	TypeMcp              = "mcp"
	TypeStartGreeting    = "start_greeting"
	TypeTTS              = "tts"
	TypeStt              = "stt"
	TypeLlm              = "llm"
	TypeError            = "error"
	TypeModeUpdate       = "mode_update"
	TypeReadyForGreeting = "ready_for_greeting"
	TypeDeviceStatus     = "device_status"
)

// ProtocolVersion is the single wire version recognized at hello-time.
const ProtocolVersion = 3

// Envelope is the minimal shape shared by every inbound control message.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ParseType extracts the message type without committing to a full decode.
func ParseType(payload []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("decoding control message: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("control message missing type")
	}
	return env.Type, nil
}

// AudioParams mirror the device's advertised or assigned audio format.
type AudioParams struct {
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
	Format        string `json:"format"`
}

// HelloMessage opens a session. Version must equal ProtocolVersion.
type HelloMessage struct {
	Envelope
	Version     int            `json:"version"`
	AudioParams AudioParams    `json:"audio_params"`
	Features    map[string]any `json:"features,omitempty"`
	Language    string         `json:"language,omitempty"`
	ClientID    string         `json:"client_id,omitempty"`
}

// ListenMessage reports device listening state; informational only, turn
// detection is delegated to the remote agent's VAD.
type ListenMessage struct {
	Envelope
	State string `json:"state"` // start | stop
	Mode  string `json:"mode"`  // manual | auto
}

type CharacterChangeMessage struct {
	Envelope
	CharacterName string `json:"characterName,omitempty"`
}

// PlaybackControlMessage actions: next, previous, start_agent.
type PlaybackControlMessage struct {
	Envelope
	Action string `json:"action"`
}

type FunctionCallPayload struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type FunctionCallMessage struct {
	Envelope
	FunctionCall FunctionCallPayload `json:"function_call"`
	Source       string              `json:"source,omitempty"`
}

// McpMessage wraps a JSON-RPC 2.0 payload travelling the device channel.
type McpMessage struct {
	Envelope
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// FirehoseEnvelope is the re-published internal ingest shape. The
// "orginal_payload" key is a legacy misspelling preserved for wire
// compatibility, do not fix it.
type FirehoseEnvelope struct {
	SenderClientID  string          `json:"sender_client_id"`
	OriginalPayload json.RawMessage `json:"orginal_payload"`
}

// UDPInfo is the datagram endpoint material handed to the device at hello
// and on mode change. Cookie duplicates ConnectionID; legacy devices may
// read either, so both are kept.
type UDPInfo struct {
	Server       string `json:"server"`
	Port         int    `json:"port"`
	Encryption   string `json:"encryption"`
	Key          string `json:"key"`   // hex
	Nonce        string `json:"nonce"` // hex
	ConnectionID uint32 `json:"connection_id"`
	Cookie       uint32 `json:"cookie"`
}

// HelloReply answers a valid hello with session material.
type HelloReply struct {
	Type        string      `json:"type"` // "hello"
	Version     int         `json:"version"`
	Mode        string      `json:"mode"`
	Character   string      `json:"character,omitempty"`
	SessionID   string      `json:"session_id"`
	Transport   string      `json:"transport"` // "udp"
	UDP         UDPInfo     `json:"udp"`
	AudioParams AudioParams `json:"audio_params"`
}

// ModeUpdate carries fresh UDP material after a room recreation.
type ModeUpdate struct {
	Type          string      `json:"type"` // "mode_update"
	Mode          string      `json:"mode"`
	ListeningMode string      `json:"listening_mode,omitempty"`
	Character     string      `json:"character,omitempty"`
	SessionID     string      `json:"session_id"`
	UDP           UDPInfo     `json:"udp"`
	AudioParams   AudioParams `json:"audio_params"`
}

type TTSMessage struct {
	Type      string `json:"type"` // "tts"
	State     string `json:"state"`
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
}

type SttMessage struct {
	Type      string `json:"type"` // "stt"
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

type LlmMessage struct {
	Type      string `json:"type"` // "llm"
	Text      string `json:"text"`
	Emotion   string `json:"emotion,omitempty"`
	State     string `json:"state,omitempty"`
	SessionID string `json:"session_id"`
}

type GoodbyeMessage struct {
	Type      string `json:"type"` // "goodbye"
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type ReadyForGreetingMessage struct {
	Type      string `json:"type"` // "ready_for_greeting"
	SessionID string `json:"session_id"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

type McpOutbound struct {
	Type      string `json:"type"` // "mcp"
	Payload   any    `json:"payload"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
}

// DeviceStatusMessage notifies the companion app about connectivity.
type DeviceStatusMessage struct {
	Type      string `json:"type"` // "device_status"
	Status    string `json:"status"`
	DeviceID  string `json:"deviceId"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// DefaultDeviceAudioParams is what the gateway assigns to the device's
// playback direction.
func DefaultDeviceAudioParams() AudioParams {
	return AudioParams{SampleRate: 24000, Channels: 1, FrameDuration: 60, Format: "opus"}
}
