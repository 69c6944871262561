// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_bridge

import (
	"encoding/json"
	"fmt"
)

// EventKind classifies room data-channel traffic from agents and bots.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventAgentStateChanged
	EventTranscribed
	EventSpeechCreated
	EventDeviceControl
	EventFunctionCall
	EventMobileMusicRequest
	EventPlaybackStopped
	EventLlmEmotion
)

// DataEvent is one decoded data-channel message. Only the fields relevant
// to the event's kind are populated; Raw always carries the full payload.
type DataEvent struct {
	Kind EventKind

	// agent_state_changed
	OldState string
	NewState string

	// user_input_transcribed / speech_created
	Text  string
	Final bool

	// device_control
	Action string

	// function_call
	FunctionName string
	FunctionArgs map[string]any

	// mobile_music_request
	Song string

	// llm
	Emotion string

	Raw json.RawMessage
}

type wireEvent struct {
	Type         string         `json:"type"`
	OldState     string         `json:"old_state,omitempty"`
	NewState     string         `json:"new_state,omitempty"`
	State        string         `json:"state,omitempty"` // legacy agent bots
	Text         string         `json:"text,omitempty"`
	Transcript   string         `json:"transcript,omitempty"`
	IsFinal      bool           `json:"is_final,omitempty"`
	Action       string         `json:"action,omitempty"`
	Name         string         `json:"name,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	FunctionCall *struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function_call,omitempty"`
	Song    string `json:"song,omitempty"`
	Emotion string `json:"emotion,omitempty"`
}

// ParseDataEvent decodes one data-channel payload. Unrecognized types come
// back as EventUnknown so the caller can log and move on.
func ParseDataEvent(payload []byte) (DataEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return DataEvent{}, fmt.Errorf("decoding data event: %w", err)
	}

	ev := DataEvent{Raw: append(json.RawMessage(nil), payload...)}
	switch w.Type {
	case "agent_state_changed":
		ev.Kind = EventAgentStateChanged
		ev.OldState = w.OldState
		ev.NewState = w.NewState
		// Older agent bots send a single "state" field.
		if ev.NewState == "" {
			ev.NewState = w.State
		}
	case "user_input_transcribed", "transcribed", "transcription":
		ev.Kind = EventTranscribed
		ev.Text = w.Text
		if ev.Text == "" {
			ev.Text = w.Transcript
		}
		ev.Final = w.IsFinal
	case "speech_created":
		ev.Kind = EventSpeechCreated
		ev.Text = w.Text
	case "device_control":
		ev.Kind = EventDeviceControl
		ev.Action = w.Action
	case "function_call":
		ev.Kind = EventFunctionCall
		if w.FunctionCall != nil {
			ev.FunctionName = w.FunctionCall.Name
			ev.FunctionArgs = w.FunctionCall.Arguments
		} else {
			ev.FunctionName = w.Name
			ev.FunctionArgs = w.Arguments
		}
	case "mobile_music_request":
		ev.Kind = EventMobileMusicRequest
		ev.Song = w.Song
	case "music_playback_stopped", "playback_stopped":
		ev.Kind = EventPlaybackStopped
	case "llm", "llm_emotion":
		ev.Kind = EventLlmEmotion
		ev.Emotion = w.Emotion
		ev.Text = w.Text
	default:
		ev.Kind = EventUnknown
	}
	return ev, nil
}
