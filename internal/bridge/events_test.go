// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_bridge

import "testing"

func TestParseDataEventVariants(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		check   func(t *testing.T, ev DataEvent)
	}{
		{
			"agent state transition",
			`{"type":"agent_state_changed","old_state":"speaking","new_state":"listening"}`,
			func(t *testing.T, ev DataEvent) {
				if ev.Kind != EventAgentStateChanged || ev.OldState != "speaking" || ev.NewState != "listening" {
					t.Errorf("ev = %+v", ev)
				}
			},
		},
		{
			"agent state legacy single field",
			`{"type":"agent_state_changed","state":"speaking"}`,
			func(t *testing.T, ev DataEvent) {
				if ev.Kind != EventAgentStateChanged || ev.NewState != "speaking" {
					t.Errorf("ev = %+v", ev)
				}
			},
		},
		{
			"user input transcribed",
			`{"type":"user_input_transcribed","text":"hello there","is_final":true}`,
			func(t *testing.T, ev DataEvent) {
				if ev.Kind != EventTranscribed || ev.Text != "hello there" || !ev.Final {
					t.Errorf("ev = %+v", ev)
				}
			},
		},
		{
			"legacy transcribed alias",
			`{"type":"transcribed","transcript":"hi","is_final":false}`,
			func(t *testing.T, ev DataEvent) {
				if ev.Kind != EventTranscribed || ev.Text != "hi" || ev.Final {
					t.Errorf("ev = %+v", ev)
				}
			},
		},
		{
			"speech created",
			`{"type":"speech_created","text":"once upon a time"}`,
			func(t *testing.T, ev DataEvent) {
				if ev.Kind != EventSpeechCreated || ev.Text != "once upon a time" {
					t.Errorf("ev = %+v", ev)
				}
			},
		},
		{
			"device control",
			`{"type":"device_control","action":"volume_up"}`,
			func(t *testing.T, ev DataEvent) {
				if ev.Kind != EventDeviceControl || ev.Action != "volume_up" {
					t.Errorf("ev = %+v", ev)
				}
			},
		},
		{
			"nested function call",
			`{"type":"function_call","function_call":{"name":"self_set_volume","arguments":{"volume":30}}}`,
			func(t *testing.T, ev DataEvent) {
				if ev.Kind != EventFunctionCall || ev.FunctionName != "self_set_volume" {
					t.Errorf("ev = %+v", ev)
				}
				if ev.FunctionArgs["volume"] != float64(30) {
					t.Errorf("args = %v", ev.FunctionArgs)
				}
			},
		},
		{
			"flat function call",
			`{"type":"function_call","name":"self_mute","arguments":{}}`,
			func(t *testing.T, ev DataEvent) {
				if ev.Kind != EventFunctionCall || ev.FunctionName != "self_mute" {
					t.Errorf("ev = %+v", ev)
				}
			},
		},
		{
			"mobile music request",
			`{"type":"mobile_music_request","song":"twinkle twinkle"}`,
			func(t *testing.T, ev DataEvent) {
				if ev.Kind != EventMobileMusicRequest || ev.Song != "twinkle twinkle" {
					t.Errorf("ev = %+v", ev)
				}
			},
		},
		{
			"music playback stopped",
			`{"type":"music_playback_stopped"}`,
			func(t *testing.T, ev DataEvent) {
				if ev.Kind != EventPlaybackStopped {
					t.Errorf("ev = %+v", ev)
				}
			},
		},
		{
			"llm with emotion",
			`{"type":"llm","emotion":"happy","text":"yay"}`,
			func(t *testing.T, ev DataEvent) {
				if ev.Kind != EventLlmEmotion || ev.Emotion != "happy" || ev.Text != "yay" {
					t.Errorf("ev = %+v", ev)
				}
			},
		},
		{
			"unknown type",
			`{"type":"telemetry_v9","whatever":1}`,
			func(t *testing.T, ev DataEvent) {
				if ev.Kind != EventUnknown {
					t.Errorf("ev = %+v", ev)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := ParseDataEvent([]byte(tc.payload))
			if err != nil {
				t.Fatalf("ParseDataEvent: %v", err)
			}
			if string(ev.Raw) != tc.payload {
				t.Errorf("Raw not preserved: %s", ev.Raw)
			}
			tc.check(t, ev)
		})
	}
}

func TestParseDataEventRejectsGarbage(t *testing.T) {
	if _, err := ParseDataEvent([]byte(`{{{`)); err == nil {
		t.Error("garbage accepted")
	}
}
