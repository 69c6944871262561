// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/toy-gateway/pkg/commons"
)

func testLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.Name("directory-test"), commons.Level("error"))
	require.NoError(t, err)
	return logger
}

func apiReply(t *testing.T, w http.ResponseWriter, code int, data any) {
	t.Helper()
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"code": code, "data": data}))
}

func TestGetMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/toy/device/aa:bb:cc:dd:ee:ff/mode", r.URL.Path)
		apiReply(t, w, 0, "music")
	}))
	defer srv.Close()

	d := NewDeviceDirectory(testLogger(t), srv.URL, "")
	assert.Equal(t, ModeMusic, d.GetMode(context.Background(), "aa:bb:cc:dd:ee:ff"))
}

func TestGetModeFallsBackToConversation(t *testing.T) {
	t.Run("server unreachable", func(t *testing.T) {
		d := NewDeviceDirectory(testLogger(t), "http://127.0.0.1:1", "")
		assert.Equal(t, ModeConversation, d.GetMode(context.Background(), "aa:bb:cc:dd:ee:ff"))
	})

	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()
		d := NewDeviceDirectory(testLogger(t), srv.URL, "")
		assert.Equal(t, ModeConversation, d.GetMode(context.Background(), "aa:bb:cc:dd:ee:ff"))
	})

	t.Run("api level error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiReply(t, w, 42, nil)
		}))
		defer srv.Close()
		d := NewDeviceDirectory(testLogger(t), srv.URL, "")
		assert.Equal(t, ModeConversation, d.GetMode(context.Background(), "aa:bb:cc:dd:ee:ff"))
	})

	t.Run("unknown mode value", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiReply(t, w, 0, "karaoke")
		}))
		defer srv.Close()
		d := NewDeviceDirectory(testLogger(t), srv.URL, "")
		assert.Equal(t, ModeConversation, d.GetMode(context.Background(), "aa:bb:cc:dd:ee:ff"))
	})
}

func TestCycleMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/toy/device/aa:bb:cc:dd:ee:ff/cycle-mode", r.URL.Path)
		apiReply(t, w, 0, map[string]any{"success": true, "newMode": "story", "oldMode": "music"})
	}))
	defer srv.Close()

	d := NewDeviceDirectory(testLogger(t), srv.URL, "")
	result, err := d.CycleMode(context.Background(), "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "story", result.NewMode)
	assert.Equal(t, "music", result.OldMode)
}

func TestCycleCharacter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/toy/agent/device/aa:bb:cc:dd:ee:ff/cycle-character", r.URL.Path)
		apiReply(t, w, 0, map[string]any{"success": true, "newCharacter": "pirate"})
	}))
	defer srv.Close()

	d := NewDeviceDirectory(testLogger(t), srv.URL, "")
	character, err := d.CycleCharacter(context.Background(), "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, "pirate", character)
}

func TestGetPlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/toy/device/aa:bb:cc:dd:ee:ff/playlist/music", r.URL.Path)
		apiReply(t, w, 0, []string{"song-1", "song-2"})
	}))
	defer srv.Close()

	d := NewDeviceDirectory(testLogger(t), srv.URL, "")
	playlist := d.GetPlaylist(context.Background(), "aa:bb:cc:dd:ee:ff", "music")
	assert.Equal(t, []string{"song-1", "song-2"}, playlist)
}

func TestGetPlaylistEmptyOnFailure(t *testing.T) {
	d := NewDeviceDirectory(testLogger(t), "http://127.0.0.1:1", "")
	assert.Nil(t, d.GetPlaylist(context.Background(), "aa:bb:cc:dd:ee:ff", "music"))
}

func TestAuthTokenForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		apiReply(t, w, 0, "conversation")
	}))
	defer srv.Close()

	d := NewDeviceDirectory(testLogger(t), srv.URL, "secret-token")
	d.GetMode(context.Background(), "aa:bb:cc:dd:ee:ff")
}
