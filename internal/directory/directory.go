// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/toy-gateway/pkg/commons"
)

// Room/session modes.
const (
	ModeConversation = "conversation"
	ModeMusic        = "music"
	ModeStory        = "story"
)

// DeviceDirectory looks up per-device mode, character and listening mode
// from the external device-profile API. Failures fall back to conversation
// mode so a flaky profile service never blocks a hello.
type DeviceDirectory struct {
	logger commons.Logger
	http   *resty.Client
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
}

// CycleModeResult reports a mode rotation.
type CycleModeResult struct {
	Success bool   `json:"success"`
	NewMode string `json:"newMode"`
	OldMode string `json:"oldMode"`
}

func NewDeviceDirectory(logger commons.Logger, baseURL, token string) *DeviceDirectory {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &DeviceDirectory{logger: logger, http: client}
}

func (d *DeviceDirectory) get(ctx context.Context, path string, out any) error {
	resp, err := d.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode())
	}
	var env apiEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("GET %s: decoding: %w", path, err)
	}
	if env.Code != 0 {
		return fmt.Errorf("GET %s: api code %d", path, env.Code)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("GET %s: decoding data: %w", path, err)
		}
	}
	return nil
}

func (d *DeviceDirectory) post(ctx context.Context, path string, out any) error {
	resp, err := d.http.R().SetContext(ctx).Post(path)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("POST %s: status %d", path, resp.StatusCode())
	}
	var env apiEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("POST %s: decoding: %w", path, err)
	}
	if env.Code != 0 {
		return fmt.Errorf("POST %s: api code %d", path, env.Code)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("POST %s: decoding data: %w", path, err)
		}
	}
	return nil
}

// GetMode returns the device's configured room type, defaulting to
// conversation when the profile API is unreachable or answers garbage.
func (d *DeviceDirectory) GetMode(ctx context.Context, mac string) string {
	var mode string
	if err := d.get(ctx, fmt.Sprintf("/toy/device/%s/mode", mac), &mode); err != nil {
		d.logger.Warnw("device mode lookup failed, defaulting to conversation", "mac", mac, "error", err)
		return ModeConversation
	}
	switch mode {
	case ModeConversation, ModeMusic, ModeStory:
		return mode
	default:
		d.logger.Warnw("unknown device mode, defaulting to conversation", "mac", mac, "mode", mode)
		return ModeConversation
	}
}

// GetListeningMode returns the device's listening mode ("" on failure).
func (d *DeviceDirectory) GetListeningMode(ctx context.Context, mac string) string {
	var mode string
	if err := d.get(ctx, fmt.Sprintf("/toy/device/%s/device-mode", mac), &mode); err != nil {
		d.logger.Debugw("listening mode lookup failed", "mac", mac, "error", err)
		return ""
	}
	return mode
}

// GetCurrentCharacter returns the active character ("" on failure).
func (d *DeviceDirectory) GetCurrentCharacter(ctx context.Context, mac string) string {
	var character string
	if err := d.get(ctx, fmt.Sprintf("/toy/agent/device/%s/current-character", mac), &character); err != nil {
		d.logger.Debugw("character lookup failed", "mac", mac, "error", err)
		return ""
	}
	return character
}

// CycleMode rotates the device to its next mode.
func (d *DeviceDirectory) CycleMode(ctx context.Context, mac string) (CycleModeResult, error) {
	var result CycleModeResult
	if err := d.post(ctx, fmt.Sprintf("/toy/device/%s/cycle-mode", mac), &result); err != nil {
		return CycleModeResult{}, err
	}
	return result, nil
}

// CycleCharacter rotates to the next character and returns it.
func (d *DeviceDirectory) CycleCharacter(ctx context.Context, mac string) (string, error) {
	var result struct {
		Success      bool   `json:"success"`
		NewCharacter string `json:"newCharacter"`
	}
	if err := d.post(ctx, fmt.Sprintf("/toy/agent/device/%s/cycle-character", mac), &result); err != nil {
		return "", err
	}
	return result.NewCharacter, nil
}

// SetCharacter selects a specific character by name.
func (d *DeviceDirectory) SetCharacter(ctx context.Context, mac, name string) error {
	resp, err := d.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"character": name}).
		Post(fmt.Sprintf("/toy/agent/device/%s/set-character", mac))
	if err != nil {
		return fmt.Errorf("set-character: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("set-character: status %d", resp.StatusCode())
	}
	return nil
}

// GetPlaylist fetches the device playlist for a mode; empty on failure.
func (d *DeviceDirectory) GetPlaylist(ctx context.Context, mac, mode string) []string {
	var playlist []string
	if err := d.get(ctx, fmt.Sprintf("/toy/device/%s/playlist/%s", mac, mode), &playlist); err != nil {
		d.logger.Debugw("playlist lookup failed", "mac", mac, "mode", mode, "error", err)
		return nil
	}
	return playlist
}
