// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_mediaapi

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/toy-gateway/pkg/commons"
)

// Client drives the external media back-end that runs music and story bots
// inside rooms. Every call is fire-and-forget from the session's point of
// view; a failed bot start degrades to a silent room, not a dead session.
type Client struct {
	logger commons.Logger
	http   *resty.Client
}

func NewClient(logger commons.Logger, baseURL, token string) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetAuthToken(token)
	return &Client{logger: logger, http: client}
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// StartMusicBot spawns a music bot into the given room.
func (c *Client) StartMusicBot(ctx context.Context, roomName, deviceMac, language string, playlist []string) error {
	return c.post(ctx, "/start-music-bot", map[string]any{
		"room_name":  roomName,
		"device_mac": deviceMac,
		"language":   language,
		"playlist":   playlist,
	})
}

// StartStoryBot spawns a story bot into the given room.
func (c *Client) StartStoryBot(ctx context.Context, roomName, deviceMac, ageGroup string, playlist []string) error {
	return c.post(ctx, "/start-story-bot", map[string]any{
		"room_name":  roomName,
		"device_mac": deviceMac,
		"age_group":  ageGroup,
		"playlist":   playlist,
	})
}

// Control sends a playback command to a running bot. mode is "music" or
// "story"; action is one of start, next, previous, stop, pause, resume.
func (c *Client) Control(ctx context.Context, mode, roomName, action string) error {
	return c.post(ctx, fmt.Sprintf("/%s-bot/%s/%s", mode, roomName, action), nil)
}

// StopBot tears down whatever bot occupies the room.
func (c *Client) StopBot(ctx context.Context, roomName string) error {
	return c.post(ctx, "/stop-bot", map[string]any{"room_name": roomName})
}
