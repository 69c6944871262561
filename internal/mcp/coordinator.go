// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rapidaai/toy-gateway/internal/controlbus"
	"github.com/rapidaai/toy-gateway/pkg/commons"
)

const (
	// How long a tool call may stay outstanding before the waiter is
	// released with ErrMcpTimeout.
	requestTimeout = 10 * time.Second

	// Successive volume nudges inside this window collapse into one
	// device round-trip.
	volumeDebounce = 300 * time.Millisecond

	// Volume delta applied when a nudge carries no explicit step.
	volumeStepDefault = 10
)

var ErrMcpTimeout = errors.New("mcp request timed out")

// Sender publishes an outbound control message to the device channel.
type Sender func(v any) error

// rpcRequest is the JSON-RPC 2.0 shape carried inside the mcp envelope.
type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      uint64    `json:"id"`
}

type rpcParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type pendingCall struct {
	ch    chan callResult
	timer *time.Timer
}

type callResult struct {
	text string
	err  error
}

type adjustRequest struct {
	action  string // "up" | "down"
	step    int    // accumulated volume delta
	waiters []chan callResult
}

// Coordinator owns the device-side tool-call plumbing for one session:
// request/response correlation over the control channel, a volume nudge
// debouncer, and a serial queue so only one volume adjustment is in
// flight against the device at a time.
type Coordinator struct {
	logger    commons.Logger
	sender    Sender
	sessionID string

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	closed  bool

	volMu           sync.Mutex
	volTimer        *time.Timer
	volAccum        *adjustRequest
	adjustQueue     chan *adjustRequest
	lastKnownVolume int // -1 when unknown

	done chan struct{}
}

func NewCoordinator(logger commons.Logger, sessionID string, sender Sender) *Coordinator {
	c := &Coordinator{
		logger:          logger,
		sender:          sender,
		sessionID:       sessionID,
		pending:         make(map[uint64]*pendingCall),
		adjustQueue:     make(chan *adjustRequest, 16),
		lastKnownVolume: -1,
		done:            make(chan struct{}),
	}
	go c.runAdjustQueue()
	return c
}

// toolName maps the agent-facing function names onto the device's MCP
// tool namespace. Unknown names pass through unchanged.
func toolName(function string) string {
	switch function {
	case "self_set_volume":
		return "self.audio_speaker.set_volume"
	case "self_get_volume", "self_get_device_status":
		return "self.get_device_status"
	case "self_mute":
		return "self.audio_speaker.mute"
	case "self_unmute":
		return "self.audio_speaker.unmute"
	case "self_set_light_color":
		return "self.led.set_color"
	case "self_set_light_mode":
		return "self.led.set_mode"
	case "self_set_rainbow_speed":
		return "self.led.set_rainbow_speed"
	case "self_get_battery_status":
		return "self.battery.get_status"
	default:
		return function
	}
}

// CallTool issues one tools/call against the device and blocks until the
// response arrives or the per-request timer fires. The returned string is
// the first content item's text.
func (c *Coordinator) CallTool(tool string, args map[string]any) (string, error) {
	ch, err := c.startCall(tool, args)
	if err != nil {
		return "", err
	}
	res := <-ch
	return res.text, res.err
}

func (c *Coordinator) startCall(tool string, args map[string]any) (chan callResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("mcp coordinator closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan callResult, 1)
	pc := &pendingCall{ch: ch}
	pc.timer = time.AfterFunc(requestTimeout, func() { c.expire(id) })
	c.pending[id] = pc
	c.mu.Unlock()

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params:  rpcParams{Name: tool, Arguments: args},
		ID:      id,
	}
	out := internal_controlbus.McpOutbound{
		Type:      internal_controlbus.TypeMcp,
		Payload:   req,
		SessionID: c.sessionID,
		RequestID: fmt.Sprintf("req_%d", id),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.sender(out); err != nil {
		c.resolve(id, callResult{err: fmt.Errorf("sending mcp request: %w", err)})
		return ch, nil
	}
	return ch, nil
}

func (c *Coordinator) expire(id uint64) {
	c.resolve(id, callResult{err: ErrMcpTimeout})
}

func (c *Coordinator) resolve(id uint64, res callResult) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		pc.timer.Stop()
	}
	c.mu.Unlock()
	if ok {
		pc.ch <- res
	}
}

// HandleResponse routes an inbound mcp message from the device back to
// its waiter. Unknown or already-expired ids are dropped with a debug log.
func (c *Coordinator) HandleResponse(payload json.RawMessage) {
	var resp rpcResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.logger.Warnw("dropping malformed mcp response", "error", err)
		return
	}
	if resp.Error != nil {
		c.resolve(resp.ID, callResult{err: fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)})
		return
	}
	text, err := extractText(resp.Result)
	if err != nil {
		c.resolve(resp.ID, callResult{err: err})
		return
	}
	c.resolve(resp.ID, callResult{text: text})
}

// extractText pulls result.content[0].text from a tools/call result.
func extractText(result json.RawMessage) (string, error) {
	if len(result) == 0 {
		return "", nil
	}
	var body struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return "", fmt.Errorf("decoding mcp result: %w", err)
	}
	if len(body.Content) == 0 {
		return "", nil
	}
	return body.Content[0].Text, nil
}

// ============================================================
// Volume handling
// ============================================================

// AdjustVolume debounces up/down nudges. step is the volume delta of this
// nudge; calls with the same action inside the window add their steps
// together and merge into one device round-trip. The returned channel
// yields the final volume text once the merged adjustment completes.
func (c *Coordinator) AdjustVolume(action string, step int) <-chan callResult {
	if step <= 0 {
		step = volumeStepDefault
	}
	waiter := make(chan callResult, 1)

	c.volMu.Lock()
	defer c.volMu.Unlock()

	if c.volAccum != nil && c.volAccum.action == action {
		c.volAccum.step += step
		c.volAccum.waiters = append(c.volAccum.waiters, waiter)
		c.volTimer.Reset(volumeDebounce)
		return waiter
	}

	// Direction changed mid-window: flush what we have immediately.
	if c.volAccum != nil {
		c.volTimer.Stop()
		c.enqueue(c.volAccum)
	}

	c.volAccum = &adjustRequest{action: action, step: step, waiters: []chan callResult{waiter}}
	c.volTimer = time.AfterFunc(volumeDebounce, c.flushVolume)
	return waiter
}

func (c *Coordinator) flushVolume() {
	c.volMu.Lock()
	req := c.volAccum
	c.volAccum = nil
	c.volMu.Unlock()
	if req != nil {
		c.enqueue(req)
	}
}

func (c *Coordinator) enqueue(req *adjustRequest) {
	select {
	case c.adjustQueue <- req:
	default:
		c.logger.Warnw("volume adjust queue full, dropping request", "action", req.action)
		for _, w := range req.waiters {
			w <- callResult{err: fmt.Errorf("volume adjust queue full")}
		}
	}
}

// runAdjustQueue serializes volume adjustments: one read-modify-write
// against the device at a time, with the last known volume cached to
// skip the read on the happy path.
func (c *Coordinator) runAdjustQueue() {
	for {
		select {
		case <-c.done:
			return
		case req := <-c.adjustQueue:
			c.performAdjust(req)
		}
	}
}

// performAdjust degrades gracefully: any device error invalidates the
// cache (so the next adjust re-reads real state) and resolves the waiters
// with a null result rather than an error.
func (c *Coordinator) performAdjust(req *adjustRequest) {
	cur := c.cachedVolume()
	if cur < 0 {
		v, err := c.queryVolume()
		if err != nil {
			c.logger.Warnw("volume query failed", "error", err)
			c.invalidateVolume()
			for _, w := range req.waiters {
				w <- callResult{}
			}
			return
		}
		cur = v
	}

	delta := req.step
	if req.action == "down" {
		delta = -delta
	}
	target := cur + delta
	if target < 0 {
		target = 0
	}
	if target > 100 {
		target = 100
	}

	text, err := c.CallTool("self.audio_speaker.set_volume", map[string]any{"volume": target})
	if err != nil {
		c.logger.Warnw("volume set failed", "error", err)
		c.invalidateVolume()
		for _, w := range req.waiters {
			w <- callResult{}
		}
		return
	}
	c.setCachedVolume(target)
	for _, w := range req.waiters {
		w <- callResult{text: text}
	}
}

func (c *Coordinator) cachedVolume() int {
	c.volMu.Lock()
	defer c.volMu.Unlock()
	return c.lastKnownVolume
}

func (c *Coordinator) setCachedVolume(v int) {
	c.volMu.Lock()
	c.lastKnownVolume = v
	c.volMu.Unlock()
}

func (c *Coordinator) invalidateVolume() {
	c.volMu.Lock()
	c.lastKnownVolume = -1
	c.volMu.Unlock()
}

// queryVolume reads the device status and extracts the speaker volume.
func (c *Coordinator) queryVolume() (int, error) {
	text, err := c.CallTool("self.get_device_status", nil)
	if err != nil {
		return 0, err
	}
	var status struct {
		AudioSpeaker struct {
			Volume int `json:"volume"`
		} `json:"audio_speaker"`
	}
	if err := json.Unmarshal([]byte(text), &status); err != nil {
		return 0, fmt.Errorf("decoding device status: %w", err)
	}
	return status.AudioSpeaker.Volume, nil
}

// ============================================================
// Function-call entry point
// ============================================================

// Execute runs an agent-requested function against the device. Volume
// nudges route through the debouncer; everything else is a direct tool
// call.
func (c *Coordinator) Execute(name string, args map[string]any) (string, error) {
	switch name {
	case "self_volume_up":
		res := <-c.AdjustVolume("up", argStep(args))
		return res.text, res.err
	case "self_volume_down":
		res := <-c.AdjustVolume("down", argStep(args))
		return res.text, res.err
	default:
		return c.CallTool(toolName(name), args)
	}
}

// argStep reads the nudge's volume delta. Zero means the caller did not
// specify one and the default applies.
func argStep(args map[string]any) int {
	for _, key := range []string{"step", "steps"} {
		switch v := args[key].(type) {
		case float64:
			if v > 0 {
				return int(v)
			}
		case int:
			if v > 0 {
				return v
			}
		}
	}
	return 0
}

// CancelAll releases every outstanding waiter with ErrMcpTimeout and
// stops the adjust queue. Safe to call more than once.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.ch <- callResult{err: ErrMcpTimeout}
	}

	c.volMu.Lock()
	if c.volTimer != nil {
		c.volTimer.Stop()
	}
	accum := c.volAccum
	c.volAccum = nil
	c.volMu.Unlock()
	if accum != nil {
		for _, w := range accum.waiters {
			w <- callResult{err: ErrMcpTimeout}
		}
	}

	close(c.done)
}
