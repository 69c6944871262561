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
	"strings"
	"sync"
	"testing"
	"time"

	internal_controlbus "github.com/rapidaai/toy-gateway/internal/controlbus"
	"github.com/rapidaai/toy-gateway/pkg/commons"
)

func testLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.Name("mcp-test"), commons.Level("error"))
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return logger
}

// fakeDevice plays the toy's side of the MCP conversation: it records every
// tools/call and answers according to a small script.
type fakeDevice struct {
	mu      sync.Mutex
	calls   []rpcRequest
	volume  int
	failSet bool
	silent  bool // when true, never answer

	coord *Coordinator
}

func (d *fakeDevice) sender(v any) error {
	out, ok := v.(internal_controlbus.McpOutbound)
	if !ok {
		return fmt.Errorf("unexpected outbound type %T", v)
	}
	if !strings.HasPrefix(out.RequestID, "req_") {
		return fmt.Errorf("request id %q missing req_ prefix", out.RequestID)
	}
	req, ok := out.Payload.(rpcRequest)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	if req.JSONRPC != "2.0" || req.Method != "tools/call" {
		return fmt.Errorf("malformed rpc request: %+v", req)
	}

	d.mu.Lock()
	d.calls = append(d.calls, req)
	silent := d.silent
	d.mu.Unlock()
	if silent {
		return nil
	}

	go d.reply(req)
	return nil
}

func (d *fakeDevice) reply(req rpcRequest) {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Params.Name {
	case "self.get_device_status":
		d.mu.Lock()
		text := fmt.Sprintf(`{"audio_speaker":{"volume":%d}}`, d.volume)
		d.mu.Unlock()
		resp.Result = toolResult(text)
	case "self.audio_speaker.set_volume":
		d.mu.Lock()
		fail := d.failSet
		if !fail {
			d.volume = asInt(req.Params.Arguments["volume"])
		}
		d.mu.Unlock()
		if fail {
			resp.Error = &rpcError{Code: -1, Message: "speaker offline"}
		} else {
			resp.Result = toolResult("ok")
		}
	default:
		resp.Result = toolResult("done:" + req.Params.Name)
	}

	payload, _ := json.Marshal(resp)
	d.coord.HandleResponse(payload)
}

// asInt tolerates both the in-process int and a JSON-decoded float64.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return -1
	}
}

func toolResult(text string) json.RawMessage {
	body := map[string]any{"content": []map[string]any{{"type": "text", "text": text}}}
	raw, _ := json.Marshal(body)
	return raw
}

func (d *fakeDevice) callsNamed(name string) []rpcRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []rpcRequest
	for _, c := range d.calls {
		if c.Params.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T, device *fakeDevice) *Coordinator {
	t.Helper()
	c := NewCoordinator(testLogger(t), "sess-1", device.sender)
	device.coord = c
	t.Cleanup(c.CancelAll)
	return c
}

func TestCallToolRoundTrip(t *testing.T) {
	device := &fakeDevice{volume: 50}
	c := newTestCoordinator(t, device)

	text, err := c.CallTool("self.led.set_color", map[string]any{"color": "blue"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if text != "done:self.led.set_color" {
		t.Errorf("text = %q, want done:self.led.set_color", text)
	}
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	device := &fakeDevice{}
	c := newTestCoordinator(t, device)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tool := fmt.Sprintf("tool.%d", i)
			text, err := c.CallTool(tool, nil)
			if err != nil {
				t.Errorf("CallTool(%s): %v", tool, err)
				return
			}
			results[i] = text
		}(i)
	}
	wg.Wait()

	for i, text := range results {
		want := fmt.Sprintf("done:tool.%d", i)
		if text != want {
			t.Errorf("result %d = %q, want %q", i, text, want)
		}
	}
}

func TestExecuteMapsFunctionNames(t *testing.T) {
	cases := map[string]string{
		"self_set_volume":        "self.audio_speaker.set_volume",
		"self_get_volume":        "self.get_device_status",
		"self_mute":              "self.audio_speaker.mute",
		"self_unmute":            "self.audio_speaker.unmute",
		"self_set_light_color":   "self.led.set_color",
		"self_set_light_mode":    "self.led.set_mode",
		"self_set_rainbow_speed": "self.led.set_rainbow_speed",
		"self_get_battery_status": "self.battery.get_status",
		"custom.tool":            "custom.tool",
	}
	for function, want := range cases {
		if got := toolName(function); got != want {
			t.Errorf("toolName(%q) = %q, want %q", function, got, want)
		}
	}
}

func TestVolumeNudgesDebounceIntoOneCall(t *testing.T) {
	device := &fakeDevice{volume: 50}
	c := newTestCoordinator(t, device)

	waiters := []<-chan callResult{
		c.AdjustVolume("up", 5),
		c.AdjustVolume("up", 5),
		c.AdjustVolume("up", 5),
		c.AdjustVolume("up", 5),
	}
	for i, w := range waiters {
		if res := <-w; res.err != nil {
			t.Fatalf("adjust %d: %v", i, res.err)
		}
	}

	sets := device.callsNamed("self.audio_speaker.set_volume")
	if len(sets) != 1 {
		t.Fatalf("set_volume calls = %d, want 1 (nudges must merge)", len(sets))
	}
	// Four merged step-5 up-nudges from 50 land on 70.
	if got := asInt(sets[0].Params.Arguments["volume"]); got != 70 {
		t.Errorf("set_volume argument = %d, want 70", got)
	}
	if device.volume != 70 {
		t.Errorf("device volume = %d, want 70", device.volume)
	}
}

func TestVolumeNudgeDefaultsStep(t *testing.T) {
	device := &fakeDevice{volume: 50}
	c := newTestCoordinator(t, device)

	if res := <-c.AdjustVolume("up", 0); res.err != nil {
		t.Fatalf("adjust: %v", res.err)
	}
	if device.volume != 60 {
		t.Errorf("device volume = %d, want 60 (default step)", device.volume)
	}
}

func TestVolumeClampsToRange(t *testing.T) {
	device := &fakeDevice{volume: 95}
	c := newTestCoordinator(t, device)

	res := <-c.AdjustVolume("up", 30)
	if res.err != nil {
		t.Fatalf("adjust: %v", res.err)
	}
	if device.volume != 100 {
		t.Errorf("device volume = %d, want clamped 100", device.volume)
	}
}

func TestVolumeErrorResolvesNullAndInvalidatesCache(t *testing.T) {
	device := &fakeDevice{volume: 50, failSet: true}
	c := newTestCoordinator(t, device)

	// A device failure degrades gracefully: the waiter resolves with a
	// null result rather than an error.
	res := <-c.AdjustVolume("up", 10)
	if res.err != nil {
		t.Fatalf("adjust resolved with error %v, want null result", res.err)
	}
	if res.text != "" {
		t.Fatalf("adjust resolved with text %q, want empty", res.text)
	}

	// The failed write must not poison the cache: the next adjustment
	// re-reads the device instead of trusting a stale value.
	device.mu.Lock()
	device.failSet = false
	device.mu.Unlock()

	if res := <-c.AdjustVolume("up", 10); res.err != nil {
		t.Fatalf("second adjust: %v", res.err)
	}
	statusReads := device.callsNamed("self.get_device_status")
	if len(statusReads) < 2 {
		t.Errorf("status reads = %d, want at least 2 (cache must be invalidated)", len(statusReads))
	}
}

func TestCancelAllReleasesWaiters(t *testing.T) {
	device := &fakeDevice{silent: true}
	c := newTestCoordinator(t, device)

	done := make(chan error, 1)
	go func() {
		_, err := c.CallTool("self.battery.get_status", nil)
		done <- err
	}()

	// Give the call a moment to register before cancelling.
	time.Sleep(50 * time.Millisecond)
	c.CancelAll()

	select {
	case err := <-done:
		if !errors.Is(err, ErrMcpTimeout) {
			t.Errorf("err = %v, want ErrMcpTimeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by CancelAll")
	}
}

func TestCallAfterCloseFails(t *testing.T) {
	device := &fakeDevice{}
	c := newTestCoordinator(t, device)
	c.CancelAll()
	if _, err := c.CallTool("anything", nil); err == nil {
		t.Error("CallTool after CancelAll succeeded, want error")
	}
}
