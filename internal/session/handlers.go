// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"

	internal_bridge "github.com/rapidaai/toy-gateway/internal/bridge"
	internal_controlbus "github.com/rapidaai/toy-gateway/internal/controlbus"
	internal_directory "github.com/rapidaai/toy-gateway/internal/directory"
	internal_identity "github.com/rapidaai/toy-gateway/internal/identity"
)

// handleControl runs on the session event loop. Decode failures are logged
// and dropped; a malformed message must never take the session down.
func (s *Session) handleControl(msgType string, payload []byte) {
	switch msgType {
	case internal_controlbus.TypeGoodbye:
		s.onDeviceGoodbye()
	case internal_controlbus.TypeAbort:
		s.onAbort()
	case internal_controlbus.TypeListen:
		s.onListen(payload)
	case internal_controlbus.TypeModeChange:
		s.onModeChange()
	case internal_controlbus.TypeCharacterChange:
		s.onCharacterChange(payload)
	case internal_controlbus.TypeSetListeningMode:
		s.onSetListeningMode(payload)
	case internal_controlbus.TypePlaybackControl:
		s.onPlaybackControl(payload)
	case internal_controlbus.TypeFunctionCall:
		s.onFunctionCall(payload)
	case internal_controlbus.TypeMcp:
		s.onMcpResponse(payload)
	case internal_controlbus.TypeStartGreeting:
		s.onStartGreeting()
	default:
		s.deps.Logger.Debugw("ignoring control message", "session", s.ID, "type", msgType)
	}
}

// onDeviceGoodbye ends the conversation but keeps the room alive: the
// device may reopen within the same session. The agent is told to leave so
// it can be re-dispatched cleanly.
func (s *Session) onDeviceGoodbye() {
	bridge := s.currentBridge()
	if bridge == nil {
		return
	}
	s.deps.Logger.Infow("device said goodbye, parking room", "session", s.ID)
	if err := bridge.SendDataMessage(map[string]any{"type": "disconnect_agent", "session_id": s.ID}); err != nil {
		s.deps.Logger.Warnw("disconnect_agent send failed", "session", s.ID, "error", err)
	}
	bridge.ResetAgentJoin()
	bridge.ResetDownlink()
}

// onAbort interrupts in-flight speech immediately.
func (s *Session) onAbort() {
	bridge := s.currentBridge()
	if bridge == nil {
		return
	}
	if err := bridge.SendDataMessage(map[string]any{"type": "abort_speech", "session_id": s.ID}); err != nil {
		s.deps.Logger.Warnw("abort send failed", "session", s.ID, "error", err)
	}
	bridge.ResetDownlink()
	s.publishToDevice(internal_controlbus.TTSMessage{
		Type: internal_controlbus.TypeTTS, State: "stop", SessionID: s.ID,
	})
}

// onListen is informational: turn-taking belongs to the agent's VAD. A
// fresh listen while Ending revives the session.
func (s *Session) onListen(payload []byte) {
	var msg internal_controlbus.ListenMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.deps.Logger.Debugw("malformed listen message", "session", s.ID, "error", err)
		return
	}
	s.deps.Logger.Debugw("listen state", "session", s.ID, "state", msg.State, "mode", msg.Mode)

	if msg.State == "start" {
		s.mu.Lock()
		if s.state == StateEnding {
			s.state = StateConnected
			s.endPromptAt = time.Time{}
		}
		s.mu.Unlock()
	}
}

// onModeChange rotates the device mode: the current room (and any bot in
// it) dies, a new room comes up under the next mode, and the device gets
// fresh datagram material in a mode_update.
func (s *Session) onModeChange() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	oldMode := s.Mode()
	oldBridge := s.currentBridge()
	if oldBridge != nil {
		oldBridge.ResetDownlink()
		if oldMode != internal_directory.ModeConversation {
			if err := s.deps.Media.StopBot(ctx, oldBridge.RoomName()); err != nil {
				s.deps.Logger.Debugw("bot stop failed", "session", s.ID, "error", err)
			}
		}
		oldBridge.Close(ctx)
	}

	newMode := oldMode
	if result, err := s.deps.Directory.CycleMode(ctx, s.ClientID.Mac); err != nil {
		s.deps.Logger.Warnw("mode cycle failed, keeping mode", "session", s.ID, "error", err)
	} else if result.Success {
		newMode = result.NewMode
	}

	if err := s.rotateKeyMaterial(); err != nil {
		s.deps.Logger.Errorw("key rotation failed", "session", s.ID, "error", err)
		s.Close(ReasonModeChange)
		return
	}

	s.mu.Lock()
	s.mode = newMode
	s.bridge = nil
	s.mu.Unlock()
	s.resetSequences()

	roomName := internal_identity.RoomName(s.ClientID.UID, s.ClientID.Mac, newMode)
	bridge := internal_bridge.NewMediaBridge(
		s.deps.Logger,
		s.deps.Cfg.LiveKit,
		roomName,
		internal_bridge.Identity{Mac: s.ClientID.Mac, UID: s.ClientID.UID, RoomType: newMode},
		s.deps.Pool,
		s.sendAudioFrame,
		s.postRoomEvent,
	)
	if err := bridge.Connect(ctx); err != nil {
		s.deps.Logger.Errorw("room recreation failed", "session", s.ID, "mode", newMode, "error", err)
		s.Close(ReasonModeChange)
		return
	}
	s.mu.Lock()
	s.bridge = bridge
	s.state = StateConnected
	s.endPromptAt = time.Time{}
	s.mu.Unlock()

	update := internal_controlbus.ModeUpdate{
		Type:          internal_controlbus.TypeModeUpdate,
		Mode:          newMode,
		ListeningMode: s.listeningMode,
		Character:     s.character,
		SessionID:     s.ID,
		UDP:           s.UDPInfo(),
		AudioParams:   internal_controlbus.DefaultDeviceAudioParams(),
	}
	if err := s.deps.Bus.PublishToDevice(s.FullClientID, update); err != nil {
		s.deps.Logger.Warnw("mode update publish failed", "session", s.ID, "error", err)
	}

	s.deps.Logger.Infow("mode changed", "session", s.ID, "from", oldMode, "to", newMode)
	go s.startModeBackend(roomName)
}

// rotateKeyMaterial issues a fresh key and nonce; old packets become
// undecryptable, which is the point.
func (s *Session) rotateKeyMaterial() error {
	key := make([]byte, 16)
	nonce := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	s.mu.Lock()
	s.key = key
	s.nonce = nonce
	s.mu.Unlock()
	return nil
}

func (s *Session) resetSequences() {
	s.seqMu.Lock()
	s.seqOut = 0
	s.seqInHighest = 0
	s.seqMu.Unlock()
}

func (s *Session) onCharacterChange(payload []byte) {
	var msg internal_controlbus.CharacterChangeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.deps.Logger.Debugw("malformed character-change message", "session", s.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var newCharacter string
	if msg.CharacterName != "" {
		if err := s.deps.Directory.SetCharacter(ctx, s.ClientID.Mac, msg.CharacterName); err != nil {
			s.deps.Logger.Warnw("set character failed", "session", s.ID, "error", err)
			return
		}
		newCharacter = msg.CharacterName
	} else {
		var err error
		newCharacter, err = s.deps.Directory.CycleCharacter(ctx, s.ClientID.Mac)
		if err != nil {
			s.deps.Logger.Warnw("cycle character failed", "session", s.ID, "error", err)
			return
		}
	}

	s.mu.Lock()
	s.character = newCharacter
	s.mu.Unlock()

	if bridge := s.currentBridge(); bridge != nil {
		bridge.ResetDownlink()
		if err := bridge.SendDataMessage(map[string]any{
			"type":       "character_changed",
			"character":  newCharacter,
			"session_id": s.ID,
		}); err != nil {
			s.deps.Logger.Warnw("character change notify failed", "session", s.ID, "error", err)
		}
	}

	update := internal_controlbus.ModeUpdate{
		Type:          internal_controlbus.TypeModeUpdate,
		Mode:          s.Mode(),
		ListeningMode: s.listeningMode,
		Character:     newCharacter,
		SessionID:     s.ID,
		UDP:           s.UDPInfo(),
		AudioParams:   internal_controlbus.DefaultDeviceAudioParams(),
	}
	if err := s.deps.Bus.PublishToDevice(s.FullClientID, update); err != nil {
		s.deps.Logger.Warnw("character update publish failed", "session", s.ID, "error", err)
	}
	s.deps.Logger.Infow("character changed", "session", s.ID, "character", newCharacter)
}

func (s *Session) onSetListeningMode(payload []byte) {
	var msg struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Mode == "" {
		s.deps.Logger.Debugw("malformed set_listening_mode message", "session", s.ID)
		return
	}
	s.mu.Lock()
	s.listeningMode = msg.Mode
	s.mu.Unlock()

	if bridge := s.currentBridge(); bridge != nil {
		if err := bridge.SendDataMessage(map[string]any{
			"type": "listening_mode_changed",
			"mode": msg.Mode,
		}); err != nil {
			s.deps.Logger.Warnw("listening mode notify failed", "session", s.ID, "error", err)
		}
	}
}

// onPlaybackControl drives the music/story bot. Track changes are wrapped
// in tts start/stop so the device shows activity while the bot switches.
func (s *Session) onPlaybackControl(payload []byte) {
	var msg internal_controlbus.PlaybackControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.deps.Logger.Debugw("malformed playback_control message", "session", s.ID, "error", err)
		return
	}

	switch msg.Action {
	case "start_agent":
		s.onStartAgent()
	case "next", "previous", "stop", "pause", "resume":
		s.botControl(msg.Action)
	default:
		s.deps.Logger.Debugw("ignoring playback action", "session", s.ID, "action", msg.Action)
	}
}

// onStartAgent is mode dependent: bot rooms get a bot start, conversation
// rooms get a (re)dispatched agent.
func (s *Session) onStartAgent() {
	mode := s.Mode()
	if mode != internal_directory.ModeConversation {
		bridge := s.currentBridge()
		if bridge == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.deps.Media.Control(ctx, mode, bridge.RoomName(), "start"); err != nil {
			s.deps.Logger.Warnw("bot start failed", "session", s.ID, "error", err)
		}
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	s.dispatchAgent(ctx)
	cancel()
}

func (s *Session) botControl(action string) {
	mode := s.Mode()
	if mode == internal_directory.ModeConversation {
		s.deps.Logger.Debugw("playback control outside bot mode", "session", s.ID, "action", action)
		return
	}
	bridge := s.currentBridge()
	if bridge == nil {
		return
	}

	stop := internal_controlbus.TTSMessage{Type: internal_controlbus.TypeTTS, State: "stop", SessionID: s.ID}
	if err := s.deps.Bus.PublishToDevice(s.FullClientID, stop); err != nil {
		s.deps.Logger.Debugw("tts stop publish failed", "session", s.ID, "error", err)
	}
	bridge.ResetDownlink()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := s.deps.Media.Control(ctx, mode, bridge.RoomName(), action)
	cancel()
	if err != nil {
		s.deps.Logger.Warnw("bot control failed", "session", s.ID, "action", action, "error", err)
		return
	}

	start := internal_controlbus.TTSMessage{
		Type:      internal_controlbus.TypeTTS,
		State:     "start",
		Text:      skipText(action),
		SessionID: s.ID,
	}
	if err := s.deps.Bus.PublishToDevice(s.FullClientID, start); err != nil {
		s.deps.Logger.Debugw("tts start publish failed", "session", s.ID, "error", err)
	}
}

func skipText(action string) string {
	switch action {
	case "next":
		return "Skipping to the next one"
	case "previous":
		return "Going back to the previous one"
	case "resume":
		return "Resuming"
	default:
		return ""
	}
}

// onFunctionCall executes an agent- or app-requested device function. The
// MCP round-trip blocks, so it runs off the event loop.
func (s *Session) onFunctionCall(payload []byte) {
	var msg internal_controlbus.FunctionCallMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.deps.Logger.Debugw("malformed function_call message", "session", s.ID, "error", err)
		return
	}
	if msg.FunctionCall.Name == "" {
		return
	}
	go s.executeFunction(msg.FunctionCall.Name, msg.FunctionCall.Arguments)
}

func (s *Session) executeFunction(name string, args map[string]any) {
	result, err := s.mcp.Execute(name, args)
	if err != nil {
		s.deps.Logger.Warnw("function call failed", "session", s.ID, "function", name, "error", err)
	}
	if bridge := s.currentBridge(); bridge != nil {
		reply := map[string]any{
			"type":       "function_result",
			"session_id": s.ID,
			"name":       name,
			"result":     result,
		}
		if err != nil {
			reply["error"] = err.Error()
		}
		if sendErr := bridge.SendDataMessage(reply); sendErr != nil {
			s.deps.Logger.Debugw("function result send failed", "session", s.ID, "error", sendErr)
		}
	}
}

func (s *Session) onMcpResponse(payload []byte) {
	var msg internal_controlbus.McpMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.deps.Logger.Debugw("malformed mcp message", "session", s.ID, "error", err)
		return
	}
	s.mcp.HandleResponse(msg.Payload)
}

// onStartGreeting forwards the device's greeting readiness to the agent
// and acknowledges to the device.
func (s *Session) onStartGreeting() {
	bridge := s.currentBridge()
	if bridge == nil {
		return
	}
	if err := bridge.SendDataMessage(map[string]any{
		"type":       "start_greeting",
		"session_id": s.ID,
	}); err != nil {
		s.deps.Logger.Warnw("greeting forward failed", "session", s.ID, "error", err)
		return
	}
	s.publishToDevice(internal_controlbus.ReadyForGreetingMessage{
		Type:      internal_controlbus.TypeReadyForGreeting,
		SessionID: s.ID,
	})
}

// ============================================================
// Room data events
// ============================================================

func (s *Session) handleRoomEvent(ev internal_bridge.DataEvent) {
	switch ev.Kind {
	case internal_bridge.EventAgentStateChanged:
		s.onAgentState(ev.OldState, ev.NewState)
	case internal_bridge.EventTranscribed:
		if ev.Final && ev.Text != "" {
			s.publishToDevice(internal_controlbus.SttMessage{
				Type: internal_controlbus.TypeStt, Text: ev.Text, SessionID: s.ID,
			})
		}
	case internal_bridge.EventSpeechCreated:
		s.touch()
		if bridge := s.currentBridge(); bridge != nil {
			bridge.MarkAudioPlaying()
		}
		s.publishToDevice(internal_controlbus.TTSMessage{
			Type: internal_controlbus.TypeTTS, State: "sentence_start", Text: ev.Text, SessionID: s.ID,
		})
	case internal_bridge.EventLlmEmotion:
		s.publishToDevice(internal_controlbus.LlmMessage{
			Type: internal_controlbus.TypeLlm, Text: ev.Text, Emotion: ev.Emotion, SessionID: s.ID,
		})
	case internal_bridge.EventDeviceControl:
		s.onDeviceControl(ev.Action)
	case internal_bridge.EventFunctionCall:
		go s.executeFunction(ev.FunctionName, ev.FunctionArgs)
	case internal_bridge.EventMobileMusicRequest:
		s.onMobileMusicRequest(ev)
	case internal_bridge.EventPlaybackStopped:
		s.onPlaybackStopped()
	}
}

func (s *Session) onAgentState(oldState, newState string) {
	bridge := s.currentBridge()
	switch newState {
	case "speaking":
		s.publishToDevice(internal_controlbus.TTSMessage{
			Type: internal_controlbus.TypeTTS, State: "start", SessionID: s.ID,
		})
	case "listening", "idle":
		s.publishToDevice(internal_controlbus.TTSMessage{
			Type: internal_controlbus.TypeTTS, State: "stop", SessionID: s.ID,
		})
		if bridge != nil {
			bridge.ClearAudioPlaying()
		}
		// Speaking just finished; if the farewell prompt was playing,
		// the session can now close.
		if oldState == "speaking" || oldState == "" {
			s.closeIfEndPromptDone()
		}
	case "thinking":
		s.publishToDevice(internal_controlbus.LlmMessage{
			Type: internal_controlbus.TypeLlm, State: "thinking", SessionID: s.ID,
		})
	}
}

func (s *Session) onDeviceControl(action string) {
	switch action {
	case "volume_up":
		go func() { s.mcp.Execute("self_volume_up", nil) }()
	case "volume_down":
		go func() { s.mcp.Execute("self_volume_down", nil) }()
	case "mute":
		go func() { s.mcp.Execute("self_mute", nil) }()
	case "unmute":
		go func() { s.mcp.Execute("self_unmute", nil) }()
	default:
		s.deps.Logger.Debugw("ignoring device control", "session", s.ID, "action", action)
	}
}

// onMobileMusicRequest turns a companion-app request into an agent-side
// function call on the data channel.
func (s *Session) onMobileMusicRequest(ev internal_bridge.DataEvent) {
	bridge := s.currentBridge()
	if bridge == nil {
		return
	}
	name := "play_music"
	if s.Mode() == internal_directory.ModeStory {
		name = "play_story"
	}
	msg := map[string]any{
		"type": "function_call",
		"function_call": map[string]any{
			"name":      name,
			"arguments": map[string]any{"song": ev.Song},
		},
		"session_id": s.ID,
	}
	if err := bridge.SendDataMessage(msg); err != nil {
		s.deps.Logger.Debugw("music request forward failed", "session", s.ID, "error", err)
	}
}

func (s *Session) onPlaybackStopped() {
	if bridge := s.currentBridge(); bridge != nil {
		bridge.ClearAudioPlaying()
		bridge.ResetDownlink()
	}
	s.publishToDevice(internal_controlbus.TTSMessage{
		Type: internal_controlbus.TypeTTS, State: "stop", SessionID: s.ID,
	})
	s.closeIfEndPromptDone()
}

// closeIfEndPromptDone finishes the ending handshake: once the goodbye
// speech has played out, the session closes for real.
func (s *Session) closeIfEndPromptDone() {
	s.mu.Lock()
	ending := s.state == StateEnding && !s.endPromptAt.IsZero()
	s.mu.Unlock()
	if ending {
		s.Close(ReasonEndPrompt)
	}
}

func (s *Session) publishToDevice(v any) {
	if err := s.deps.Bus.PublishToDevice(s.FullClientID, v); err != nil {
		s.deps.Logger.Debugw("device publish failed", "session", s.ID, "error", err)
	}
}
