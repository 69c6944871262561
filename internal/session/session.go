// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rapidaai/toy-gateway/config"
	internal_bridge "github.com/rapidaai/toy-gateway/internal/bridge"
	internal_codec "github.com/rapidaai/toy-gateway/internal/codec"
	internal_controlbus "github.com/rapidaai/toy-gateway/internal/controlbus"
	internal_crypto "github.com/rapidaai/toy-gateway/internal/crypto"
	internal_directory "github.com/rapidaai/toy-gateway/internal/directory"
	internal_identity "github.com/rapidaai/toy-gateway/internal/identity"
	internal_mcp "github.com/rapidaai/toy-gateway/internal/mcp"
	internal_mediaapi "github.com/rapidaai/toy-gateway/internal/mediaapi"
	internal_transport "github.com/rapidaai/toy-gateway/internal/transport"
	"github.com/rapidaai/toy-gateway/pkg/commons"
)

// State is the session lifecycle position.
type State int

const (
	StateIdle State = iota
	StateHandshaking
	StateConnected
	StateEnding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Goodbye reasons sent to the device.
const (
	ReasonInactivity     = "inactivity_timeout"
	ReasonEndPrompt      = "end_prompt_timeout"
	ReasonModeChange     = "mode_change"
	ReasonCharacter      = "character_change"
	ReasonMaxDuration    = "session_max_duration"
	ReasonDeviceGoodbye  = "device_goodbye"
	ReasonServerShutdown = "server_shutdown"
)

// Timer defaults. Overridable per session for tests.
const (
	defaultInactivityTimeout = 2 * time.Minute
	defaultEndingWatchdog    = 30 * time.Second
	// A stuck audio-playing flag blocks the inactivity path; after this
	// long with no state change the flags are force-cleared.
	defaultAudioStuckAfter     = 90 * time.Second
	defaultMaxSessionDuration  = 60 * time.Minute
	defaultAgentJoinDeadline   = 6 * time.Second
	maxQueuedInboxEvents       = 64
	maxQueuedAudioFrames       = 16
	pingPrefix                 = "ping:"
	defaultDispatchedAgentName = "toy-agent"
)

// Deps are the shared services every session borrows from the gateway.
type Deps struct {
	Logger    commons.Logger
	Cfg       *config.GatewayConfig
	Bus       *internal_controlbus.ControlBus
	Directory *internal_directory.DeviceDirectory
	Media     *internal_mediaapi.Client
	Cipher    *internal_crypto.StreamCipher
	Pool      *internal_codec.Pool
	Transport *internal_transport.DatagramTransport

	// OnClosed fires once after Close finishes; the gateway delays the
	// registry removal briefly so straggler datagrams still resolve.
	OnClosed func(s *Session)
}

type inboxEvent struct {
	kind    string // "control" | "room" | "timer"
	msgType string
	payload []byte
	room    internal_bridge.DataEvent
	timer   string
}

// Session binds one device connection to one room: identity, cipher
// material, sequence state, the media bridge and all lifecycle timers.
// A dedicated goroutine consumes the inbox so handlers never race.
type Session struct {
	deps Deps

	ID           string
	ClientID     internal_identity.ClientID
	FullClientID string

	mode          string
	character     string
	listeningMode string

	connID uint32
	key    []byte
	nonce  []byte

	mu           sync.Mutex
	state        State
	addr         *net.UDPAddr
	bridge       *internal_bridge.MediaBridge
	mcp          *internal_mcp.Coordinator
	lastActivity time.Time
	endPromptAt  time.Time
	createdAt    time.Time
	closing      bool

	seqMu        sync.Mutex
	seqOut       uint32
	seqInHighest uint32

	inbox   chan inboxEvent
	audioIn chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	// timer knobs, fixed at construction
	inactivityTimeout  time.Duration
	endingWatchdog     time.Duration
	audioStuckAfter    time.Duration
	maxSessionDuration time.Duration
	agentJoinDeadline  time.Duration
}

// NewSession wires a session around freshly generated cipher material. The
// caller (gateway) has already validated the hello and allocated connID.
func NewSession(deps Deps, clientID internal_identity.ClientID, fullClientID, mode, character string, connID uint32, key, nonce []byte) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:               deps,
		ID:                 uuid.NewString(),
		ClientID:           clientID,
		FullClientID:       fullClientID,
		mode:               mode,
		character:          character,
		connID:             connID,
		key:                key,
		nonce:              nonce,
		state:              StateHandshaking,
		lastActivity:       time.Now(),
		createdAt:          time.Now(),
		inbox:              make(chan inboxEvent, maxQueuedInboxEvents),
		audioIn:            make(chan []byte, maxQueuedAudioFrames),
		ctx:                ctx,
		cancel:             cancel,
		inactivityTimeout:  defaultInactivityTimeout,
		endingWatchdog:     defaultEndingWatchdog,
		audioStuckAfter:    defaultAudioStuckAfter,
		maxSessionDuration: defaultMaxSessionDuration,
		agentJoinDeadline:  defaultAgentJoinDeadline,
	}
	s.mcp = internal_mcp.NewCoordinator(deps.Logger, s.ID, func(v any) error {
		return deps.Bus.PublishToDevice(fullClientID, v)
	})
	go s.runAudioDecode()
	return s
}

func (s *Session) ConnectionID() uint32 { return s.connID }
func (s *Session) Mac() string          { return s.ClientID.Mac }
func (s *Session) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UDPInfo renders the endpoint material for hello replies and mode
// updates. Cookie mirrors ConnectionID for older firmware.
func (s *Session) UDPInfo() internal_controlbus.UDPInfo {
	s.mu.Lock()
	key, nonce := s.key, s.nonce
	s.mu.Unlock()
	return internal_controlbus.UDPInfo{
		Server:       s.deps.Cfg.PublicIP,
		Port:         s.deps.Cfg.UDPPort,
		Encryption:   string(internal_crypto.AES128CTR),
		Key:          hex.EncodeToString(key),
		Nonce:        hex.EncodeToString(nonce),
		ConnectionID: s.connID,
		Cookie:       s.connID,
	}
}

// Start creates and joins the room, then brings up whatever the mode
// needs: a dispatched agent for conversation, a bot for music and story.
// The session goroutine starts here.
func (s *Session) Start(ctx context.Context) error {
	roomName := internal_identity.RoomName(s.ClientID.UID, s.ClientID.Mac, s.mode)
	bridge := internal_bridge.NewMediaBridge(
		s.deps.Logger,
		s.deps.Cfg.LiveKit,
		roomName,
		internal_bridge.Identity{Mac: s.ClientID.Mac, UID: s.ClientID.UID, RoomType: s.mode},
		s.deps.Pool,
		s.sendAudioFrame,
		s.postRoomEvent,
	)
	if err := bridge.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.bridge = bridge
	s.state = StateConnected
	s.lastActivity = time.Now()
	s.mu.Unlock()

	go s.run()
	go s.startModeBackend(roomName)
	return nil
}

// startModeBackend is asynchronous: a slow bot spawn or agent dispatch
// must not hold up the hello reply.
func (s *Session) startModeBackend(roomName string) {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	switch s.Mode() {
	case internal_directory.ModeMusic:
		playlist := s.deps.Directory.GetPlaylist(ctx, s.ClientID.Mac, internal_directory.ModeMusic)
		if err := s.deps.Media.StartMusicBot(ctx, roomName, s.ClientID.Mac, "", playlist); err != nil {
			s.deps.Logger.Warnw("music bot start failed", "session", s.ID, "error", err)
		}
	case internal_directory.ModeStory:
		playlist := s.deps.Directory.GetPlaylist(ctx, s.ClientID.Mac, internal_directory.ModeStory)
		if err := s.deps.Media.StartStoryBot(ctx, roomName, s.ClientID.Mac, "", playlist); err != nil {
			s.deps.Logger.Warnw("story bot start failed", "session", s.ID, "error", err)
		}
	default:
		s.dispatchAgent(ctx)
	}
}

func (s *Session) dispatchAgent(ctx context.Context) {
	bridge := s.currentBridge()
	if bridge == nil {
		return
	}
	err := bridge.DispatchAgent(ctx, defaultDispatchedAgentName, map[string]string{
		"mac":       s.ClientID.Mac,
		"session":   s.ID,
		"character": s.character,
	})
	if err != nil {
		s.deps.Logger.Warnw("agent dispatch failed", "session", s.ID, "error", err)
		return
	}
	if err := bridge.WaitForAgentJoin(ctx, s.agentJoinDeadline); err != nil {
		s.deps.Logger.Warnw("agent join deadline missed", "session", s.ID, "error", err)
		return
	}
	s.greetWhenAudioReady(ctx, bridge)
}

// greetWhenAudioReady holds the agent's opening line until the device's
// datagram path is confirmed live, so the greeting is never spoken into
// a void.
func (s *Session) greetWhenAudioReady(ctx context.Context, bridge *internal_bridge.MediaBridge) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for !s.HasAddr() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	if err := bridge.SendDataMessage(map[string]any{
		"type":       "start_greeting",
		"session_id": s.ID,
	}); err != nil {
		s.deps.Logger.Warnw("greeting trigger failed", "session", s.ID, "error", err)
	}
}

func (s *Session) currentBridge() *internal_bridge.MediaBridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// ============================================================
// Inbox
// ============================================================

// run is the session's single event loop. Everything that mutates
// lifecycle state funnels through here.
func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.inbox:
			switch ev.kind {
			case "control":
				s.handleControl(ev.msgType, ev.payload)
			case "room":
				s.handleRoomEvent(ev.room)
			case "timer":
				s.handleTimer(ev.timer)
			}
		}
	}
}

func (s *Session) post(ev inboxEvent) {
	select {
	case s.inbox <- ev:
	default:
		s.deps.Logger.Warnw("session inbox full, dropping event",
			"session", s.ID, "kind", ev.kind, "type", ev.msgType)
	}
}

// HandleControl enqueues a control-channel message for the event loop.
func (s *Session) HandleControl(msgType string, payload []byte) {
	s.touch()
	s.post(inboxEvent{kind: "control", msgType: msgType, payload: payload})
}

func (s *Session) postRoomEvent(ev internal_bridge.DataEvent) {
	s.post(inboxEvent{kind: "room", room: ev})
}

func (s *Session) postTimer(name string) {
	s.post(inboxEvent{kind: "timer", timer: name})
}

// ============================================================
// Datagram path (hot, bypasses the inbox)
// ============================================================

// AcceptSequence enforces monotonic inbound ordering: anything at or
// below the highest seen sequence is a replay or reorder and is dropped.
func (s *Session) AcceptSequence(seq uint32) bool {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if seq <= s.seqInHighest {
		return false
	}
	s.seqInHighest = seq
	return true
}

func (s *Session) nextSequence() uint32 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seqOut++
	return s.seqOut
}

// HandleDatagram processes one inbound packet already matched to this
// session by connection id: sequence gate, decrypt, then either the ping
// liveness path or the audio decode path.
func (s *Session) HandleDatagram(addr *net.UDPAddr, header internal_transport.Header, ciphertext []byte) {
	if !s.AcceptSequence(header.Sequence) {
		return
	}

	s.mu.Lock()
	key := s.key
	s.mu.Unlock()

	iv := header.Marshal()
	plaintext, err := s.deps.Cipher.Decrypt(ciphertext, internal_crypto.AES128CTR, key, iv)
	if err != nil {
		s.deps.Logger.Debugw("datagram decrypt failed", "session", s.ID, "error", err)
		return
	}

	s.updateAddr(addr)
	s.touch()

	if bytes.HasPrefix(plaintext, []byte(pingPrefix)) {
		return
	}

	// Decode runs on the session's own goroutine so one slow codec call
	// stalls only this session's queue, never the shared UDP read loop.
	select {
	case s.audioIn <- plaintext:
	default:
		s.deps.Logger.Debugw("audio queue full, dropping frame", "session", s.ID)
	}
}

func (s *Session) runAudioDecode() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.audioIn:
			pcm, err := s.deps.Pool.Decode(s.ctx, payload)
			if err != nil {
				// Some firmware builds send raw PCM instead of opus; forward
				// the payload as-is rather than dropping the frame.
				s.deps.Logger.Debugw("device audio decode failed, forwarding raw",
					"session", s.ID, "error", err)
				pcm = payload
			}
			if bridge := s.currentBridge(); bridge != nil {
				bridge.PushDeviceAudio(pcm)
			}
		}
	}
}

// sendAudioFrame is the bridge's downlink sink: encrypt one encoded frame
// under a fresh header/IV and ship it to the device's last-seen address.
func (s *Session) sendAudioFrame(opusFrame []byte, timestamp uint32) {
	s.mu.Lock()
	addr := s.addr
	key := s.key
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed || addr == nil {
		return
	}

	header := internal_transport.Header{
		Type:         internal_transport.DatagramType,
		PayloadLen:   uint16(len(opusFrame)),
		ConnectionID: s.connID,
		Timestamp:    timestamp,
		Sequence:     s.nextSequence(),
	}
	iv := header.Marshal()
	ciphertext, err := s.deps.Cipher.Encrypt(opusFrame, internal_crypto.AES128CTR, key, iv)
	if err != nil {
		s.deps.Logger.Warnw("datagram encrypt failed", "session", s.ID, "error", err)
		return
	}

	packet := make([]byte, 0, len(iv)+len(ciphertext))
	packet = append(packet, iv...)
	packet = append(packet, ciphertext...)
	if err := s.deps.Transport.Send(addr, packet); err != nil {
		s.deps.Logger.Debugw("datagram send failed", "session", s.ID, "error", err)
	}
}

func (s *Session) updateAddr(addr *net.UDPAddr) {
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity is read by the gateway's keep-alive sweep.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// HasAddr reports whether any datagram has arrived yet.
func (s *Session) HasAddr() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr != nil
}

// ============================================================
// Timers
// ============================================================

// CheckTimers runs on the gateway's keep-alive tick and posts whichever
// deadline fired into the event loop.
func (s *Session) CheckTimers(now time.Time) {
	s.mu.Lock()
	state := s.state
	last := s.lastActivity
	endAt := s.endPromptAt
	created := s.createdAt
	bridge := s.bridge
	s.mu.Unlock()

	if state == StateClosed {
		return
	}

	if now.Sub(created) >= s.maxSessionDuration {
		s.postTimer("max_duration")
		return
	}

	if bridge != nil && bridge.AudioPlaying() {
		if since := bridge.AudioPlayingSince(); !since.IsZero() && now.Sub(since) >= s.audioStuckAfter {
			s.postTimer("audio_stuck")
		}
		// Active playback defers the inactivity clock.
		return
	}

	if state == StateEnding {
		if !endAt.IsZero() && now.Sub(endAt) >= s.endingWatchdog {
			s.postTimer("ending_watchdog")
		}
		return
	}

	if now.Sub(last) >= s.inactivityTimeout {
		s.postTimer("inactivity")
	}
}

func (s *Session) handleTimer(name string) {
	switch name {
	case "inactivity":
		s.beginEnding()
	case "ending_watchdog":
		s.deps.Logger.Infow("end prompt unanswered, closing", "session", s.ID)
		s.Close(ReasonInactivity)
	case "audio_stuck":
		s.deps.Logger.Warnw("audio playing flag stuck, clearing", "session", s.ID)
		if bridge := s.currentBridge(); bridge != nil {
			bridge.ClearAudioPlaying()
		}
		s.touch()
	case "max_duration":
		s.Close(ReasonMaxDuration)
	}
}

// beginEnding moves to Ending and asks the agent to say goodbye. If no
// audio follows, the watchdog closes the session.
func (s *Session) beginEnding() {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateEnding
	s.endPromptAt = time.Now()
	bridge := s.bridge
	s.mu.Unlock()

	s.deps.Logger.Infow("session inactive, prompting goodbye", "session", s.ID)
	if bridge != nil {
		if err := bridge.SendDataMessage(map[string]any{"type": "end_prompt", "session_id": s.ID}); err != nil {
			s.deps.Logger.Warnw("end prompt send failed", "session", s.ID, "error", err)
		}
	}
}

// ============================================================
// Shutdown
// ============================================================

// Close tears the session down exactly once: goodbye to the device, MCP
// waiters released, room closed and deleted, registry notified.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.state = StateClosed
	bridge := s.bridge
	s.bridge = nil
	s.mu.Unlock()

	s.deps.Logger.Infow("closing session", "session", s.ID, "mac", s.ClientID.Mac, "reason", reason)

	goodbye := internal_controlbus.GoodbyeMessage{
		Type:      internal_controlbus.TypeGoodbye,
		SessionID: s.ID,
		Reason:    reason,
	}
	if err := s.deps.Bus.PublishToDevice(s.FullClientID, goodbye); err != nil {
		s.deps.Logger.Warnw("goodbye publish failed", "session", s.ID, "error", err)
	}

	s.mcp.CancelAll()
	s.cancel()

	if bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if s.Mode() != internal_directory.ModeConversation {
			if err := s.deps.Media.StopBot(ctx, bridge.RoomName()); err != nil {
				s.deps.Logger.Debugw("bot stop on close failed", "session", s.ID, "error", err)
			}
		}
		bridge.Close(ctx)
		cancel()
	}

	if s.deps.OnClosed != nil {
		s.deps.OnClosed(s)
	}
}
