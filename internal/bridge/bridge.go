// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lkauth "github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	pionwebrtc "github.com/pion/webrtc/v4"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/rapidaai/toy-gateway/config"
	internal_audio "github.com/rapidaai/toy-gateway/internal/audio"
	internal_assembler "github.com/rapidaai/toy-gateway/internal/audio/assembler"
	internal_audio_resampler "github.com/rapidaai/toy-gateway/internal/audio/resampler"
	internal_codec "github.com/rapidaai/toy-gateway/internal/codec"
	"github.com/rapidaai/toy-gateway/pkg/commons"
)

const (
	roomEmptyTimeout = 60 // seconds

	tokenValidity = 24 * time.Hour

	agentJoinPoll = 500 * time.Millisecond

	// Remote opus frames can legally span up to 120ms at 48kHz.
	maxRemoteFrameSamples = 5760
)

// FrameSink receives each encoded device-bound frame together with the
// session-relative timestamp for the datagram header.
type FrameSink func(opusFrame []byte, timestamp uint32)

// EventSink receives decoded data-channel events.
type EventSink func(ev DataEvent)

// Identity pins the bridge participant to one device session.
type Identity struct {
	Mac      string
	UID      string
	RoomType string
}

// MediaBridge is the session's room leg: it owns the LiveKit room, the
// published device-microphone track and the downlink pipeline that turns
// remote 48k audio into encrypted-ready 24k opus frames.
type MediaBridge struct {
	logger   commons.Logger
	cfg      config.LiveKitConfig
	roomName string
	identity Identity

	roomService *lksdk.RoomServiceClient
	dispatch    *lksdk.AgentDispatchClient
	pool        *internal_codec.Pool
	resampler   internal_audio_resampler.AudioResampler
	assembler   *internal_assembler.FrameAssembler

	onFrame FrameSink
	onEvent EventSink

	mu       sync.Mutex
	room     *lksdk.Room
	micTrack *lkmedia.PCMLocalTrack
	closed   bool

	agentMu     sync.Mutex
	agentJoined chan struct{}
	agentSeen   bool

	audioPlaying      atomic.Bool
	audioPlayingSince atomic.Int64 // unix millis, 0 when idle
}

// NewMediaBridge builds the bridge and its service clients; no network
// traffic happens until Connect.
func NewMediaBridge(
	logger commons.Logger,
	cfg config.LiveKitConfig,
	roomName string,
	identity Identity,
	pool *internal_codec.Pool,
	onFrame FrameSink,
	onEvent EventSink,
) *MediaBridge {
	resampler, _ := internal_audio_resampler.GetResampler(logger)
	return &MediaBridge{
		logger:      logger,
		cfg:         cfg,
		roomName:    roomName,
		identity:    identity,
		roomService: lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		dispatch:    lksdk.NewAgentDispatchServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		pool:        pool,
		resampler:   resampler,
		assembler:   internal_assembler.NewFrameAssembler(time.Now()),
		onFrame:     onFrame,
		onEvent:     onEvent,
		agentJoined: make(chan struct{}),
	}
}

// RoomName reports the room this bridge is bound to.
func (b *MediaBridge) RoomName() string { return b.roomName }

func (b *MediaBridge) buildToken() (string, error) {
	at := lkauth.NewAccessToken(b.cfg.APIKey, b.cfg.APISecret)
	grant := &lkauth.VideoGrant{
		RoomJoin:   true,
		RoomCreate: true,
		Room:       b.roomName,
	}
	grant.SetCanPublish(true)
	grant.SetCanSubscribe(true)
	at.AddGrant(grant).
		SetIdentity("gateway_" + b.identity.Mac).
		SetAttributes(map[string]string{
			"mac":       b.identity.Mac,
			"uuid":      b.identity.UID,
			"room_type": b.identity.RoomType,
		}).
		SetValidFor(tokenValidity)
	return at.ToJWT()
}

// Connect ensures the room exists, joins it and publishes the device
// microphone track. Creating an already-existing room is a no-op server
// side, so reconnects reuse the same name safely.
func (b *MediaBridge) Connect(ctx context.Context) error {
	if _, err := b.roomService.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:         b.roomName,
		EmptyTimeout: roomEmptyTimeout,
	}); err != nil {
		return fmt.Errorf("creating room %s: %w", b.roomName, err)
	}

	token, err := b.buildToken()
	if err != nil {
		return fmt.Errorf("building room token: %w", err)
	}

	roomCallback := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: b.onTrackSubscribed,
			OnDataPacket:      b.onDataPacket,
		},
		OnParticipantConnected: b.onParticipantConnected,
		OnDisconnected: func() {
			b.logger.Infow("room disconnected", "room", b.roomName)
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(b.cfg.URL, token, roomCallback, lksdk.WithAutoSubscribe(true))
	if err != nil {
		return fmt.Errorf("connecting to room %s: %w", b.roomName, err)
	}

	track, err := lkmedia.NewPCMLocalTrack(internal_audio.DeviceInSampleRate, internal_audio.Channels, nil)
	if err != nil {
		room.Disconnect()
		return fmt.Errorf("creating microphone track: %w", err)
	}
	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name: "microphone",
	}); err != nil {
		room.Disconnect()
		return fmt.Errorf("publishing microphone track: %w", err)
	}

	b.mu.Lock()
	b.room = room
	b.micTrack = track
	b.mu.Unlock()

	b.logger.Infow("bridge connected", "room", b.roomName, "mac", b.identity.Mac)
	return nil
}

// ============================================================
// Uplink: device -> room
// ============================================================

// PushDeviceAudio forwards one decoded 16k mono PCM frame to the room.
// Frames arriving before the track is live, or after Close, are dropped.
func (b *MediaBridge) PushDeviceAudio(pcm []byte) {
	b.mu.Lock()
	track := b.micTrack
	closed := b.closed
	b.mu.Unlock()
	if closed || track == nil {
		return
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
	}
	if err := track.WriteSample(samples); err != nil {
		b.logger.Debugw("microphone write failed", "room", b.roomName, "error", err)
	}
}

// ============================================================
// Downlink: room -> device
// ============================================================

func (b *MediaBridge) onTrackSubscribed(track *pionwebrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != pionwebrtc.RTPCodecTypeAudio {
		return
	}
	b.logger.Infow("remote audio track subscribed",
		"room", b.roomName, "participant", rp.Identity(), "track", pub.SID())
	go b.readRemoteAudio(track, rp.Identity())
}

// readRemoteAudio drains one remote track: opus at 48k, resampled down to
// the device playback rate, sliced into exact frames and re-encoded by the
// worker pool. Each track gets its own decoder since opus decoders carry
// state.
func (b *MediaBridge) readRemoteAudio(track *pionwebrtc.TrackRemote, participant string) {
	decoder, err := opus.NewDecoder(internal_audio.RoomSampleRate, internal_audio.Channels)
	if err != nil {
		b.logger.Errorw("opus decoder init failed", "participant", participant, "error", err)
		return
	}

	pcmBuf := make([]int16, maxRemoteFrameSamples)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			b.logger.Debugw("remote track closed", "participant", participant, "error", err)
			return
		}
		if b.isClosed() {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n, err := decoder.Decode(pkt.Payload, pcmBuf)
		if err != nil {
			b.logger.Debugw("opus decode failed", "participant", participant, "error", err)
			continue
		}
		b.forwardToDevice(pcmBuf[:n])
	}
}

func (b *MediaBridge) forwardToDevice(samples []int16) {
	pcm48 := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm48[2*i] = byte(uint16(s))
		pcm48[2*i+1] = byte(uint16(s) >> 8)
	}

	pcm24, err := b.resampler.Resample(pcm48, internal_audio.ROOM_AUDIO_CONFIG, internal_audio.DEVICE_OUT_AUDIO_CONFIG)
	if err != nil {
		b.logger.Warnw("downlink resample failed", "room", b.roomName, "error", err)
		return
	}

	frames := b.assembler.Push(pcm24)
	if len(frames) > 0 && !b.audioPlaying.Load() {
		b.MarkAudioPlaying()
	}
	for _, frame := range frames {
		encoded, err := b.pool.Encode(context.Background(), frame)
		if err != nil {
			b.logger.Warnw("downlink encode failed", "room", b.roomName, "error", err)
			continue
		}
		b.onFrame(encoded, b.assembler.Timestamp())
	}
}

// ResetDownlink clears any buffered partial frame, used on mode change so
// stale audio never leaks into the next room.
func (b *MediaBridge) ResetDownlink() {
	b.assembler.Reset()
	b.ClearAudioPlaying()
}

// ============================================================
// Audio-playing state
// ============================================================

func (b *MediaBridge) MarkAudioPlaying() {
	if b.audioPlaying.CompareAndSwap(false, true) {
		b.audioPlayingSince.Store(time.Now().UnixMilli())
	}
}

func (b *MediaBridge) ClearAudioPlaying() {
	b.audioPlaying.Store(false)
	b.audioPlayingSince.Store(0)
}

func (b *MediaBridge) AudioPlaying() bool { return b.audioPlaying.Load() }

// AudioPlayingSince reports when playback started; zero time when idle.
func (b *MediaBridge) AudioPlayingSince() time.Time {
	ms := b.audioPlayingSince.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ============================================================
// Data channel
// ============================================================

func (b *MediaBridge) onDataPacket(packet lksdk.DataPacket, params lksdk.DataReceiveParams) {
	userPacket, ok := packet.(*lksdk.UserDataPacket)
	if !ok {
		return
	}
	ev, err := ParseDataEvent(userPacket.Payload)
	if err != nil {
		b.logger.Warnw("dropping malformed data packet",
			"room", b.roomName, "sender", params.SenderIdentity, "error", err)
		return
	}
	if ev.Kind == EventUnknown {
		b.logger.Debugw("ignoring unknown data event",
			"room", b.roomName, "payload", string(userPacket.Payload))
		return
	}
	b.onEvent(ev)
}

// SendDataMessage publishes a JSON message to the room, reliably ordered.
func (b *MediaBridge) SendDataMessage(v any) error {
	b.mu.Lock()
	room := b.room
	b.mu.Unlock()
	if room == nil {
		return fmt.Errorf("room not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding data message: %w", err)
	}
	return room.LocalParticipant.PublishDataPacket(
		&lksdk.UserDataPacket{Payload: payload},
		lksdk.WithDataPublishReliable(true),
	)
}

// ============================================================
// Agent lifecycle
// ============================================================

// DispatchAgent asks the server to spawn the named agent into this room.
func (b *MediaBridge) DispatchAgent(ctx context.Context, agentName string, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding dispatch metadata: %w", err)
	}
	if _, err := b.dispatch.CreateDispatch(ctx, &livekit.CreateAgentDispatchRequest{
		AgentName: agentName,
		Room:      b.roomName,
		Metadata:  string(meta),
	}); err != nil {
		return fmt.Errorf("dispatching agent %s: %w", agentName, err)
	}
	return nil
}

func (b *MediaBridge) onParticipantConnected(rp *lksdk.RemoteParticipant) {
	b.logger.Infow("participant joined", "room", b.roomName, "identity", rp.Identity())
	if rp.Kind() == lksdk.ParticipantAgent {
		b.markAgentJoined()
	}
}

func (b *MediaBridge) markAgentJoined() {
	b.agentMu.Lock()
	defer b.agentMu.Unlock()
	if !b.agentSeen {
		b.agentSeen = true
		close(b.agentJoined)
	}
}

// WaitForAgentJoin blocks until an agent participant is present or the
// deadline passes. It also polls the room listing, so an agent that joined
// before our callback was wired still counts.
func (b *MediaBridge) WaitForAgentJoin(ctx context.Context, timeout time.Duration) error {
	b.agentMu.Lock()
	ch := b.agentJoined
	seen := b.agentSeen
	b.agentMu.Unlock()
	if seen {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(agentJoinPoll)
	defer poll.Stop()

	for {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("agent did not join room %s within %s", b.roomName, timeout)
		case <-poll.C:
			if b.agentPresent(ctx) {
				b.markAgentJoined()
				return nil
			}
		}
	}
}

func (b *MediaBridge) agentPresent(ctx context.Context) bool {
	resp, err := b.roomService.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: b.roomName})
	if err != nil {
		return false
	}
	for _, p := range resp.Participants {
		if p.Kind == livekit.ParticipantInfo_AGENT {
			return true
		}
	}
	return false
}

// ResetAgentJoin re-arms the one-shot join signal, used when the agent is
// told to leave but the room stays alive.
func (b *MediaBridge) ResetAgentJoin() {
	b.agentMu.Lock()
	defer b.agentMu.Unlock()
	if b.agentSeen {
		b.agentSeen = false
		b.agentJoined = make(chan struct{})
	}
}

// AgentJoined reports whether an agent has been observed in the room.
func (b *MediaBridge) AgentJoined() bool {
	b.agentMu.Lock()
	defer b.agentMu.Unlock()
	return b.agentSeen
}

// ============================================================
// Shutdown
// ============================================================

func (b *MediaBridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close tells the room we are leaving, disconnects and deletes the room.
// Idempotent.
func (b *MediaBridge) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	room := b.room
	track := b.micTrack
	b.room = nil
	b.micTrack = nil
	b.mu.Unlock()

	if room != nil {
		cleanup := map[string]any{"type": "session_cleanup", "reason": "gateway_close"}
		if payload, err := json.Marshal(cleanup); err == nil {
			_ = room.LocalParticipant.PublishDataPacket(
				&lksdk.UserDataPacket{Payload: payload},
				lksdk.WithDataPublishReliable(true),
			)
		}
		if track != nil {
			track.Close()
		}
		room.Disconnect()
	}

	if _, err := b.roomService.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: b.roomName}); err != nil {
		b.logger.Warnw("room delete failed", "room", b.roomName, "error", err)
	}
	b.ClearAudioPlaying()
}
