// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_gateway

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/toy-gateway/config"
	internal_codec "github.com/rapidaai/toy-gateway/internal/codec"
	internal_controlbus "github.com/rapidaai/toy-gateway/internal/controlbus"
	internal_crypto "github.com/rapidaai/toy-gateway/internal/crypto"
	internal_directory "github.com/rapidaai/toy-gateway/internal/directory"
	internal_identity "github.com/rapidaai/toy-gateway/internal/identity"
	internal_mediaapi "github.com/rapidaai/toy-gateway/internal/mediaapi"
	internal_session "github.com/rapidaai/toy-gateway/internal/session"
	internal_transport "github.com/rapidaai/toy-gateway/internal/transport"
	"github.com/rapidaai/toy-gateway/pkg/commons"
)

const (
	keepAliveInterval = 15 * time.Second

	// Closed sessions linger in the index briefly so in-flight datagrams
	// resolve instead of logging as unknown connections.
	registryRemovalLag = 2 * time.Second

	connIDRetries = 8
)

// Stats is a point-in-time gateway census.
type Stats struct {
	Sessions    int
	PoolWorkers int
	CipherEnc   int
	CipherDec   int
}

// Gateway is the process root: one UDP socket, one broker connection, one
// codec pool and a registry of live device sessions indexed both by
// connection id (datagram path) and by MAC (control path).
type Gateway struct {
	logger commons.Logger
	cfg    *config.GatewayConfig

	transport *internal_transport.DatagramTransport
	bus       *internal_controlbus.ControlBus
	cipher    *internal_crypto.StreamCipher
	pool      *internal_codec.Pool
	directory *internal_directory.DeviceDirectory
	media     *internal_mediaapi.Client

	mu       sync.Mutex
	byConnID map[uint32]*internal_session.Session
	byMac    map[string]*internal_session.Session
}

// New assembles the gateway. Nothing listens until Run.
func New(logger commons.Logger, cfg *config.GatewayConfig) (*Gateway, error) {
	transport, err := internal_transport.NewDatagramTransport(logger, cfg.UDPPort)
	if err != nil {
		return nil, err
	}

	pool, err := internal_codec.NewPool(logger, internal_codec.OpusCodecFactory)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("starting codec pool: %w", err)
	}

	g := &Gateway{
		logger:    logger,
		cfg:       cfg,
		transport: transport,
		cipher:    internal_crypto.NewStreamCipher(),
		pool:      pool,
		directory: internal_directory.NewDeviceDirectory(logger, cfg.ManagerAPIURL, ""),
		media:     internal_mediaapi.NewClient(logger, cfg.MediaAPIBase, cfg.MediaAPIToken),
		byConnID:  make(map[uint32]*internal_session.Session),
		byMac:     make(map[string]*internal_session.Session),
	}
	g.bus = internal_controlbus.NewControlBus(logger, cfg.MQTTBroker, "toy-gateway", g.onControlMessage)
	g.transport.SetHandler(g.onDatagram)
	return g, nil
}

// Run connects the broker, then blocks on the UDP read loop and the
// keep-alive sweep until the context is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.bus.Connect(); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.transport.Run(ctx) })
	eg.Go(func() error {
		g.runKeepAlive(ctx)
		return nil
	})
	err := eg.Wait()
	g.shutdown()
	return err
}

func (g *Gateway) runKeepAlive(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range g.snapshotSessions() {
				s.CheckTimers(now)
			}
			stats := g.Stats()
			g.logger.Debugw("gateway stats",
				"sessions", stats.Sessions,
				"pool_workers", stats.PoolWorkers,
				"cipher_cached_enc", stats.CipherEnc,
				"cipher_cached_dec", stats.CipherDec)
			if g.pool.ShouldDowngrade() {
				g.logger.Warnw("codec pool under pressure, consider lowering bitrate or session cap")
			}
		}
	}
}

func (g *Gateway) snapshotSessions() []*internal_session.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*internal_session.Session, 0, len(g.byConnID))
	for _, s := range g.byConnID {
		out = append(out, s)
	}
	return out
}

// Stats reports live counters for the keep-alive log and tests.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	sessions := len(g.byConnID)
	g.mu.Unlock()
	enc, dec := g.cipher.CacheSizes()
	return Stats{
		Sessions:    sessions,
		PoolWorkers: g.pool.Size(),
		CipherEnc:   enc,
		CipherDec:   dec,
	}
}

// ============================================================
// Control path
// ============================================================

func (g *Gateway) onControlMessage(senderClientID string, payload []byte) {
	msgType, err := internal_controlbus.ParseType(payload)
	if err != nil {
		g.logger.Debugw("dropping unreadable control message", "sender", senderClientID, "error", err)
		return
	}

	clientID, err := internal_identity.ParseClientID(senderClientID)
	if err != nil {
		g.logger.Debugw("dropping message from invalid client id",
			"sender", senderClientID, "type", msgType, "error", err)
		return
	}

	if msgType == internal_controlbus.TypeHello {
		g.handleHello(senderClientID, clientID, payload)
		return
	}

	g.mu.Lock()
	session := g.byMac[clientID.Mac]
	g.mu.Unlock()
	if session == nil {
		g.logger.Debugw("control message without session", "mac", clientID.Mac, "type", msgType)
		return
	}
	session.HandleControl(msgType, payload)
}

// handleHello opens a session. An unsupported protocol version gets no
// reply at all so old firmware backs off instead of retry-looping on an
// error it cannot parse.
func (g *Gateway) handleHello(fullClientID string, clientID internal_identity.ClientID, payload []byte) {
	var hello internal_controlbus.HelloMessage
	if err := json.Unmarshal(payload, &hello); err != nil {
		g.logger.Debugw("malformed hello", "mac", clientID.Mac, "error", err)
		return
	}
	if hello.Version != internal_controlbus.ProtocolVersion {
		g.logger.Warnw("unsupported protocol version, ignoring hello",
			"mac", clientID.Mac, "version", hello.Version)
		return
	}

	// A device reconnecting replaces its old session outright.
	g.mu.Lock()
	prior := g.byMac[clientID.Mac]
	g.mu.Unlock()
	if prior != nil {
		g.logger.Infow("replacing existing session", "mac", clientID.Mac)
		prior.Close(internal_session.ReasonDeviceGoodbye)
	}

	key := make([]byte, 16)
	nonce := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		g.logger.Errorw("key generation failed", "error", err)
		return
	}
	if _, err := rand.Read(nonce); err != nil {
		g.logger.Errorw("nonce generation failed", "error", err)
		return
	}
	connID, err := g.allocateConnectionID()
	if err != nil {
		g.logger.Errorw("connection id allocation failed", "mac", clientID.Mac, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	mode := g.directory.GetMode(ctx, clientID.Mac)
	character := g.directory.GetCurrentCharacter(ctx, clientID.Mac)

	session := internal_session.NewSession(internal_session.Deps{
		Logger:    g.logger,
		Cfg:       g.cfg,
		Bus:       g.bus,
		Directory: g.directory,
		Media:     g.media,
		Cipher:    g.cipher,
		Pool:      g.pool,
		Transport: g.transport,
		OnClosed:  g.onSessionClosed,
	}, clientID, fullClientID, mode, character, connID, key, nonce)

	if err := session.Start(ctx); err != nil {
		g.logger.Errorw("session start failed", "mac", clientID.Mac, "error", err)
		errMsg := internal_controlbus.ErrorMessage{
			Type:    internal_controlbus.TypeError,
			Code:    "room_unavailable",
			Message: "could not join media room",
		}
		if pubErr := g.bus.PublishToDevice(fullClientID, errMsg); pubErr != nil {
			g.logger.Warnw("error reply publish failed", "mac", clientID.Mac, "error", pubErr)
		}
		return
	}

	g.mu.Lock()
	g.byConnID[connID] = session
	g.byMac[clientID.Mac] = session
	g.mu.Unlock()

	reply := internal_controlbus.HelloReply{
		Type:        internal_controlbus.TypeHello,
		Version:     internal_controlbus.ProtocolVersion,
		Mode:        mode,
		Character:   character,
		SessionID:   session.ID,
		Transport:   "udp",
		UDP:         session.UDPInfo(),
		AudioParams: internal_controlbus.DefaultDeviceAudioParams(),
	}
	if err := g.bus.PublishToDevice(fullClientID, reply); err != nil {
		g.logger.Errorw("hello reply publish failed", "mac", clientID.Mac, "error", err)
		session.Close(internal_session.ReasonServerShutdown)
		return
	}

	g.notifyApp(clientID.Mac, "connected")
	g.logger.Infow("session established",
		"mac", clientID.Mac, "session", session.ID, "mode", mode, "connection_id", connID)
}

// allocateConnectionID draws a random non-zero id, retrying on the rare
// collision with a live session.
func (g *Gateway) allocateConnectionID() (uint32, error) {
	buf := make([]byte, 4)
	for range connIDRetries {
		if _, err := rand.Read(buf); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint32(buf)
		if id == 0 {
			continue
		}
		g.mu.Lock()
		_, taken := g.byConnID[id]
		g.mu.Unlock()
		if !taken {
			return id, nil
		}
	}
	return 0, fmt.Errorf("no free connection id after %d attempts", connIDRetries)
}

func (g *Gateway) onSessionClosed(s *internal_session.Session) {
	g.notifyApp(s.Mac(), "not_connected")
	time.AfterFunc(registryRemovalLag, func() {
		g.mu.Lock()
		if g.byConnID[s.ConnectionID()] == s {
			delete(g.byConnID, s.ConnectionID())
		}
		if g.byMac[s.Mac()] == s {
			delete(g.byMac, s.Mac())
		}
		g.mu.Unlock()
	})
}

func (g *Gateway) notifyApp(mac, status string) {
	msg := internal_controlbus.DeviceStatusMessage{
		Type:      internal_controlbus.TypeDeviceStatus,
		Status:    status,
		DeviceID:  mac,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := g.bus.PublishToApp(mac, msg); err != nil {
		g.logger.Debugw("device status publish failed", "mac", mac, "error", err)
	}
}

// ============================================================
// Datagram path
// ============================================================

func (g *Gateway) onDatagram(addr *net.UDPAddr, header internal_transport.Header, ciphertext []byte) {
	g.mu.Lock()
	session := g.byConnID[header.ConnectionID]
	g.mu.Unlock()
	if session == nil {
		return
	}
	session.HandleDatagram(addr, header, ciphertext)
}

// ============================================================
// Shutdown
// ============================================================

func (g *Gateway) shutdown() {
	g.logger.Infow("gateway shutting down")

	var eg errgroup.Group
	for _, s := range g.snapshotSessions() {
		s := s
		eg.Go(func() error {
			s.Close(internal_session.ReasonServerShutdown)
			return nil
		})
	}
	eg.Wait()

	g.pool.Shutdown()
	g.transport.Close()
	g.bus.Disconnect()
	g.cipher.ClearCache()
	g.logger.Infow("gateway stopped")
}
