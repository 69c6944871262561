// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_gateway

import (
	"net"
	"testing"

	"github.com/rapidaai/toy-gateway/config"
	internal_codec "github.com/rapidaai/toy-gateway/internal/codec"
	internal_crypto "github.com/rapidaai/toy-gateway/internal/crypto"
	internal_session "github.com/rapidaai/toy-gateway/internal/session"
	internal_transport "github.com/rapidaai/toy-gateway/internal/transport"
	"github.com/rapidaai/toy-gateway/pkg/commons"
)

type passthroughEncoder struct{}

func (passthroughEncoder) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = byte(s)
	}
	return out, nil
}

type passthroughDecoder struct{}

func (passthroughDecoder) Decode(packet []byte) ([]int16, error) {
	out := make([]int16, len(packet))
	for i, b := range packet {
		out[i] = int16(b)
	}
	return out, nil
}

func passthroughFactory() (internal_codec.FrameEncoder, internal_codec.FrameDecoder, error) {
	return passthroughEncoder{}, passthroughDecoder{}, nil
}

func testGateway(t *testing.T) *Gateway {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.Name("gateway-test"), commons.Level("error"))
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	pool, err := internal_codec.NewPool(logger, passthroughFactory)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Shutdown)

	return &Gateway{
		logger:   logger,
		cfg:      &config.GatewayConfig{},
		cipher:   internal_crypto.NewStreamCipher(),
		pool:     pool,
		byConnID: make(map[uint32]*internal_session.Session),
		byMac:    make(map[string]*internal_session.Session),
	}
}

func TestAllocateConnectionIDNeverZeroOrTaken(t *testing.T) {
	g := testGateway(t)

	for i := 0; i < 200; i++ {
		id, err := g.allocateConnectionID()
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		if id == 0 {
			t.Fatal("allocated connection id 0")
		}
		if _, taken := g.byConnID[id]; taken {
			t.Fatalf("allocated already-taken connection id %d", id)
		}
		g.byConnID[id] = &internal_session.Session{}
	}
}

func TestStatsCountsSessions(t *testing.T) {
	g := testGateway(t)

	stats := g.Stats()
	if stats.Sessions != 0 {
		t.Errorf("fresh gateway sessions = %d, want 0", stats.Sessions)
	}
	if stats.PoolWorkers != internal_codec.MinWorkers {
		t.Errorf("pool workers = %d, want %d", stats.PoolWorkers, internal_codec.MinWorkers)
	}

	g.byConnID[1] = &internal_session.Session{}
	g.byConnID[2] = &internal_session.Session{}
	if got := g.Stats().Sessions; got != 2 {
		t.Errorf("sessions = %d, want 2", got)
	}
}

func TestDatagramForUnknownConnectionIsDropped(t *testing.T) {
	g := testGateway(t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

	// Must not panic or register anything.
	g.onDatagram(addr, internal_transport.Header{ConnectionID: 99}, []byte{1, 2, 3})

	if got := g.Stats().Sessions; got != 0 {
		t.Errorf("sessions = %d, want 0", got)
	}
}
