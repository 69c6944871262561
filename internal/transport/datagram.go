// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rapidaai/toy-gateway/pkg/commons"
)

const maxDatagramSize = 4096

// PacketHandler receives every well-formed datagram. The handler runs on
// the read loop goroutine; expensive work must be handed off.
type PacketHandler func(addr *net.UDPAddr, header Header, ciphertext []byte)

// DatagramTransport owns the bound UDP socket. Framing and sequence policy
// live with the session; the transport only validates the wire shape and
// moves bytes.
type DatagramTransport struct {
	logger  commons.Logger
	conn    *net.UDPConn
	handler atomic.Pointer[PacketHandler]
	closed  atomic.Bool
}

// NewDatagramTransport binds the UDP listen port. A bind failure is fatal
// at startup.
func NewDatagramTransport(logger commons.Logger, port int) (*DatagramTransport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("binding udp port %d: %w", port, err)
	}
	logger.Infow("datagram transport listening", "port", port)
	return &DatagramTransport{logger: logger, conn: conn}, nil
}

// SetHandler installs the packet handler. Must be called before Run.
func (t *DatagramTransport) SetHandler(h PacketHandler) {
	t.handler.Store(&h)
}

// Run reads packets until the context is cancelled or the socket closes.
// Malformed packets are dropped silently per the wire contract.
func (t *DatagramTransport) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}

		header, ciphertext, err := ParseDatagram(buf[:n])
		if err != nil {
			continue
		}

		if h := t.handler.Load(); h != nil {
			packet := make([]byte, len(ciphertext))
			copy(packet, ciphertext)
			(*h)(addr, header, packet)
		}
	}
}

// Send transmits one pre-assembled datagram (header already marshalled and
// payload already encrypted) to the device.
func (t *DatagramTransport) Send(addr *net.UDPAddr, packet []byte) error {
	if t.closed.Load() {
		return net.ErrClosed
	}
	if _, err := t.conn.WriteToUDP(packet, addr); err != nil {
		return fmt.Errorf("udp send: %w", err)
	}
	return nil
}

// Close shuts the socket; Run returns after the in-flight read fails.
func (t *DatagramTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

// LocalPort reports the bound port (useful when configured as 0 in tests).
func (t *DatagramTransport) LocalPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}
