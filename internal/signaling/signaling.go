// Package signaling establishes WebRTC data-channel streams through a
// WebSocket signaling exchange. The host runs a Listener that accepts one
// signaling connection per client; clients dial it with a Dialer. All SDP/ICE
// details are internal; callers receive ready-to-use byte streams.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/btcomms/internal/protocol"
	"github.com/1ureka/btcomms/internal/transport"
	"github.com/1ureka/btcomms/internal/util"
)

// exchangeTimeout bounds one SDP/ICE exchange.
const exchangeTimeout = 30 * time.Second

// ErrClosed is returned by Accept after Close.
var ErrClosed = errors.New("signaling: listener closed")

type accepted struct {
	stream io.ReadWriteCloser
	dev    transport.Device
}

// Listener is the host side: every authenticated WebSocket client gets its
// own PeerConnection, and the opened DataChannel is handed to Accept.
type Listener struct {
	gate  *gate
	ready chan accepted

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Listen starts the signaling server on addr. Clients must present pin.
func Listen(addr, pin string) (*Listener, error) {
	g := newGate(pin)
	if err := g.open(addr); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		gate:   g,
		ready:  make(chan accepted, protocol.MaxPlayers-1),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.loop()
	return l, nil
}

// Port returns the port the signaling server listens on.
func (l *Listener) Port() int { return l.gate.port }

func (l *Listener) loop() {
	for {
		select {
		case wsConn := <-l.gate.connCh:
			go l.establish(wsConn)
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *Listener) establish(wsConn *websocket.Conn) {
	remote := wsConn.RemoteAddr().String()
	util.LogDebug("signaling client connected: %s", remote)

	ctx, cancel := context.WithTimeout(l.ctx, exchangeTimeout)
	defer cancel()

	stream, err := exchange(ctx, wsConn, true)
	if err != nil {
		util.LogWarning("signaling with %s failed: %v", remote, err)
		return
	}

	select {
	case l.ready <- accepted{stream: stream, dev: transport.Device{Address: remote, Name: remote}}:
	case <-l.ctx.Done():
		stream.Close()
	}
}

func (l *Listener) Accept(ctx context.Context) (io.ReadWriteCloser, transport.Device, error) {
	select {
	case a := <-l.ready:
		return a.stream, a.dev, nil
	case <-l.ctx.Done():
		return nil, transport.Device{}, ErrClosed
	case <-ctx.Done():
		return nil, transport.Device{}, ctx.Err()
	}
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.gate.close()
	})
	return nil
}

// Dialer is the client side. Device.Address is the signaling URL including
// the PIN, e.g. ws://192.168.1.5:8889/ws?pin=1234.
type Dialer struct{}

func (Dialer) Dial(ctx context.Context, dev transport.Device) (io.ReadWriteCloser, error) {
	wsConn, err := connect(ctx, dev.Address)
	if err != nil {
		return nil, err
	}
	util.LogDebug("WS connected: %s", dev.Address)

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	stream, err := exchange(ctx, wsConn, false)
	if err != nil {
		return nil, fmt.Errorf("failed to establish data channel: %w", err)
	}
	return stream, nil
}

// URL builds the Device.Address a client dials for a host at host:port.
func URL(host string, port int, pin string) string {
	return fmt.Sprintf("ws://%s:%d%s?pin=%s", host, port, signalPath, pin)
}
