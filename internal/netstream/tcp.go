package netstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/1ureka/btcomms/internal/transport"
	"github.com/1ureka/btcomms/internal/util"
)

// TCPDialer dials Device.Address as a TCP host:port.
type TCPDialer struct {
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, dev transport.Device) (io.ReadWriteCloser, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", dev.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", dev.Address, err)
	}
	return conn, nil
}

// TCPListener accepts TCP connections in the background.
type TCPListener struct {
	ln    net.Listener
	queue *acceptQueue
}

// ListenTCP starts listening on addr (":0" picks a free port).
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	l := &TCPListener{ln: ln, queue: newAcceptQueue()}
	go l.loop()
	return l, nil
}

func (l *TCPListener) loop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		if !l.queue.push(conn, remoteDevice(conn.RemoteAddr())) {
			util.LogWarning("rejecting %s: no free slot", conn.RemoteAddr())
			conn.Close()
		}
	}
}

// Addr returns the bound address.
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

func (l *TCPListener) Accept(ctx context.Context) (io.ReadWriteCloser, transport.Device, error) {
	return l.queue.accept(ctx)
}

func (l *TCPListener) Close() error {
	l.queue.close()
	return l.ln.Close()
}
