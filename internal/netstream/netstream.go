// Package netstream provides TCP and WebSocket byte streams for sessions run
// over an IP network instead of Bluetooth: emulators, LAN play and tests.
// Devices are addressed by the host:port announced in the NET handshake line.
package netstream

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/1ureka/btcomms/internal/protocol"
	"github.com/1ureka/btcomms/internal/transport"
)

// ErrClosed is returned by Accept after Close.
var ErrClosed = errors.New("netstream: listener closed")

// acceptQueue hands accepted streams from a background loop to Accept. It
// holds at most one pending stream per client slot.
type acceptQueue struct {
	ch        chan accepted
	done      chan struct{}
	closeOnce sync.Once
}

type accepted struct {
	stream io.ReadWriteCloser
	dev    transport.Device
}

func newAcceptQueue() *acceptQueue {
	return &acceptQueue{
		ch:   make(chan accepted, protocol.MaxPlayers-1),
		done: make(chan struct{}),
	}
}

// push offers a stream to Accept; it reports false if the queue is full or
// closed, in which case the caller closes the stream.
func (q *acceptQueue) push(stream io.ReadWriteCloser, dev transport.Device) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- accepted{stream: stream, dev: dev}:
		return true
	default:
		return false
	}
}

func (q *acceptQueue) accept(ctx context.Context) (io.ReadWriteCloser, transport.Device, error) {
	select {
	case a := <-q.ch:
		return a.stream, a.dev, nil
	case <-q.done:
		return nil, transport.Device{}, ErrClosed
	case <-ctx.Done():
		return nil, transport.Device{}, ctx.Err()
	}
}

func (q *acceptQueue) close() {
	q.closeOnce.Do(func() {
		close(q.done)
		for {
			select {
			case a := <-q.ch:
				a.stream.Close()
			default:
				return
			}
		}
	})
}

// remoteDevice names an accepted connection after its remote address.
func remoteDevice(addr net.Addr) transport.Device {
	return transport.Device{Address: addr.String(), Name: addr.String()}
}
