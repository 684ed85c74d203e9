// Package transport wraps a single byte stream to one remote party in an
// event-driven Link. Blocking I/O runs on short-lived goroutines which post
// completions to a channel; the owner drains them with Poll on its own
// goroutine, so all Link state is only ever mutated there.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"

	"github.com/1ureka/btcomms/internal/commserr"
	"github.com/1ureka/btcomms/internal/protocol"
	"github.com/1ureka/btcomms/internal/util"
)

// State is the connection state of a Link.
type State int

const (
	StateNotConnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting // I/O failed, stream shutdown in progress
	StateFailed        // shutdown failed, the Link is unusable
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "NotConnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind identifies a completed asynchronous operation.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventConnectFailed
	EventSent
	EventSendFailed
	EventReceived
	EventReceiveFailed
	EventDisconnected   // shutdown after an I/O failure completed, Err is the failure
	EventShutdownFailed // the stream could not be closed, the Link is unusable
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventConnectFailed:
		return "ConnectFailed"
	case EventSent:
		return "Sent"
	case EventSendFailed:
		return "SendFailed"
	case EventReceived:
		return "Received"
	case EventReceiveFailed:
		return "ReceiveFailed"
	case EventDisconnected:
		return "Disconnected"
	case EventShutdownFailed:
		return "ShutdownFailed"
	default:
		return fmt.Sprintf("Event(%d)", int(k))
	}
}

// Event is a completion returned by Poll.
type Event struct {
	Kind EventKind
	Data []byte // EventReceived
	Err  error  // failure events
}

// completion is posted by an I/O goroutine. gen ties it to the connection
// attempt that started it; completions of an older generation are stale.
type completion struct {
	gen    uint64
	ev     Event
	stream io.ReadWriteCloser // EventConnected
}

// eventBufferSize bounds the completions of one generation: one connect or
// shutdown, one send and one receive.
const eventBufferSize = 4

// Link is one connection to one remote party. It is not safe for concurrent
// use; a single owner calls every method.
type Link struct {
	dialer Dialer
	device Device

	stream    io.ReadWriteCloser
	state     State
	sending   bool
	receiving bool
	counted   bool

	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	events chan completion
}

// NewLink creates a disconnected Link that reaches dev through dialer.
func NewLink(dialer Dialer, dev Device) *Link {
	return &Link{
		dialer: dialer,
		device: dev,
		cancel: func() {},
		events: make(chan completion, eventBufferSize),
	}
}

// NewAcceptedLink wraps a stream produced by a Listener. The Link starts
// connected and cannot be re-dialed.
func NewAcceptedLink(stream io.ReadWriteCloser, dev Device) *Link {
	l := NewLink(nil, dev)
	l.gen++
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.stream = stream
	l.state = StateConnected
	l.counted = true
	util.Stats.AddLink()
	return l
}

// Device returns the remote device.
func (l *Link) Device() Device { return l.device }

// State returns the last-known connection state.
func (l *Link) State() State { return l.state }

// IsConnected reports whether the stream is established.
func (l *Link) IsConnected() bool { return l.state == StateConnected }

// IsSendReady reports whether Send would be accepted.
func (l *Link) IsSendReady() bool { return l.state == StateConnected && !l.sending }

// IsReceiving reports whether a read is armed.
func (l *Link) IsReceiving() bool { return l.receiving }

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Connect starts dialing the remote device. The outcome is reported by Poll
// as EventConnected or EventConnectFailed.
func (l *Link) Connect(ctx context.Context) error {
	switch l.state {
	case StateConnecting, StateConnected, StateDisconnecting:
		return commserr.ErrBusy.WithOp("Connect")
	case StateFailed:
		return commserr.ErrShutdownFailed.WithOp("Connect")
	}
	if l.dialer == nil {
		return commserr.ErrInvalidState.WithOp("Connect")
	}

	l.newGeneration(ctx)
	l.state = StateConnecting

	gen, gctx, dev := l.gen, l.ctx, l.device
	go func() {
		stream, err := l.dialer.Dial(gctx, dev)
		if err != nil {
			code := commserr.CodeNotConnected
			if errors.Is(err, context.Canceled) || errors.Is(err, commserr.ErrCancelledByUser) {
				code = commserr.CodeCancelledByUser
			}
			l.post(gctx, completion{gen: gen, ev: Event{Kind: EventConnectFailed, Err: commserr.Wrap(err, code, "Connect")}})
			return
		}
		if !l.post(gctx, completion{gen: gen, ev: Event{Kind: EventConnected}, stream: stream}) {
			stream.Close()
		}
	}()
	return nil
}

// Send writes one buffer asynchronously. Only one send may be outstanding.
func (l *Link) Send(b []byte) error {
	if l.state != StateConnected {
		return commserr.ErrNotConnected.WithOp("Send")
	}
	if l.sending {
		return commserr.ErrBusy.WithOp("Send")
	}
	l.sending = true

	data := make([]byte, len(b))
	copy(data, b)

	gen, gctx, stream := l.gen, l.ctx, l.stream
	go func() {
		if _, err := stream.Write(data); err != nil {
			l.post(gctx, completion{gen: gen, ev: Event{Kind: EventSendFailed, Err: commserr.Wrap(err, commserr.CodeDisconnectedUnexpectedly, "Send")}})
			return
		}
		l.post(gctx, completion{gen: gen, ev: Event{Kind: EventSent, Data: data}})
	}()
	return nil
}

// Receive arms one asynchronous read. The caller re-arms after every
// EventReceived.
func (l *Link) Receive() error {
	if l.state != StateConnected {
		return commserr.ErrNotConnected.WithOp("Receive")
	}
	if l.receiving {
		return commserr.ErrBusy.WithOp("Receive")
	}
	l.receiving = true

	gen, gctx, stream := l.gen, l.ctx, l.stream
	go func() {
		buf := make([]byte, protocol.MaxFrameSize)
		n, err := stream.Read(buf)
		if n > 0 {
			l.post(gctx, completion{gen: gen, ev: Event{Kind: EventReceived, Data: buf[:n]}})
			return
		}
		if err == nil {
			err = io.ErrNoProgress
		}
		l.post(gctx, completion{gen: gen, ev: Event{Kind: EventReceiveFailed, Err: commserr.Wrap(err, commserr.CodeDisconnectedUnexpectedly, "Receive")}})
	}()
	return nil
}

// Disconnect closes the stream and cancels outstanding operations; their
// completions are discarded. A failed close leaves the Link in StateFailed.
// While a shutdown after an I/O failure is in progress the stream is left to
// it and only the outcome is discarded.
func (l *Link) Disconnect() error {
	if l.state == StateFailed {
		return commserr.ErrShutdownFailed.WithOp("Disconnect")
	}
	stream := l.stream
	if l.state == StateDisconnecting {
		stream = nil
	}
	l.newGeneration(context.Background())
	l.release()

	if stream != nil {
		if err := stream.Close(); err != nil && !isClosedErr(err) {
			l.state = StateFailed
			return commserr.Wrap(err, commserr.CodeShutdownFailed, "Disconnect")
		}
	}
	l.state = StateNotConnected
	return nil
}

// Poll returns the completions posted since the last call, applying their
// effect on the Link state. It never blocks.
func (l *Link) Poll() []Event {
	var out []Event
	for {
		select {
		case c := <-l.events:
			if c.gen != l.gen {
				if c.stream != nil {
					c.stream.Close()
				}
				continue
			}
			if ev, ok := l.apply(c); ok {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (l *Link) apply(c completion) (Event, bool) {
	ev := c.ev
	switch ev.Kind {
	case EventConnected:
		l.stream = c.stream
		l.state = StateConnected
		l.counted = true
		util.Stats.AddLink()

	case EventConnectFailed:
		l.state = StateNotConnected

	case EventSent:
		l.sending = false
		util.Stats.AddSent(len(ev.Data))
		ev.Data = nil

	case EventReceived:
		l.receiving = false
		util.Stats.AddRecv(len(ev.Data))

	case EventSendFailed, EventReceiveFailed:
		if ev.Kind == EventSendFailed {
			l.sending = false
		} else {
			l.receiving = false
		}
		if l.state != StateConnected {
			// A second failure while the first is being handled.
			return Event{}, false
		}
		util.LogDebug("link %s: %v", l.device, ev.Err)
		l.shutdown(ev.Err)

	case EventDisconnected:
		l.stream = nil
		l.state = StateNotConnected
		l.release()

	case EventShutdownFailed:
		l.stream = nil
		l.state = StateFailed
		l.release()
	}
	return ev, true
}

// shutdown closes the stream after an I/O failure and reports the outcome.
// EventDisconnected carries cause.
func (l *Link) shutdown(cause error) {
	l.state = StateDisconnecting

	gen, gctx, stream := l.gen, l.ctx, l.stream
	go func() {
		if err := stream.Close(); err != nil && !isClosedErr(err) {
			l.post(gctx, completion{gen: gen, ev: Event{Kind: EventShutdownFailed, Err: commserr.Wrap(err, commserr.CodeShutdownFailed, "Shutdown")}})
			return
		}
		l.post(gctx, completion{gen: gen, ev: Event{Kind: EventDisconnected, Err: cause}})
	}()
}

func (l *Link) newGeneration(parent context.Context) {
	l.cancel()
	l.gen++
	l.ctx, l.cancel = context.WithCancel(parent)
	l.sending = false
	l.receiving = false
}

func (l *Link) release() {
	if l.counted {
		l.counted = false
		util.Stats.RemoveLink()
	}
	l.stream = nil
}

// post delivers c unless the generation was cancelled first.
func (l *Link) post(ctx context.Context, c completion) bool {
	select {
	case l.events <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || errors.Is(err, fs.ErrClosed)
}
