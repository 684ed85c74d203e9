package webrtc

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
)

const (
	HighWaterMark = 64 * 1024 // pause writing when bufferedAmount exceeds this
	LowWaterMark  = 16 * 1024 // resume writing when bufferedAmount drops below this
)

// Stream is a detached DataChannel used as a byte stream. Each Write is one
// DataChannel message and each Read returns one message, so the reader's
// buffer must hold the largest message the peer writes.
type Stream struct {
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel
	rwc io.ReadWriteCloser

	sendReady chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// OpenResult is delivered once the DataChannel opened or failed to detach.
type OpenResult struct {
	Stream *Stream
	Err    error
}

// Detach registers the open handler of dc and returns a channel that yields
// the Stream once dc opens. It must be called before signaling starts. pc is
// owned by the returned Stream and closed with it.
func Detach(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) <-chan OpenResult {
	opened := make(chan OpenResult, 1)

	dc.OnOpen(func() {
		rwc, err := dc.Detach()
		if err != nil {
			opened <- OpenResult{Err: err}
			return
		}
		s := &Stream{pc: pc, dc: dc, rwc: rwc, sendReady: make(chan struct{}, 1)}
		dc.SetBufferedAmountLowThreshold(uint64(LowWaterMark))
		dc.OnBufferedAmountLow(func() {
			select {
			case s.sendReady <- struct{}{}:
			default:
			}
		})
		opened <- OpenResult{Stream: s}
	})

	return opened
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.rwc.Read(p)
}

// Write sends p as one message, blocking while the channel is above the high
// water mark.
func (s *Stream) Write(p []byte) (int, error) {
	if s.dc.BufferedAmount() > uint64(HighWaterMark) {
		<-s.sendReady
	}
	return s.rwc.Write(p)
}

// Close closes the DataChannel and its PeerConnection.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.rwc.Close(), s.pc.Close())
		select {
		case s.sendReady <- struct{}{}:
		default:
		}
	})
	return s.closeErr
}
