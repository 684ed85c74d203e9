package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/btcomms/internal/util"
	"github.com/1ureka/btcomms/internal/webrtc"
)

// exchange performs the SDP/ICE exchange over wsConn and blocks until the
// DataChannel is open:
//   - the offerer (host) creates and sends the Offer
//   - the answerer (client) replies from receiver.watch
//   - both sides trickle ICE candidates
//
// The WebSocket is closed once the channel opens.
func exchange(ctx context.Context, wsConn *websocket.Conn, offerer bool) (*webrtc.Stream, error) {
	defer wsConn.Close()

	pc, err := webrtc.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	dc, err := webrtc.CreateDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create DataChannel: %w", err)
	}
	opened := webrtc.Detach(pc, dc)

	// Assemble sender and receiver.
	s := &sender{pc: pc, conn: wsConn}
	r := &receiver{pc: pc, conn: wsConn, sender: s, offerer: offerer}
	s.trickle()

	// Receiver loop exits when wsConn is closed.
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()

	if offerer {
		if err := s.sendOffer(); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to send Offer: %w", err)
		}
	}

	select {
	case res := <-opened:
		if res.Err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to detach DataChannel: %w", res.Err)
		}
		util.LogDebug("WebRTC DataChannel established, closing WS")
		return res.Stream, nil

	case err := <-errCh:
		// The WS may have been closed by the remote right after the channel opened.
		select {
		case res := <-opened:
			if res.Err == nil {
				return res.Stream, nil
			}
		default:
		}
		pc.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
}
