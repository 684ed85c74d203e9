package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/btcomms/internal/util"
)

// receiver applies the remote side's signaling messages. The host offers and
// only takes an answer; a client only takes an offer. Each side takes the
// remote description once.
type receiver struct {
	pc      *webrtc.PeerConnection
	conn    *websocket.Conn
	sender  *sender
	offerer bool

	described  bool
	candidates int
}

// watch reads messages until the WebSocket fails or is closed.
func (r *receiver) watch() error {
	for {
		var msg message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read WS message (%d candidates applied): %w", r.candidates, err)
		}
		if err := r.apply(msg); err != nil {
			return err
		}
	}
}

func (r *receiver) apply(msg message) error {
	switch msg.Type {
	case msgTypeOffer, msgTypeAnswer:
		want := msgTypeOffer
		if r.offerer {
			want = msgTypeAnswer
		}
		if msg.Type != want || r.described {
			return fmt.Errorf("unexpected %s from remote", msg.Type)
		}
		r.described = true

		sdpType := webrtc.SDPTypeAnswer
		if msg.Type == msgTypeOffer {
			sdpType = webrtc.SDPTypeOffer
		}
		if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: msg.SDP}); err != nil {
			return fmt.Errorf("failed to set remote %s: %w", msg.Type, err)
		}
		if !r.offerer {
			return r.sender.sendAnswer()
		}

	case msgTypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			return fmt.Errorf("failed to parse ICE candidate: %w", err)
		}
		if err := r.pc.AddICECandidate(init); err != nil {
			return err
		}
		r.candidates++

	default:
		util.LogDebug("signaling: ignoring message %q", msg.Type)
	}
	return nil
}
