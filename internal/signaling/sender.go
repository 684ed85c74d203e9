package signaling

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// sender serializes outgoing signaling messages to the WebSocket.
type sender struct {
	pc   *webrtc.PeerConnection
	conn *websocket.Conn
	mu   sync.Mutex
}

// send writes a signaling message to the WebSocket, guarded by a mutex.
func (s *sender) send(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// sendOffer creates an SDP offer, sets it as local description, and sends it.
func (s *sender) sendOffer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return err
	}

	if err := s.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	return s.send(message{Type: msgTypeOffer, SDP: offer.SDP})
}

// sendAnswer creates an SDP answer, sets it as local description, and sends it.
func (s *sender) sendAnswer() error {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}

	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}

	return s.send(message{Type: msgTypeAnswer, SDP: answer.SDP})
}

// trickle forwards every gathered local ICE candidate. Sending is
// best-effort: the WebSocket is closed as soon as the channel opens.
func (s *sender) trickle() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		_ = s.send(message{Type: msgTypeCandidate, Candidate: string(data)})
	})
}
