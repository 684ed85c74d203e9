// Package webrtc provides helpers for creating PeerConnections whose single
// DataChannel is detached into a plain byte stream.
package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// STUN servers for ICE candidate gathering. No TURN servers are configured,
// players are expected to share a local network.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// api is shared by every PeerConnection; detached mode turns the
// DataChannel into an io.ReadWriteCloser instead of message callbacks.
var api = newAPI()

func newAPI() *webrtc.API {
	s := webrtc.SettingEngine{}
	s.DetachDataChannels()
	return webrtc.NewAPI(webrtc.WithSettingEngine(s))
}

// NewPeerConnection creates a PeerConnection configured with Google STUN servers.
func NewPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return api.NewPeerConnection(config)
}

// CreateDataChannel creates a pre-negotiated, ordered DataChannel. Negotiated
// mode (ID 0) lets both sides create the channel without OnDataChannel.
// Ordering is required: the handshake lines must arrive before any frame.
func CreateDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("comms", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
