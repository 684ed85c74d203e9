package session

import (
	"fmt"

	"github.com/1ureka/btcomms/internal/protocol"
)

// HandshakeState is the registration progress of one connection. States are
// strictly ordered; only a fresh connection returns to HandshakeInit.
type HandshakeState int

const (
	HandshakeInit HandshakeState = iota
	AwaitTransportReady
	AnnounceGameID
	AnnounceDeviceName
	AnnounceNetworkConfig
	AnnounceRole
	HandshakeActive
)

func (h HandshakeState) String() string {
	switch h {
	case HandshakeInit:
		return "Init"
	case AwaitTransportReady:
		return "AwaitTransportReady"
	case AnnounceGameID:
		return "AnnounceGameID"
	case AnnounceDeviceName:
		return "AnnounceDeviceName"
	case AnnounceNetworkConfig:
		return "AnnounceNetworkConfig"
	case AnnounceRole:
		return "AnnounceRole"
	case HandshakeActive:
		return "Active"
	default:
		return fmt.Sprintf("HandshakeState(%d)", int(h))
	}
}

// HandshakeRecord holds the facts announced once per connection.
type HandshakeRecord struct {
	GameID      uint32
	DeviceName  string
	NetworkHost string
	NetworkPort int
	Role        byte // protocol.RoleHost or protocol.RoleClient
}

// Step advances the handshake by at most one state. ready reports whether
// the link can accept a send; announcements are only produced when it can.
// The returned line, if any, must be sent on the link.
func (h HandshakeState) Step(ready bool, rec HandshakeRecord) (HandshakeState, []byte) {
	switch h {
	case HandshakeInit:
		return AwaitTransportReady, nil
	case AwaitTransportReady:
		if ready {
			return AnnounceGameID, nil
		}
		return h, nil
	case HandshakeActive:
		return h, nil
	}

	if !ready {
		return h, nil
	}

	switch h {
	case AnnounceGameID:
		return AnnounceDeviceName, protocol.GameIDLine(rec.GameID)
	case AnnounceDeviceName:
		return AnnounceNetworkConfig, protocol.DeviceNameLine(rec.DeviceName)
	case AnnounceNetworkConfig:
		return AnnounceRole, protocol.NetworkLine(rec.NetworkHost, rec.NetworkPort)
	case AnnounceRole:
		return HandshakeActive, protocol.RoleLine(rec.Role)
	}
	return h, nil
}

// remoteRecord collects what the remote side announced.
type remoteRecord struct {
	gameID     uint32
	hasGameID  bool
	deviceName string
	host       string
	port       int
	role       byte
}
