// Package protocol defines the wire format shared by every device in a game
// session: addressed, length-delimited frames for application data, and plain
// text lines for the registration handshake and session control.
package protocol

import "fmt"

// Frame size constants.
const (
	MaxFrameSize   = 512                           // receive buffer limit, whole frame
	HeaderSize     = 3                             // Dest(1) + Length(2)
	MaxPayloadSize = MaxFrameSize - HeaderSize - 1 // 508, one byte is the terminator
	Terminator     = byte('\n')                    // ends frames and lines
)

// MaxPlayers is the number of player slots including the host.
const MaxPlayers = 4

// Destination is the first byte of an addressed frame.
type Destination uint8

// Destination values.
const (
	DestHost     Destination = 0x00
	DestAll      Destination = 0xFF // written by Encode
	DestAllAlias Destination = 0x42 // accepted by the decoder as broadcast
)

// Client returns the destination of client slot id.
func Client(id uint16) Destination {
	return Destination(id)
}

// IsClient reports whether d addresses a concrete client slot.
func (d Destination) IsClient() bool {
	return d > 0 && int(d) < MaxPlayers
}

// IsBroadcast reports whether d addresses every client.
func (d Destination) IsBroadcast() bool {
	return d == DestAll || d == DestAllAlias
}

// Valid reports whether d can start an addressed frame.
func (d Destination) Valid() bool {
	return d == DestHost || d.IsClient() || d.IsBroadcast()
}

// ClientID returns the slot number of a client destination.
func (d Destination) ClientID() uint16 {
	return uint16(d)
}

func (d Destination) String() string {
	switch {
	case d == DestHost:
		return "host"
	case d.IsBroadcast():
		return "all"
	case d.IsClient():
		return fmt.Sprintf("client%d", d)
	default:
		return fmt.Sprintf("dest(0x%02x)", uint8(d))
	}
}

// Frame is one addressed unit of application data. On the receiving side
// Dest is the destination written by the sender.
type Frame struct {
	Dest    Destination
	Payload []byte
}
