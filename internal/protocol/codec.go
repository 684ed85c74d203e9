package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/1ureka/btcomms/internal/commserr"
)

// CheckPayload returns ErrMessageTooLarge if payload cannot fit in one frame.
func CheckPayload(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return commserr.New(commserr.CodeMessageTooLarge,
			fmt.Sprintf("payload of %d bytes exceeds %d", len(payload), MaxPayloadSize))
	}
	return nil
}

// Encode serializes a Frame as [dest][lenHi][lenLo][payload][\n].
// Broadcast frames are always written with DestAll.
func Encode(f *Frame) ([]byte, error) {
	if err := CheckPayload(f.Payload); err != nil {
		return nil, err
	}
	if !f.Dest.Valid() {
		return nil, fmt.Errorf("invalid destination %s", f.Dest)
	}

	dest := f.Dest
	if dest.IsBroadcast() {
		dest = DestAll
	}

	buf := make([]byte, HeaderSize+len(f.Payload)+1)
	buf[0] = byte(dest)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	buf[len(buf)-1] = Terminator
	return buf, nil
}

// Decode deserializes exactly one complete frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize+1 {
		return nil, fmt.Errorf("frame too short: %d bytes (need at least %d)", len(data), HeaderSize+1)
	}
	dest := Destination(data[0])
	if !dest.Valid() {
		return nil, fmt.Errorf("invalid destination byte 0x%02x", data[0])
	}
	n := int(binary.BigEndian.Uint16(data[1:3]))
	if n > MaxPayloadSize {
		return nil, commserr.ErrMessageTooLarge.WithOp("Decode")
	}
	if len(data) != HeaderSize+n+1 {
		return nil, fmt.Errorf("frame length mismatch: header says %d payload bytes, got %d bytes total", n, len(data))
	}
	if data[len(data)-1] != Terminator {
		return nil, fmt.Errorf("missing frame terminator")
	}
	f := &Frame{Dest: dest, Payload: make([]byte, n)}
	copy(f.Payload, data[HeaderSize:HeaderSize+n])
	return f, nil
}
