package protocol

import (
	"bytes"
	"encoding/binary"
)

// Kind tells a decoded Message apart.
type Kind uint8

const (
	KindFrame Kind = iota + 1 // addressed application frame
	KindLine                  // unaddressed text line (handshake, control)
)

// Message is one unit produced by the Decoder.
type Message struct {
	Kind  Kind
	Frame Frame  // valid for KindFrame
	Line  []byte // valid for KindLine, terminator stripped
}

// Decoder reassembles frames and lines from a byte stream. It holds no state
// besides the partial buffer, which never grows beyond MaxFrameSize.
// It is goroutine-local and needs no locking.
type Decoder struct {
	buf []byte
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, MaxFrameSize)}
}

// Feed consumes received bytes and returns every message completed by them,
// in stream order.
func (d *Decoder) Feed(p []byte) []Message {
	var out []Message
	for len(p) > 0 {
		n := min(MaxFrameSize-len(d.buf), len(p))
		d.buf = append(d.buf, p[:n]...)
		p = p[n:]
		out = d.drain(out)
	}
	return out
}

// Buffered returns the number of bytes waiting for a terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// drain extracts complete messages from the head of the buffer.
func (d *Decoder) drain(out []Message) []Message {
	for len(d.buf) > 0 {
		msg, used := d.next()
		if used == 0 {
			break
		}
		out = append(out, msg)
		d.buf = d.buf[:copy(d.buf, d.buf[used:])]
	}
	return out
}

// next returns the message at the head of the buffer and the number of bytes
// it occupies, or zero bytes if more input is needed.
func (d *Decoder) next() (Message, int) {
	if Destination(d.buf[0]).Valid() {
		if len(d.buf) < HeaderSize {
			return Message{}, 0
		}
		n := int(binary.BigEndian.Uint16(d.buf[1:3]))
		if n <= MaxPayloadSize {
			total := HeaderSize + n + 1
			if len(d.buf) < total {
				return Message{}, 0
			}
			if d.buf[total-1] == Terminator {
				payload := make([]byte, n)
				copy(payload, d.buf[HeaderSize:HeaderSize+n])
				return Message{
					Kind:  KindFrame,
					Frame: Frame{Dest: Destination(d.buf[0]), Payload: payload},
				}, total
			}
		}
		// Not a well-formed frame: resynchronise on the next terminator.
	}

	if i := bytes.IndexByte(d.buf, Terminator); i >= 0 {
		return Message{Kind: KindLine, Line: bytes.Clone(d.buf[:i])}, i + 1
	}

	// Buffer limit reached without terminator: hand over what we have.
	if len(d.buf) >= MaxFrameSize {
		return Message{Kind: KindLine, Line: bytes.Clone(d.buf)}, len(d.buf)
	}
	return Message{}, 0
}
