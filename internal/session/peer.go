package session

import (
	"github.com/1ureka/btcomms/internal/protocol"
	"github.com/1ureka/btcomms/internal/queue"
	"github.com/1ureka/btcomms/internal/transport"
	"github.com/1ureka/btcomms/internal/util"
)

// controlQueueSize bounds pending control lines per connection. Controls are
// rare and a connection never needs more than a few in flight.
const controlQueueSize = 8

// peer is one connection and its registration progress. On the host a peer
// is pending until the remote role is validated, then owns a client slot.
// On a client the only peer is the host.
type peer struct {
	slot uint16 // client slot on the host, zero while pending and on clients
	link *transport.Link
	dec  *protocol.Decoder
	hs   HandshakeState

	remote     remoteRecord
	registered bool // remote role validated
	ready      bool // registered and local handshake active, announced once

	continueRequested bool
	lost              bool // link lost while Paused, slot reserved
	closeAfterFlush   bool // close once queued controls are written
	closed            bool

	control *queue.Ring[protocol.Control]
}

func newPeer(link *transport.Link) *peer {
	return &peer{
		link:    link,
		dec:     protocol.NewDecoder(),
		control: queue.NewRing[protocol.Control](controlQueueSize),
	}
}

// name returns the announced device name, or the transport's view of it.
func (p *peer) name() string {
	if p.remote.deviceName != "" {
		return p.remote.deviceName
	}
	return p.link.Device().Name
}

// active reports whether application frames may flow to this peer.
func (p *peer) active() bool {
	return p.ready && !p.lost && !p.closed && !p.closeAfterFlush && p.link.IsConnected()
}

// restart prepares the peer for a fresh connection on a new link.
func (p *peer) restart(link *transport.Link) {
	p.link = link
	p.dec.Reset()
	p.hs = HandshakeInit
	p.remote = remoteRecord{}
	p.registered = false
	p.ready = false
	p.lost = false
	p.continueRequested = false
	p.control.Reset()
}

// pushControl queues c. A full control queue drops the line.
func (p *peer) pushControl(c protocol.Control) {
	if err := p.control.Push(c); err != nil {
		util.LogWarning("control %s to %s dropped: %v", c, p.name(), err)
	}
}

// shutdown closes the link. The peer must not be used afterwards.
func (p *peer) shutdown() {
	p.closed = true
	p.closeLink()
}

// closeLink disconnects the link unless an earlier shutdown already failed
// and was reported.
func (p *peer) closeLink() {
	if p.link.State() == transport.StateFailed {
		return
	}
	if err := p.link.Disconnect(); err != nil {
		util.LogError("closing link to %s: %v", p.name(), err)
	}
}
