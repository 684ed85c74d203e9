package session

import (
	"context"
	"fmt"

	"github.com/1ureka/btcomms/internal/commserr"
	"github.com/1ureka/btcomms/internal/protocol"
	"github.com/1ureka/btcomms/internal/transport"
	"github.com/1ureka/btcomms/internal/util"
)

// StartHost opens the session to clients. The game starts once
// startPlayers devices, the host included, are registered, and ends when
// fewer than minPlayers remain.
func (s *Session) StartHost(startPlayers, minPlayers int) error {
	const op = "StartHost"
	if s.closing {
		return commserr.ErrBusy.WithOp(op)
	}
	if s.pendingRole != RoleIdle {
		return commserr.ErrInvalidState.WithOp(op)
	}
	if s.opts.Listener == nil {
		return commserr.New(commserr.CodeInvalidState, "no listener configured").WithOp(op)
	}
	if minPlayers < 1 || minPlayers > startPlayers || startPlayers > protocol.MaxPlayers {
		return commserr.New(commserr.CodeInvalidState,
			fmt.Sprintf("players must satisfy 1 <= min(%d) <= start(%d) <= %d", minPlayers, startPlayers, protocol.MaxPlayers)).WithOp(op)
	}

	s.begin(RoleHost)
	s.startPlayers, s.minPlayers = startPlayers, minPlayers
	go acceptLoop(s.ctx, s.opts.Listener, s.accepts)

	util.LogInfo("hosting game 0x%08X as %q, waiting for %d players", s.opts.GameID, s.opts.DeviceName, startPlayers)
	return nil
}

// acceptLoop hands accepted streams to the session until ctx is cancelled.
func acceptLoop(ctx context.Context, l transport.Listener, out chan<- accepted) {
	for {
		stream, dev, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				util.LogWarning("accept stopped: %v", err)
			}
			return
		}
		if ctx.Err() != nil {
			stream.Close()
			return
		}
		select {
		case out <- accepted{stream: stream, dev: dev}:
		case <-ctx.Done():
			stream.Close()
			return
		}
	}
}

func (s *Session) drainAccepts() {
	for {
		select {
		case a := <-s.accepts:
			s.onAccepted(a)
		default:
			return
		}
	}
}

func (s *Session) onAccepted(a accepted) {
	if s.pendingRole != RoleHost || s.closing || len(s.pending) >= protocol.MaxPlayers-1 {
		util.LogWarning("refusing connection from %s", a.dev)
		a.stream.Close()
		return
	}
	util.LogInfo("connection from %s", a.dev)
	p := newPeer(transport.NewAcceptedLink(a.stream, a.dev))
	s.pending = append(s.pending, p)
	s.arm(p)
}

// registerClient moves a validated connection into a slot. A client whose
// device name matches a slot lost during a pause takes that slot back.
func (s *Session) registerClient(p *peer) bool {
	slot := s.lostSlot(p.name())
	if slot == 0 {
		slot = s.freeSlot()
	}
	if slot == 0 {
		s.reject(p, commserr.New(commserr.CodeInvalidState, "session is full"))
		return false
	}

	if old := s.clients[slot]; old != nil {
		old.shutdown()
	}
	for i, q := range s.pending {
		if q == p {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.clients[slot] = p
	p.slot = slot
	p.registered = true
	return true
}

func (s *Session) lostSlot(name string) uint16 {
	for i, p := range s.clients {
		if p != nil && p.lost && p.name() == name {
			return uint16(i)
		}
	}
	return 0
}

func (s *Session) freeSlot() uint16 {
	for i := 1; i < len(s.clients); i++ {
		if s.clients[i] == nil {
			return uint16(i)
		}
	}
	return 0
}

// readyCount returns the number of registered clients still taking part.
func (s *Session) readyCount() int {
	n := 0
	for _, p := range s.clients {
		if p != nil && p.ready && !p.lost && !p.closeAfterFlush {
			n++
		}
	}
	return n
}

func (s *Session) lostCount() int {
	n := 0
	for _, p := range s.clients {
		if p != nil && p.lost {
			n++
		}
	}
	return n
}

func (s *Session) clientReady(p *peer) {
	util.LogSuccess("client %d (%s) joined", p.slot, p.name())
	if s.gameStarted && s.gameState != GameOver {
		p.pushControl(protocol.CtlStart)
		if s.gameState == Paused {
			p.pushControl(protocol.CtlPause)
		}
	}
	s.notify.ClientConnected(p.slot, p.name(), nil)
}

// checkStart starts the game once enough players are registered.
func (s *Session) checkStart() {
	if s.gameStarted || s.closing || 1+s.readyCount() < s.startPlayers {
		return
	}
	s.gameStarted = true
	s.gameState = Playing
	s.role = RoleHost
	for _, p := range s.clients {
		if p != nil && p.active() {
			p.pushControl(protocol.CtlStart)
		}
	}
	util.LogSuccess("game started with %d players", 1+s.readyCount())
	s.notify.StartMultiPlayerGame(nil)
}

// checkBarrier resumes a paused game once the host and every registered
// client have asked to continue. A reserved lost slot holds the barrier.
func (s *Session) checkBarrier() {
	if s.gameState != Paused || !s.hostContinue {
		return
	}
	for _, p := range s.clients {
		if p == nil {
			continue
		}
		if p.lost || (p.ready && !p.closeAfterFlush && !p.continueRequested) {
			return
		}
	}

	s.gameState = Playing
	s.hostContinue = false
	for _, p := range s.clients {
		if p == nil {
			continue
		}
		p.continueRequested = false
		if p.active() {
			p.pushControl(protocol.CtlResume)
		}
	}
	s.notify.ContinueMultiPlayerGame()
}

// checkEnough ends a running game when fewer than minPlayers remain. While
// Paused the rule only applies when forced.
func (s *Session) checkEnough(force bool) {
	if !s.gameStarted || s.closing || s.gameState == GameOver {
		return
	}
	if s.gameState == Paused && !force {
		return
	}
	players := 1 + s.readyCount()
	if players >= s.minPlayers {
		return
	}

	util.LogWarning("%d players left, %d needed", players, s.minPlayers)
	s.beginClose(protocol.CtlNotEnough)
	s.notify.EndMultiPlayerGame(commserr.ErrNotEnoughPlayers)
}

func (s *Session) onClientControl(p *peer, c protocol.Control) {
	switch c {
	case protocol.CtlPause:
		if s.gameState != Playing {
			return
		}
		s.enterPause()
		for _, q := range s.clients {
			if q != nil && q != p && q.active() {
				q.pushControl(protocol.CtlPause)
			}
		}
		s.notify.PauseMultiPlayerGame()

	case protocol.CtlContinue:
		if s.gameState == Paused {
			p.continueRequested = true
		}

	case protocol.CtlEnded:
		slot := p.slot
		s.removePeer(p)
		s.notify.ConnectedClientEndedGame(slot)

	case protocol.CtlDisconnect:
		slot := p.slot
		s.removePeer(p)
		s.notify.ClientDisconnected(slot, nil)

	default:
		util.LogWarning("unexpected control %s from client %d", c, p.slot)
	}
}

func (s *Session) onClientLost(p *peer, err error) {
	if !p.ready {
		util.LogWarning("%s dropped during handshake: %v", p.name(), err)
		s.removePeer(p)
		return
	}

	slot := p.slot
	if s.gameState == Paused {
		util.LogWarning("client %d (%s) lost while paused, slot reserved", slot, p.name())
		s.markLost(p)
		s.queues.Drop(protocol.Client(slot))
		s.notify.ClientDisconnected(slot, err)
		return
	}

	s.removePeer(p)
	s.notify.ClientDisconnected(slot, err)
}

// SendDataToClient queues data for client id.
func (s *Session) SendDataToClient(id uint16, data []byte) error {
	const op = "SendDataToClient"
	if s.pendingRole != RoleHost {
		return commserr.ErrInvalidState.WithOp(op)
	}
	if err := s.checkGameState(op); err != nil {
		return err
	}
	if id == 0 || int(id) >= protocol.MaxPlayers {
		return commserr.New(commserr.CodeInvalidState, fmt.Sprintf("invalid client id %d", id)).WithOp(op)
	}
	if p := s.clients[id]; p == nil || !p.active() {
		return commserr.ErrNotConnected.WithOp(op)
	}
	return s.enqueue(op, protocol.Client(id), data)
}

// SendDataToAllClients queues data for every connected client.
func (s *Session) SendDataToAllClients(data []byte) error {
	const op = "SendDataToAllClients"
	if s.pendingRole != RoleHost {
		return commserr.ErrInvalidState.WithOp(op)
	}
	if err := s.checkGameState(op); err != nil {
		return err
	}
	if s.readyCount() == 0 {
		return commserr.ErrNotConnected.WithOp(op)
	}
	return s.enqueue(op, protocol.DestAll, data)
}

// DisconnectClient drops client id without notifying the game. The player
// count rule applies on the next Pump.
func (s *Session) DisconnectClient(id uint16) error {
	const op = "DisconnectClient"
	if s.pendingRole != RoleHost {
		return commserr.ErrInvalidState.WithOp(op)
	}
	if id == 0 || int(id) >= protocol.MaxPlayers {
		return commserr.New(commserr.CodeInvalidState, fmt.Sprintf("invalid client id %d", id)).WithOp(op)
	}
	if s.clients[id] == nil {
		return commserr.ErrNotConnected.WithOp(op)
	}
	return s.later(func() {
		if p := s.clients[id]; p != nil {
			util.LogInfo("disconnecting client %d (%s)", id, p.name())
			s.removePeer(p)
		}
	})
}
