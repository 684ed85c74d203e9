package session

import (
	"context"
	"errors"

	"github.com/1ureka/btcomms/internal/commserr"
	"github.com/1ureka/btcomms/internal/protocol"
	"github.com/1ureka/btcomms/internal/transport"
	"github.com/1ureka/btcomms/internal/util"
)

// StartClient starts device selection and then connects to the chosen host.
// The outcomes are reported through HostSelected and HostConnected.
func (s *Session) StartClient() error {
	const op = "StartClient"
	if s.closing {
		return commserr.ErrBusy.WithOp(op)
	}
	if s.pendingRole != RoleIdle {
		return commserr.ErrInvalidState.WithOp(op)
	}
	if s.opts.Selector == nil || s.opts.Dialer == nil {
		return commserr.New(commserr.CodeInvalidState, "no selector or dialer configured").WithOp(op)
	}

	s.begin(RoleClient)
	s.selecting = true

	ctx, sel, out := s.ctx, s.opts.Selector, s.selections
	go func() {
		dev, err := sel.SelectRemoteDevice(ctx)
		out <- selection{dev: dev, err: err}
	}()
	return nil
}

func (s *Session) drainSelections() {
	select {
	case r := <-s.selections:
		s.onSelected(r)
	default:
	}
}

func (s *Session) onSelected(r selection) {
	s.selecting = false
	if s.pendingRole != RoleClient || s.closing {
		return
	}

	if r.err != nil {
		err := r.err
		if errors.Is(err, context.Canceled) || errors.Is(err, commserr.ErrCancelledByUser) {
			err = commserr.Wrap(err, commserr.CodeCancelledByUser, "SelectRemoteDevice")
		} else if commserr.CodeOf(err) == commserr.CodeDisconnectedUnexpectedly {
			err = commserr.Wrap(err, commserr.CodeNotConnected, "SelectRemoteDevice")
		}
		s.reset()
		s.notify.HostSelected(err)
		return
	}

	util.LogInfo("selected host %s", r.dev)
	s.hostDevice = r.dev
	s.host = newPeer(transport.NewLink(s.opts.Dialer, r.dev))
	if err := s.host.link.Connect(s.ctx); err != nil {
		s.reset()
		s.notify.HostSelected(err)
		return
	}
	s.notify.HostSelected(nil)
}

// redial reconnects to the host after a loss during a pause.
func (s *Session) redial() {
	p := s.host
	if p == nil || !p.lost || s.pendingRole != RoleClient {
		return
	}
	util.LogInfo("reconnecting to %s", s.hostDevice)
	p.restart(transport.NewLink(s.opts.Dialer, s.hostDevice))
	if err := p.link.Connect(s.ctx); err != nil {
		util.LogError("reconnect to %s: %v", s.hostDevice, err)
		p.lost = true
	}
}

func (s *Session) onHostControl(c protocol.Control) {
	switch c {
	case protocol.CtlStart:
		if s.gameState != GameOver {
			return
		}
		s.gameState = Playing
		s.notify.StartMultiPlayerGame(nil)

	case protocol.CtlPause:
		if s.gameState != Playing {
			return
		}
		s.gameState = Paused
		s.notify.PauseMultiPlayerGame()

	case protocol.CtlResume:
		if s.gameState != Paused {
			return
		}
		s.gameState = Playing
		s.notify.ContinueMultiPlayerGame()

	case protocol.CtlHostQuit:
		s.reset()
		s.notify.EndMultiPlayerGame(commserr.ErrHostQuit)

	case protocol.CtlNotEnough:
		s.reset()
		s.notify.EndMultiPlayerGame(commserr.ErrNotEnoughPlayers)

	case protocol.CtlDisconnect:
		s.reset()
		s.notify.HostDisconnected(nil)

	default:
		util.LogWarning("unexpected control %s from host", c)
	}
}

// SendDataToHost queues data for the host.
func (s *Session) SendDataToHost(data []byte) error {
	const op = "SendDataToHost"
	if s.pendingRole != RoleClient {
		return commserr.ErrInvalidState.WithOp(op)
	}
	if err := s.checkGameState(op); err != nil {
		return err
	}
	if s.host == nil || !s.host.active() {
		return commserr.ErrNotConnected.WithOp(op)
	}
	return s.enqueue(op, protocol.DestHost, data)
}
