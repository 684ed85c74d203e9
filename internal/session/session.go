// Package session runs a multiplayer game session over up to four devices:
// one host and at most three clients. A Session is driven by the game loop
// calling Pump; all state changes and notifications happen inside Pump on
// the caller's goroutine.
package session

import (
	"context"
	"errors"
	"io"

	"github.com/1ureka/btcomms/internal/commserr"
	"github.com/1ureka/btcomms/internal/protocol"
	"github.com/1ureka/btcomms/internal/queue"
	"github.com/1ureka/btcomms/internal/transport"
	"github.com/1ureka/btcomms/internal/util"
)

// Options configures a Session.
type Options struct {
	GameID      uint32
	DeviceName  string
	NetworkHost string
	NetworkPort int
	QueueSize   int // per destination, queue.DefaultCapacity when zero
	Notifier    Notifier

	Selector transport.Selector // client: picks the host device
	Dialer   transport.Dialer   // client: reaches the selected device
	Listener transport.Listener // host: accepts client connections
}

type accepted struct {
	stream io.ReadWriteCloser
	dev    transport.Device
}

type selection struct {
	dev transport.Device
	err error
}

// Session is not safe for concurrent use. Every method, Pump included, must
// be called from the same goroutine.
type Session struct {
	opts   Options
	notify Notifier

	role        Role // committed once a handshake completes
	pendingRole Role // chosen by StartHost or StartClient
	gameState   GameState

	startPlayers int
	minPlayers   int
	gameStarted  bool
	hostContinue bool
	forceCheck   bool // apply the player count rule even while Paused
	closing      bool // controls are flushing before teardown

	host    *peer                      // client side
	clients [protocol.MaxPlayers]*peer // host side, indexed by slot
	pending []*peer                    // host side, not yet registered

	hostDevice transport.Device
	queues     *queue.Set

	ctx        context.Context
	cancel     context.CancelFunc
	accepts    chan accepted
	selections chan selection
	selecting  bool

	inPump   bool
	deferred []func()
}

// New creates an idle Session.
func New(opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = queue.DefaultCapacity
	}
	next := opts.Notifier
	if next == nil {
		next = NopNotifier{}
	}
	return &Session{
		opts:   opts,
		notify: loggingNotifier{next: next, name: opts.DeviceName},
		queues: queue.NewSet(opts.QueueSize),
		ctx:    context.Background(),
		cancel: func() {},
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// ConnectionRole returns the committed role; Idle until a handshake
// completes or the host starts the game.
func (s *Session) ConnectionRole() Role { return s.role }

func (s *Session) GameState() GameState { return s.gameState }

func (s *Session) LocalDeviceName() string { return s.opts.DeviceName }

// IsShowingDeviceSelectDlg reports whether device selection is in progress.
func (s *Session) IsShowingDeviceSelectDlg() bool { return s.selecting }

// ConnectState reports the transport state. On the host it is Connected
// while at least one client is registered.
func (s *Session) ConnectState() ConnectState {
	switch s.pendingRole {
	case RoleHost:
		if s.readyCount() > 0 {
			return Connected
		}
		if len(s.pending) > 0 {
			return Connecting
		}
	case RoleClient:
		if s.selecting {
			return Connecting
		}
		p := s.host
		if p == nil || p.lost || p.closed {
			return NotConnected
		}
		if p.ready {
			return Connected
		}
		return Connecting
	}
	return NotConnected
}

// HandshakeState returns the handshake progress with the host on a client.
// On the host it is Active once any client is registered.
func (s *Session) HandshakeState() HandshakeState {
	if s.host != nil {
		return s.host.hs
	}
	if s.readyCount() > 0 {
		return HandshakeActive
	}
	return HandshakeInit
}

// ConnectedClients returns the slots of registered clients in order.
func (s *Session) ConnectedClients() []uint16 {
	var ids []uint16
	for _, p := range s.clients {
		if p != nil && p.ready && !p.lost {
			ids = append(ids, p.slot)
		}
	}
	return ids
}

// ClientName returns the device name announced by client id.
func (s *Session) ClientName(id uint16) string {
	if int(id) >= len(s.clients) || s.clients[id] == nil {
		return ""
	}
	return s.clients[id].name()
}

// ---------------------------------------------------------------------------
// Pump
// ---------------------------------------------------------------------------

// Pump applies completed transport operations, advances handshakes and
// writes at most one queued item per connection. Notifications are
// delivered from here.
func (s *Session) Pump() {
	s.inPump = true
	defer func() { s.inPump = false }()

	ops := s.deferred
	s.deferred = nil
	for _, op := range ops {
		op()
	}

	s.drainSelections()
	s.drainAccepts()

	for _, p := range s.peers() {
		s.pollPeer(p)
	}
	for _, p := range s.peers() {
		s.stepHandshake(p)
	}

	if s.pendingRole == RoleHost {
		s.checkStart()
		s.checkBarrier()
		s.checkEnough(s.forceCheck)
		s.forceCheck = false
	}

	for _, p := range s.peers() {
		s.sendControl(p)
	}
	s.sendFrames()
	s.flushClosing()

	util.Stats.SetPending(s.queues.Pending())
}

// later runs op now, or on the next Pump when called from a notification.
func (s *Session) later(op func()) error {
	if s.inPump {
		s.deferred = append(s.deferred, op)
		return nil
	}
	op()
	return nil
}

// peers returns a snapshot of every live connection.
func (s *Session) peers() []*peer {
	var out []*peer
	if s.host != nil {
		out = append(out, s.host)
	}
	for _, p := range s.clients {
		if p != nil {
			out = append(out, p)
		}
	}
	return append(out, s.pending...)
}

func (s *Session) pollPeer(p *peer) {
	for _, ev := range p.link.Poll() {
		if p.closed || p.lost {
			return
		}
		switch ev.Kind {
		case transport.EventConnected:
			util.LogInfo("connected to %s", p.link.Device())
			s.arm(p)
		case transport.EventConnectFailed:
			s.onConnectFailed(p, ev.Err)
		case transport.EventReceived:
			s.onReceived(p, ev.Data)
			if !p.closed && !p.lost {
				s.arm(p)
			}
		case transport.EventSendFailed, transport.EventReceiveFailed:
			// The link closes its stream and reports the outcome next.
			util.LogDebug("link to %s failed: %v", p.name(), ev.Err)
		case transport.EventDisconnected, transport.EventShutdownFailed:
			s.onLinkLost(p, ev.Err)
		}
	}
}

func (s *Session) arm(p *peer) {
	if err := p.link.Receive(); err != nil && !errors.Is(err, commserr.ErrBusy) {
		util.LogDebug("receive on %s: %v", p.name(), err)
	}
}

func (s *Session) onReceived(p *peer, data []byte) {
	for _, msg := range p.dec.Feed(data) {
		if p.closed || p.lost {
			return
		}
		switch msg.Kind {
		case protocol.KindFrame:
			s.onFrame(p, msg.Frame)
		case protocol.KindLine:
			s.onLine(p, msg.Line)
		}
	}
}

func (s *Session) onFrame(p *peer, f protocol.Frame) {
	if !p.registered {
		util.LogWarning("frame from %s before registration dropped", p.name())
		return
	}
	util.Stats.AddFrameRecv()
	if s.pendingRole == RoleHost {
		s.notify.ReceiveDataFromClient(p.slot, f.Payload)
		return
	}
	s.notify.ReceiveDataFromHost(f.Payload)
}

func (s *Session) onLine(p *peer, raw []byte) {
	line, err := protocol.ParseLine(raw)
	if err != nil {
		util.LogWarning("ignoring line from %s: %v", p.name(), err)
		return
	}

	switch line.Kind {
	case protocol.LineGameID:
		p.remote.gameID = line.GameID
		p.remote.hasGameID = true
		if line.GameID != s.opts.GameID {
			s.reject(p, commserr.New(commserr.CodeIncompatibleGame,
				"remote game id does not match"))
		}
	case protocol.LineDeviceName:
		p.remote.deviceName = line.DeviceName
	case protocol.LineNetwork:
		p.remote.host, p.remote.port = line.Host, line.Port
	case protocol.LineRole:
		s.onRemoteRole(p, line.Role)
	case protocol.LineControl:
		if !p.registered {
			util.LogWarning("control %s from %s before registration ignored", line.Control, p.name())
			return
		}
		if s.pendingRole == RoleHost {
			s.onClientControl(p, line.Control)
		} else {
			s.onHostControl(line.Control)
		}
	}
}

func (s *Session) onRemoteRole(p *peer, role byte) {
	if !p.remote.hasGameID {
		s.reject(p, commserr.New(commserr.CodeIncompatibleGame, "role announced before game id"))
		return
	}
	p.remote.role = role

	switch s.pendingRole {
	case RoleClient:
		if role != protocol.RoleHost {
			s.reject(p, commserr.ErrNotCommsHost)
			return
		}
		p.registered = true
	case RoleHost:
		if role != protocol.RoleClient {
			s.reject(p, commserr.New(commserr.CodeInvalidState, "remote device is also a host"))
			return
		}
		if !s.registerClient(p) {
			return
		}
	}
	util.LogDebug("%s registered (game 0x%08X, net %s:%d)", p.name(), p.remote.gameID, p.remote.host, p.remote.port)
	s.checkReady(p)
}

// reject drops a connection whose remote side failed validation.
func (s *Session) reject(p *peer, err error) {
	util.LogWarning("rejecting %s: %v", p.name(), err)
	if s.pendingRole == RoleHost {
		slot, name := p.slot, p.name()
		s.removePeer(p)
		s.notify.ClientConnected(slot, name, err)
		return
	}
	if s.gameState == Paused {
		// A rejected reconnect can be retried.
		s.markLost(p)
		s.notify.HostConnected(err)
		return
	}
	s.reset()
	s.notify.HostConnected(err)
}

// checkReady announces a connection once both handshake directions are done.
func (s *Session) checkReady(p *peer) {
	if p.ready || p.closed || !p.registered || p.hs != HandshakeActive {
		return
	}
	p.ready = true
	s.role = s.pendingRole

	if s.pendingRole == RoleHost {
		s.clientReady(p)
		return
	}
	util.LogSuccess("connected to host %s", p.name())
	s.notify.HostConnected(nil)
}

func (s *Session) record() HandshakeRecord {
	role := protocol.RoleClient
	if s.pendingRole == RoleHost {
		role = protocol.RoleHost
	}
	return HandshakeRecord{
		GameID:      s.opts.GameID,
		DeviceName:  s.opts.DeviceName,
		NetworkHost: s.opts.NetworkHost,
		NetworkPort: s.opts.NetworkPort,
		Role:        role,
	}
}

func (s *Session) stepHandshake(p *peer) {
	if p.closed || p.lost || p.hs == HandshakeActive {
		return
	}
	if st := p.link.State(); st != transport.StateConnecting && st != transport.StateConnected {
		return
	}

	next, line := p.hs.Step(p.link.IsSendReady(), s.record())
	if line != nil {
		if err := p.link.Send(line); err != nil {
			util.LogWarning("handshake with %s: %v", p.name(), err)
			return
		}
	}
	p.hs = next
	if next == HandshakeActive {
		s.checkReady(p)
	}
}

func (s *Session) sendControl(p *peer) {
	if p.closed || p.lost || p.hs != HandshakeActive || p.control.Len() == 0 || !p.link.IsSendReady() {
		return
	}
	c, _ := p.control.Pop()
	if err := p.link.Send(protocol.ControlLine(c)); err != nil {
		util.LogWarning("control %s to %s: %v", c, p.name(), err)
	}
}

func (s *Session) sendFrames() {
	for {
		f, ok := s.queues.Next(s.destReady)
		if !ok {
			return
		}
		s.transmit(f)
	}
}

func (s *Session) destReady(dest protocol.Destination) bool {
	switch {
	case dest == protocol.DestHost:
		return s.host != nil && s.host.active() && s.host.link.IsSendReady()
	case dest.IsClient():
		p := s.clients[dest.ClientID()]
		return p != nil && p.active() && p.link.IsSendReady()
	case dest.IsBroadcast():
		n := 0
		for _, p := range s.clients {
			if p == nil || !p.active() {
				continue
			}
			if !p.link.IsSendReady() {
				return false
			}
			n++
		}
		return n > 0
	}
	return false
}

func (s *Session) transmit(f protocol.Frame) {
	data, err := protocol.Encode(&f)
	if err != nil {
		util.LogError("encode frame for %s: %v", f.Dest, err)
		return
	}

	var targets []*peer
	switch {
	case f.Dest == protocol.DestHost:
		targets = append(targets, s.host)
	case f.Dest.IsClient():
		targets = append(targets, s.clients[f.Dest.ClientID()])
	default:
		for _, p := range s.clients {
			if p != nil && p.active() {
				targets = append(targets, p)
			}
		}
	}

	for _, p := range targets {
		if err := p.link.Send(data); err != nil {
			util.LogWarning("send to %s: %v", p.name(), err)
			continue
		}
		util.Stats.AddFrameSent()
	}
}

// flushClosing removes connections whose final control has been written and
// completes teardown once none remain.
func (s *Session) flushClosing() {
	for _, p := range s.peers() {
		if p.closed || !p.closeAfterFlush {
			continue
		}
		if p.control.Len() == 0 && (p.link.IsSendReady() || !p.link.IsConnected()) {
			s.removePeer(p)
		}
	}
	if s.closing && len(s.peers()) == 0 {
		s.reset()
	}
}

// ---------------------------------------------------------------------------
// Connection loss and teardown
// ---------------------------------------------------------------------------

func (s *Session) onLinkLost(p *peer, err error) {
	if p.closeAfterFlush || s.closing {
		s.removePeer(p)
		return
	}
	if s.pendingRole == RoleHost {
		s.onClientLost(p, err)
		return
	}
	s.onHostLost(p, err)
}

func (s *Session) onHostLost(p *peer, err error) {
	if s.gameState == Paused {
		// Only a started game pauses, so a connection that never became
		// ready here is a reconnect attempt.
		wasReady := p.ready
		util.LogWarning("lost host while paused: %v", err)
		s.markLost(p)
		s.queues.Reset()
		if wasReady {
			s.notify.HostDisconnected(err)
		} else {
			s.notify.HostConnected(err)
		}
		return
	}

	wasReady := p.ready
	s.reset()
	if wasReady {
		s.notify.HostDisconnected(err)
		return
	}
	s.notify.HostConnected(err)
}

func (s *Session) onConnectFailed(p *peer, err error) {
	util.LogWarning("connect to %s failed: %v", p.link.Device(), err)
	if s.gameState == Paused {
		p.lost = true
		s.notify.HostConnected(err)
		return
	}
	s.reset()
	s.notify.HostConnected(err)
}

// markLost closes the link but keeps the peer in place for a reconnect.
func (s *Session) markLost(p *peer) {
	p.closeLink()
	p.lost = true
	p.continueRequested = false
	p.control.Reset()
}

// removePeer closes p and releases its slot and queue.
func (s *Session) removePeer(p *peer) {
	p.shutdown()
	if s.host == p {
		s.host = nil
	}
	if p.slot > 0 && s.clients[p.slot] == p {
		s.clients[p.slot] = nil
		s.queues.Drop(protocol.Client(p.slot))
	}
	for i, q := range s.pending {
		if q == p {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
}

// sendAndClose queues a final control for p and closes it once written.
// Connections that cannot carry a control are closed at once.
func (s *Session) sendAndClose(p *peer, c protocol.Control) {
	if p.lost || !p.ready || !p.link.IsConnected() {
		s.removePeer(p)
		return
	}
	p.pushControl(c)
	p.closeAfterFlush = true
}

// beginClose sends c to every connection and tears the session down once
// the controls are written.
func (s *Session) beginClose(c protocol.Control) {
	s.closing = true
	s.gameState = GameOver
	for _, p := range s.peers() {
		s.sendAndClose(p, c)
	}
	if len(s.peers()) == 0 {
		s.reset()
	}
}

// reset closes every connection and returns the session to Idle.
func (s *Session) reset() {
	for _, p := range s.peers() {
		if !p.closed {
			p.shutdown()
		}
	}
	s.cancel()
	s.ctx, s.cancel = context.Background(), func() {}
	s.accepts, s.selections = nil, nil

	s.host = nil
	s.clients = [protocol.MaxPlayers]*peer{}
	s.pending = nil
	s.queues.Reset()

	s.role, s.pendingRole = RoleIdle, RoleIdle
	s.gameState = GameOver
	s.gameStarted = false
	s.hostContinue = false
	s.forceCheck = false
	s.closing = false
	s.selecting = false
	s.hostDevice = transport.Device{}
	util.Stats.SetPending(0)
}

// begin prepares a fresh session for role.
func (s *Session) begin(role Role) {
	s.pendingRole = role
	s.gameState = GameOver
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.accepts = make(chan accepted, protocol.MaxPlayers-1)
	s.selections = make(chan selection, 1)
}

// ---------------------------------------------------------------------------
// Game flow operations shared by both roles
// ---------------------------------------------------------------------------

func (s *Session) checkGameState(op string) error {
	switch s.gameState {
	case Paused:
		return commserr.ErrGamePaused.WithOp(op)
	case GameOver:
		return commserr.ErrGameOver.WithOp(op)
	}
	return nil
}

func (s *Session) enqueue(op string, dest protocol.Destination, data []byte) error {
	if err := protocol.CheckPayload(data); err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	if err := s.queues.Enqueue(protocol.Frame{Dest: dest, Payload: payload}); err != nil {
		if errors.Is(err, commserr.ErrQueueFull) {
			util.Stats.AddQueueFull()
			return commserr.ErrQueueFull.WithOp(op)
		}
		return err
	}
	util.Stats.SetPending(s.queues.Pending())
	return nil
}

func (s *Session) enterPause() {
	s.gameState = Paused
	s.hostContinue = false
	for _, p := range s.clients {
		if p != nil {
			p.continueRequested = false
		}
	}
}

// PauseMultiPlayerGame pauses the game on every device.
func (s *Session) PauseMultiPlayerGame() error {
	const op = "PauseMultiPlayerGame"
	if s.pendingRole == RoleIdle {
		return commserr.ErrInvalidState.WithOp(op)
	}
	if err := s.checkGameState(op); err != nil {
		return err
	}

	if s.pendingRole == RoleHost {
		s.enterPause()
		for _, p := range s.clients {
			if p != nil && p.active() {
				p.pushControl(protocol.CtlPause)
			}
		}
		return nil
	}

	if s.host == nil || !s.host.active() {
		return commserr.ErrNotConnected.WithOp(op)
	}
	s.enterPause()
	s.host.pushControl(protocol.CtlPause)
	return nil
}

// ContinueMultiPlayerGame requests the end of a pause. The game resumes on
// every device once the host and every connected client have asked for it.
// On the host it returns ErrClientNotReady while a lost client holds a slot.
func (s *Session) ContinueMultiPlayerGame() error {
	const op = "ContinueMultiPlayerGame"
	if s.pendingRole == RoleIdle {
		return commserr.ErrInvalidState.WithOp(op)
	}
	switch s.gameState {
	case GameOver:
		return commserr.ErrGameOver.WithOp(op)
	case Playing:
		return commserr.New(commserr.CodeInvalidState, "game is not paused").WithOp(op)
	}

	if s.pendingRole == RoleHost {
		s.hostContinue = true
		if s.lostCount() > 0 {
			return commserr.ErrClientNotReady.WithOp(op)
		}
		return nil
	}

	if s.host == nil || !s.host.active() {
		return commserr.ErrNotConnected.WithOp(op)
	}
	s.host.pushControl(protocol.CtlContinue)
	return nil
}

// EndMultiPlayerGame ends the game. On the host every client is told to quit
// and is disconnected; on a client the host is told and the client leaves.
func (s *Session) EndMultiPlayerGame() error {
	const op = "EndMultiPlayerGame"
	if s.pendingRole == RoleIdle {
		return commserr.ErrInvalidState.WithOp(op)
	}
	return s.later(func() {
		if s.pendingRole == RoleIdle || s.closing {
			return
		}
		util.LogInfo("ending game")
		if s.pendingRole == RoleHost {
			s.beginClose(protocol.CtlHostQuit)
			return
		}
		s.beginClose(protocol.CtlEnded)
	})
}

// Disconnect leaves the session, telling every connected device first.
func (s *Session) Disconnect() error {
	const op = "Disconnect"
	if s.pendingRole == RoleIdle {
		return commserr.ErrNotConnected.WithOp(op)
	}
	return s.later(func() {
		if s.pendingRole == RoleIdle || s.closing {
			return
		}
		util.LogInfo("disconnecting")
		s.beginClose(protocol.CtlDisconnect)
	})
}

// Reconnect restores connections lost while the game was paused. A client
// redials the host. On the host, mustReconnectToAll keeps lost slots
// reserved and returns ErrClientNotReady until every lost client has
// registered again; otherwise lost slots are released.
func (s *Session) Reconnect(mustReconnectToAll bool) error {
	const op = "Reconnect"
	switch s.pendingRole {
	case RoleClient:
		p := s.host
		if p == nil || s.gameState != Paused {
			return commserr.ErrInvalidState.WithOp(op)
		}
		if !p.lost {
			if p.link.State() == transport.StateConnecting || !p.ready {
				return commserr.ErrBusy.WithOp(op)
			}
			return commserr.ErrInvalidState.WithOp(op)
		}
		return s.later(s.redial)

	case RoleHost:
		if s.lostCount() == 0 {
			return nil
		}
		if mustReconnectToAll {
			return commserr.ErrClientNotReady.WithOp(op)
		}
		return s.later(func() {
			for _, p := range s.clients {
				if p != nil && p.lost {
					util.LogInfo("releasing slot %d of %s", p.slot, p.name())
					s.removePeer(p)
				}
			}
			s.forceCheck = true
		})
	}
	return commserr.ErrInvalidState.WithOp(op)
}
