package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/btcomms/internal/commserr"
	"github.com/1ureka/btcomms/internal/protocol"
	"github.com/1ureka/btcomms/internal/transport"
)

const testGameID uint32 = 0xB7C0FFEE

// ---------------------------------------------------------------------------
// Test network: every Dial hands the far end of a net.Pipe to Accept.
// ---------------------------------------------------------------------------

type pipeNet struct {
	conns      chan net.Conn
	stuckClose bool // accepted streams fail to close

	mu     sync.Mutex
	dialed []net.Conn // client ends, in dial order
}

func newPipeNet() *pipeNet {
	return &pipeNet{conns: make(chan net.Conn, 8)}
}

func (n *pipeNet) Dial(ctx context.Context, _ transport.Device) (io.ReadWriteCloser, error) {
	local, remote := net.Pipe()
	select {
	case n.conns <- remote:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	n.mu.Lock()
	n.dialed = append(n.dialed, local)
	n.mu.Unlock()
	return local, nil
}

func (n *pipeNet) Accept(ctx context.Context) (io.ReadWriteCloser, transport.Device, error) {
	select {
	case c := <-n.conns:
		if n.stuckClose {
			return stuckCloser{c}, transport.Device{Address: "pipe"}, nil
		}
		return c, transport.Device{Address: "pipe"}, nil
	case <-ctx.Done():
		return nil, transport.Device{}, ctx.Err()
	}
}

func (n *pipeNet) Close() error { return nil }

// dropClient closes the client end of the i-th dialed connection.
func (n *pipeNet) dropClient(i int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dialed[i].Close()
}

func (n *pipeNet) dialCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.dialed)
}

// connectScripted connects a client to the host that plays back lines.
func (n *pipeNet) connectScripted(lines ...[]byte) {
	local, remote := net.Pipe()
	n.conns <- remote
	runScript(local, lines)
}

// runScript writes lines to conn and discards whatever the other side sends.
func runScript(conn net.Conn, lines [][]byte) {
	go io.Copy(io.Discard, conn)
	go func() {
		for _, line := range lines {
			if _, err := conn.Write(line); err != nil {
				return
			}
		}
	}()
}

// scriptedHost is a Dialer whose remote end plays back fixed lines.
type scriptedHost [][]byte

func (h scriptedHost) Dial(context.Context, transport.Device) (io.ReadWriteCloser, error) {
	local, remote := net.Pipe()
	runScript(remote, h)
	return local, nil
}

type stuckCloser struct{ net.Conn }

func (stuckCloser) Close() error { return errors.New("device busy") }

type failingDialer struct{}

func (failingDialer) Dial(context.Context, transport.Device) (io.ReadWriteCloser, error) {
	return nil, errors.New("no route to device")
}

// ---------------------------------------------------------------------------
// Recording notifier
// ---------------------------------------------------------------------------

func codeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return commserr.CodeOf(err).String()
}

type recorder struct {
	events     []string
	fromHost   []string
	fromClient []string
	hook       func(ev string)
}

func (r *recorder) add(format string, args ...any) {
	ev := fmt.Sprintf(format, args...)
	r.events = append(r.events, ev)
	if r.hook != nil {
		r.hook(ev)
	}
}

func (r *recorder) has(ev string) bool { return slices.Contains(r.events, ev) }

func (r *recorder) ClientConnected(id uint16, name string, err error) {
	r.add("ClientConnected(%d,%s,%s)", id, name, codeOf(err))
}
func (r *recorder) HostSelected(err error)         { r.add("HostSelected(%s)", codeOf(err)) }
func (r *recorder) HostConnected(err error)        { r.add("HostConnected(%s)", codeOf(err)) }
func (r *recorder) StartMultiPlayerGame(err error) { r.add("Start(%s)", codeOf(err)) }
func (r *recorder) ContinueMultiPlayerGame()       { r.add("Continue") }
func (r *recorder) PauseMultiPlayerGame()          { r.add("Pause") }
func (r *recorder) EndMultiPlayerGame(reason error) {
	r.add("End(%s)", codeOf(reason))
}
func (r *recorder) ConnectedClientEndedGame(id uint16) { r.add("ClientEnded(%d)", id) }
func (r *recorder) ClientDisconnected(id uint16, err error) {
	r.add("ClientDisconnected(%d,%s)", id, codeOf(err))
}
func (r *recorder) HostDisconnected(err error) { r.add("HostDisconnected(%s)", codeOf(err)) }
func (r *recorder) ReceiveDataFromClient(id uint16, data []byte) {
	r.fromClient = append(r.fromClient, fmt.Sprintf("%d:%s", id, data))
}
func (r *recorder) ReceiveDataFromHost(data []byte) {
	r.fromHost = append(r.fromHost, string(data))
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type node struct {
	s   *Session
	rec *recorder
}

func newNode(name string, opts Options) *node {
	rec := &recorder{}
	if opts.GameID == 0 {
		opts.GameID = testGameID
	}
	opts.DeviceName = name
	opts.NetworkHost = "localhost"
	opts.NetworkPort = 8889
	opts.Notifier = rec
	return &node{s: New(opts), rec: rec}
}

func newHostNode(n *pipeNet) *node {
	return newNode("host", Options{Listener: n})
}

func newClientNode(n *pipeNet, name string) *node {
	return newNode(name, Options{
		Selector: transport.StaticSelector{Address: "pipe", Name: "host"},
		Dialer:   n,
	})
}

func pumpUntil(t *testing.T, cond func() bool, nodes ...*node) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			n.s.Pump()
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

// pumpFor pumps the nodes for a short while without a goal.
func pumpFor(nodes ...*node) {
	for i := 0; i < 30; i++ {
		for _, n := range nodes {
			n.s.Pump()
		}
		time.Sleep(time.Millisecond)
	}
}

// joinClient starts c and pumps until it is registered with host.
func joinClient(t *testing.T, host, c *node, others ...*node) {
	t.Helper()
	require.NoError(t, c.s.StartClient())
	all := append([]*node{host, c}, others...)
	pumpUntil(t, func() bool { return c.rec.has("HostConnected(ok)") }, all...)
}

// startGame hosts a game and joins the named clients one after the other,
// so slot i+1 belongs to names[i].
func startGame(t *testing.T, start, minimum int, names ...string) (*pipeNet, *node, []*node) {
	t.Helper()
	n := newPipeNet()
	host := newHostNode(n)
	require.NoError(t, host.s.StartHost(start, minimum))

	var clients []*node
	for _, name := range names {
		c := newClientNode(n, name)
		joinClient(t, host, c, clients...)
		clients = append(clients, c)
	}
	all := append([]*node{host}, clients...)
	pumpUntil(t, func() bool {
		for _, c := range all {
			if c.s.GameState() != Playing {
				return false
			}
		}
		return true
	}, all...)
	return n, host, clients
}

func allNodes(host *node, clients []*node) []*node {
	return append([]*node{host}, clients...)
}

// ---------------------------------------------------------------------------
// Connection and game start
// ---------------------------------------------------------------------------

func TestSession_HostAndClientStartGame(t *testing.T) {
	_, host, clients := startGame(t, 2, 2, "alice")
	alice := clients[0]

	assert.Equal(t, RoleHost, host.s.ConnectionRole())
	assert.Equal(t, RoleClient, alice.s.ConnectionRole())
	assert.Equal(t, Connected, host.s.ConnectState())
	assert.Equal(t, Connected, alice.s.ConnectState())
	assert.Equal(t, HandshakeActive, alice.s.HandshakeState())
	assert.Equal(t, []uint16{1}, host.s.ConnectedClients())
	assert.Equal(t, "alice", host.s.ClientName(1))
	assert.Equal(t, "alice", alice.s.LocalDeviceName())

	assert.Equal(t, []string{"ClientConnected(1,alice,ok)", "Start(ok)"}, host.rec.events)
	assert.Equal(t, []string{"HostSelected(ok)", "HostConnected(ok)", "Start(ok)"}, alice.rec.events)
}

func TestSession_GameWaitsForStartPlayers(t *testing.T) {
	n := newPipeNet()
	host := newHostNode(n)
	require.NoError(t, host.s.StartHost(3, 2))

	alice := newClientNode(n, "alice")
	joinClient(t, host, alice)
	pumpFor(host, alice)

	assert.Equal(t, GameOver, host.s.GameState())
	assert.Equal(t, []string{"ClientConnected(1,alice,ok)"}, host.rec.events)

	bob := newClientNode(n, "bob")
	joinClient(t, host, bob, alice)
	pumpUntil(t, func() bool {
		return alice.s.GameState() == Playing && bob.s.GameState() == Playing
	}, host, alice, bob)

	assert.Equal(t, []string{
		"ClientConnected(1,alice,ok)",
		"ClientConnected(2,bob,ok)",
		"Start(ok)",
	}, host.rec.events)
	assert.Equal(t, []uint16{1, 2}, host.s.ConnectedClients())
}

func TestSession_ExchangeData(t *testing.T) {
	_, host, clients := startGame(t, 3, 2, "alice", "bob")
	alice, bob := clients[0], clients[1]
	nodes := allNodes(host, clients)

	require.NoError(t, host.s.SendDataToClient(2, []byte("to bob")))
	require.NoError(t, host.s.SendDataToAllClients([]byte("to all")))
	require.NoError(t, alice.s.SendDataToHost([]byte("from alice")))
	require.NoError(t, alice.s.SendDataToHost(make([]byte, protocol.MaxPayloadSize)))

	pumpUntil(t, func() bool {
		return len(bob.rec.fromHost) == 2 && len(alice.rec.fromHost) == 1 && len(host.rec.fromClient) == 2
	}, nodes...)

	assert.Equal(t, []string{"to bob", "to all"}, bob.rec.fromHost)
	assert.Equal(t, []string{"to all"}, alice.rec.fromHost)
	assert.Equal(t, "1:from alice", host.rec.fromClient[0])
}

func TestSession_BroadcastUnderSustainedClientTraffic(t *testing.T) {
	_, host, clients := startGame(t, 3, 2, "alice", "bob")
	alice, bob := clients[0], clients[1]

	flood := func() {
		for _, id := range []uint16{1, 2} {
			for host.s.SendDataToClient(id, []byte("tick")) == nil {
			}
		}
	}
	flood()
	require.NoError(t, host.s.SendDataToAllClients([]byte("to all")))

	pumpUntil(t, func() bool {
		flood()
		return slices.Contains(alice.rec.fromHost, "to all") && slices.Contains(bob.rec.fromHost, "to all")
	}, allNodes(host, clients)...)
}

// ---------------------------------------------------------------------------
// Send legality
// ---------------------------------------------------------------------------

func TestSession_SendLegality(t *testing.T) {
	idle := newNode("idle", Options{})
	assert.ErrorIs(t, idle.s.SendDataToHost([]byte("x")), commserr.ErrInvalidState)
	assert.ErrorIs(t, idle.s.SendDataToAllClients([]byte("x")), commserr.ErrInvalidState)

	n := newPipeNet()
	host := newHostNode(n)
	require.NoError(t, host.s.StartHost(2, 2))
	assert.ErrorIs(t, host.s.SendDataToAllClients([]byte("x")), commserr.ErrGameOver, "before the game starts")
	assert.ErrorIs(t, host.s.SendDataToHost([]byte("x")), commserr.ErrInvalidState, "wrong role")

	alice := newClientNode(n, "alice")
	joinClient(t, host, alice)
	pumpUntil(t, func() bool { return host.s.GameState() == Playing }, host, alice)

	assert.ErrorIs(t, host.s.SendDataToClient(0, []byte("x")), commserr.ErrInvalidState)
	assert.ErrorIs(t, host.s.SendDataToClient(protocol.MaxPlayers, []byte("x")), commserr.ErrInvalidState)
	assert.ErrorIs(t, host.s.SendDataToClient(2, []byte("x")), commserr.ErrNotConnected)
	assert.ErrorIs(t, alice.s.SendDataToClient(1, []byte("x")), commserr.ErrInvalidState)
}

func TestSession_MessageTooLarge(t *testing.T) {
	_, host, clients := startGame(t, 2, 2, "alice")
	alice := clients[0]

	err := alice.s.SendDataToHost(make([]byte, 600))
	assert.ErrorIs(t, err, commserr.ErrMessageTooLarge)
	assert.ErrorIs(t, host.s.SendDataToClient(1, make([]byte, protocol.MaxPayloadSize+1)), commserr.ErrMessageTooLarge)
	assert.NoError(t, alice.s.SendDataToHost(make([]byte, protocol.MaxPayloadSize)))
}

func TestSession_QueueFull(t *testing.T) {
	n := newPipeNet()
	host := newHostNode(n)
	require.NoError(t, host.s.StartHost(2, 2))

	alice := newNode("alice", Options{
		Selector:  transport.StaticSelector{Address: "pipe"},
		Dialer:    n,
		QueueSize: 2,
	})
	joinClient(t, host, alice)
	pumpUntil(t, func() bool { return alice.s.GameState() == Playing }, host, alice)

	require.NoError(t, alice.s.SendDataToHost([]byte("1")))
	require.NoError(t, alice.s.SendDataToHost([]byte("2")))
	assert.ErrorIs(t, alice.s.SendDataToHost([]byte("3")), commserr.ErrQueueFull)

	pumpUntil(t, func() bool { return len(host.rec.fromClient) == 2 }, host, alice)
	assert.Equal(t, []string{"1:1", "1:2"}, host.rec.fromClient)
}

// ---------------------------------------------------------------------------
// Pause and continue
// ---------------------------------------------------------------------------

func TestSession_PauseAndContinueBarrier(t *testing.T) {
	_, host, clients := startGame(t, 3, 2, "alice", "bob")
	alice, bob := clients[0], clients[1]
	nodes := allNodes(host, clients)

	require.NoError(t, alice.s.PauseMultiPlayerGame())
	assert.Equal(t, Paused, alice.s.GameState())
	assert.ErrorIs(t, alice.s.PauseMultiPlayerGame(), commserr.ErrGamePaused)

	pumpUntil(t, func() bool {
		return host.s.GameState() == Paused && bob.s.GameState() == Paused
	}, nodes...)
	assert.True(t, host.rec.has("Pause"))
	assert.True(t, bob.rec.has("Pause"))
	assert.False(t, alice.rec.has("Pause"), "the pausing device is not notified")

	assert.ErrorIs(t, bob.s.SendDataToHost([]byte("x")), commserr.ErrGamePaused)
	assert.ErrorIs(t, host.s.SendDataToAllClients([]byte("x")), commserr.ErrGamePaused)

	require.NoError(t, host.s.ContinueMultiPlayerGame())
	require.NoError(t, alice.s.ContinueMultiPlayerGame())
	pumpFor(nodes...)
	assert.Equal(t, Paused, host.s.GameState(), "bob has not asked to continue")

	require.NoError(t, bob.s.ContinueMultiPlayerGame())
	pumpUntil(t, func() bool {
		for _, n := range nodes {
			if n.s.GameState() != Playing {
				return false
			}
		}
		return true
	}, nodes...)

	for _, n := range nodes {
		assert.True(t, n.rec.has("Continue"), n.s.LocalDeviceName())
	}
}

func TestSession_ContinueRequiresPause(t *testing.T) {
	_, host, _ := startGame(t, 2, 2, "alice")
	assert.ErrorIs(t, host.s.ContinueMultiPlayerGame(), commserr.ErrInvalidState)
}

// ---------------------------------------------------------------------------
// Ending and leaving
// ---------------------------------------------------------------------------

func TestSession_HostEndsGame(t *testing.T) {
	_, host, clients := startGame(t, 3, 2, "alice", "bob")
	nodes := allNodes(host, clients)

	require.NoError(t, host.s.EndMultiPlayerGame())
	pumpUntil(t, func() bool {
		for _, n := range nodes {
			if n.s.ConnectionRole() != RoleIdle {
				return false
			}
		}
		return true
	}, nodes...)

	for _, c := range clients {
		assert.True(t, c.rec.has("End(HOST_QUIT)"), c.s.LocalDeviceName())
		assert.Equal(t, GameOver, c.s.GameState())
	}
	assert.False(t, host.rec.has("End(HOST_QUIT)"))
}

func TestSession_ClientEndsGame(t *testing.T) {
	_, host, clients := startGame(t, 2, 1, "alice")
	alice := clients[0]

	require.NoError(t, alice.s.EndMultiPlayerGame())
	pumpUntil(t, func() bool {
		return host.rec.has("ClientEnded(1)") && alice.s.ConnectionRole() == RoleIdle
	}, host, alice)

	pumpFor(host, alice)
	assert.Equal(t, Playing, host.s.GameState(), "one player still satisfies the minimum")
	assert.Empty(t, host.s.ConnectedClients())
}

func TestSession_NotEnoughPlayersAfterLinkLoss(t *testing.T) {
	n, host, clients := startGame(t, 3, 3, "alice", "bob")
	alice, bob := clients[0], clients[1]
	nodes := allNodes(host, clients)

	n.dropClient(1)
	pumpUntil(t, func() bool {
		return host.s.ConnectionRole() == RoleIdle && alice.s.ConnectionRole() == RoleIdle
	}, nodes...)

	assert.True(t, host.rec.has("ClientDisconnected(2,DISCONNECTED_UNEXPECTEDLY)"))
	assert.True(t, host.rec.has("End(NOT_ENOUGH_PLAYERS)"))
	assert.True(t, alice.rec.has("End(NOT_ENOUGH_PLAYERS)"))
	assert.True(t, bob.rec.has("HostDisconnected(DISCONNECTED_UNEXPECTEDLY)"))
}

func TestSession_ClientDisconnectNotifiesHost(t *testing.T) {
	_, host, clients := startGame(t, 3, 2, "alice", "bob")
	bob := clients[1]
	nodes := allNodes(host, clients)

	require.NoError(t, bob.s.Disconnect())
	pumpUntil(t, func() bool { return host.rec.has("ClientDisconnected(2,ok)") }, nodes...)

	pumpFor(nodes...)
	assert.Equal(t, RoleIdle, bob.s.ConnectionRole())
	assert.Equal(t, Playing, host.s.GameState())
	assert.Equal(t, []uint16{1}, host.s.ConnectedClients())
}

func TestSession_HostDisconnect(t *testing.T) {
	_, host, clients := startGame(t, 2, 2, "alice")
	alice := clients[0]

	require.NoError(t, host.s.Disconnect())
	pumpUntil(t, func() bool {
		return alice.rec.has("HostDisconnected(ok)") && host.s.ConnectionRole() == RoleIdle
	}, host, alice)
	assert.Equal(t, RoleIdle, alice.s.ConnectionRole())
}

func TestSession_DisconnectClientIsSilent(t *testing.T) {
	_, host, clients := startGame(t, 3, 2, "alice", "bob")
	bob := clients[1]
	nodes := allNodes(host, clients)

	require.NoError(t, host.s.DisconnectClient(2))
	pumpUntil(t, func() bool { return bob.s.ConnectionRole() == RoleIdle }, nodes...)
	pumpFor(nodes...)

	assert.False(t, host.rec.has("ClientDisconnected(2,ok)"))
	assert.False(t, host.rec.has("ClientDisconnected(2,DISCONNECTED_UNEXPECTEDLY)"))
	assert.Equal(t, Playing, host.s.GameState())
	assert.ErrorIs(t, host.s.DisconnectClient(2), commserr.ErrNotConnected)
}

// ---------------------------------------------------------------------------
// Loss during a pause and reconnection
// ---------------------------------------------------------------------------

func pauseAll(t *testing.T, host *node, nodes []*node) {
	t.Helper()
	require.NoError(t, host.s.PauseMultiPlayerGame())
	pumpUntil(t, func() bool {
		for _, n := range nodes {
			if n.s.GameState() != Paused {
				return false
			}
		}
		return true
	}, nodes...)
}

func TestSession_LossWhilePausedReservesSlot(t *testing.T) {
	n, host, clients := startGame(t, 3, 3, "alice", "bob")
	alice, bob := clients[0], clients[1]
	nodes := allNodes(host, clients)
	pauseAll(t, host, nodes)

	n.dropClient(1)
	pumpUntil(t, func() bool {
		return host.rec.has("ClientDisconnected(2,DISCONNECTED_UNEXPECTEDLY)") &&
			bob.rec.has("HostDisconnected(DISCONNECTED_UNEXPECTEDLY)")
	}, nodes...)
	pumpFor(nodes...)

	for _, n := range nodes {
		assert.Equal(t, Paused, n.s.GameState(), n.s.LocalDeviceName())
		assert.False(t, n.rec.has("End(NOT_ENOUGH_PLAYERS)"), n.s.LocalDeviceName())
	}
	assert.Equal(t, NotConnected, bob.s.ConnectState())
	assert.ErrorIs(t, host.s.Reconnect(true), commserr.ErrClientNotReady)
	assert.ErrorIs(t, host.s.ContinueMultiPlayerGame(), commserr.ErrClientNotReady)

	require.NoError(t, bob.s.Reconnect(true))
	pumpUntil(t, func() bool {
		return slices.Equal(host.s.ConnectedClients(), []uint16{1, 2}) && bob.s.ConnectState() == Connected
	}, nodes...)
	assert.NoError(t, host.s.Reconnect(true))
	assert.Equal(t, "bob", host.s.ClientName(2))

	require.NoError(t, alice.s.ContinueMultiPlayerGame())
	require.NoError(t, bob.s.ContinueMultiPlayerGame())
	pumpUntil(t, func() bool {
		for _, n := range nodes {
			if n.s.GameState() != Playing {
				return false
			}
		}
		return true
	}, nodes...)
}

func TestSession_ReleaseLostSlotEndsGame(t *testing.T) {
	n, host, clients := startGame(t, 3, 3, "alice", "bob")
	alice := clients[0]
	nodes := allNodes(host, clients)
	pauseAll(t, host, nodes)

	n.dropClient(1)
	pumpUntil(t, func() bool {
		return host.rec.has("ClientDisconnected(2,DISCONNECTED_UNEXPECTEDLY)")
	}, nodes...)

	require.NoError(t, host.s.Reconnect(false))
	pumpUntil(t, func() bool {
		return host.rec.has("End(NOT_ENOUGH_PLAYERS)") && alice.rec.has("End(NOT_ENOUGH_PLAYERS)")
	}, nodes...)
}

func TestSession_FailedReconnectCanBeRetried(t *testing.T) {
	n, host, clients := startGame(t, 3, 3, "alice", "bob")
	bob := clients[1]
	nodes := allNodes(host, clients)
	pauseAll(t, host, nodes)

	n.dropClient(1)
	pumpUntil(t, func() bool {
		return host.rec.has("ClientDisconnected(2,DISCONNECTED_UNEXPECTEDLY)") &&
			bob.rec.has("HostDisconnected(DISCONNECTED_UNEXPECTEDLY)")
	}, nodes...)

	// The redial connects but drops before the handshake completes.
	require.NoError(t, bob.s.Reconnect(true))
	pumpUntil(t, func() bool { return n.dialCount() == 3 }, bob)
	n.dropClient(2)
	pumpUntil(t, func() bool { return bob.rec.has("HostConnected(DISCONNECTED_UNEXPECTEDLY)") }, bob)

	assert.Equal(t, RoleClient, bob.s.ConnectionRole())
	assert.Equal(t, Paused, bob.s.GameState())
	assert.Equal(t, NotConnected, bob.s.ConnectState())

	require.NoError(t, bob.s.Reconnect(true))
	pumpUntil(t, func() bool {
		return slices.Equal(host.s.ConnectedClients(), []uint16{1, 2}) && bob.s.ConnectState() == Connected
	}, nodes...)
	assert.Equal(t, "bob", host.s.ClientName(2))
}

func TestSession_ShutdownFailureIsReported(t *testing.T) {
	n := newPipeNet()
	n.stuckClose = true
	host := newHostNode(n)
	require.NoError(t, host.s.StartHost(3, 2))

	alice := newClientNode(n, "alice")
	joinClient(t, host, alice)
	bob := newClientNode(n, "bob")
	joinClient(t, host, bob, alice)
	nodes := []*node{host, alice, bob}
	pumpUntil(t, func() bool { return host.s.GameState() == Playing }, nodes...)

	n.dropClient(1)
	pumpUntil(t, func() bool { return host.rec.has("ClientDisconnected(2,SHUTDOWN_FAILED)") }, nodes...)

	pumpFor(nodes...)
	assert.False(t, host.rec.has("ClientDisconnected(2,DISCONNECTED_UNEXPECTEDLY)"))
	assert.Equal(t, []uint16{1}, host.s.ConnectedClients())
	assert.Equal(t, Playing, host.s.GameState())
}

func TestSession_ReconnectRequiresPausedLoss(t *testing.T) {
	_, _, clients := startGame(t, 2, 2, "alice")
	assert.ErrorIs(t, clients[0].s.Reconnect(true), commserr.ErrInvalidState)

	idle := newNode("idle", Options{})
	assert.ErrorIs(t, idle.s.Reconnect(true), commserr.ErrInvalidState)
}

// ---------------------------------------------------------------------------
// Handshake validation
// ---------------------------------------------------------------------------

// waitHostEvents pumps host until it has recorded want events.
func waitHostEvents(t *testing.T, host *node, want int) {
	t.Helper()
	pumpUntil(t, func() bool { return len(host.rec.events) >= want }, host)
	pumpFor(host)
}

func TestSession_HostRejectsOtherGame(t *testing.T) {
	n := newPipeNet()
	host := newHostNode(n)
	require.NoError(t, host.s.StartHost(2, 2))

	n.connectScripted(protocol.DeviceNameLine("mallory"), protocol.GameIDLine(testGameID+1))
	waitHostEvents(t, host, 1)

	assert.Equal(t, []string{"ClientConnected(0,mallory,INCOMPATIBLE_GAME)"}, host.rec.events)
	assert.Empty(t, host.s.ConnectedClients())
	assert.Equal(t, NotConnected, host.s.ConnectState())
	assert.Equal(t, RoleIdle, host.s.ConnectionRole())
}

func TestSession_HostRejectsRoleBeforeGameID(t *testing.T) {
	n := newPipeNet()
	host := newHostNode(n)
	require.NoError(t, host.s.StartHost(2, 2))

	n.connectScripted(protocol.DeviceNameLine("mallory"), protocol.RoleLine(protocol.RoleClient))
	waitHostEvents(t, host, 1)

	assert.Equal(t, []string{"ClientConnected(0,mallory,INCOMPATIBLE_GAME)"}, host.rec.events)
}

func TestSession_HostRejectsAnotherHost(t *testing.T) {
	n := newPipeNet()
	host := newHostNode(n)
	require.NoError(t, host.s.StartHost(2, 2))

	n.connectScripted(
		protocol.GameIDLine(testGameID),
		protocol.DeviceNameLine("rival"),
		protocol.NetworkLine("localhost", 8889),
		protocol.RoleLine(protocol.RoleHost),
	)
	waitHostEvents(t, host, 1)

	assert.Equal(t, []string{"ClientConnected(0,rival,INVALID_STATE)"}, host.rec.events)

	// The host keeps accepting players.
	alice := newClientNode(n, "alice")
	joinClient(t, host, alice)
	assert.Equal(t, []uint16{1}, host.s.ConnectedClients())
}

func TestSession_ClientRejectsOtherGame(t *testing.T) {
	c := newNode("alice", Options{
		Selector: transport.StaticSelector{Address: "pipe"},
		Dialer:   scriptedHost{protocol.GameIDLine(testGameID + 1)},
	})
	require.NoError(t, c.s.StartClient())
	pumpUntil(t, func() bool { return len(c.rec.events) == 2 }, c)

	assert.Equal(t, []string{"HostSelected(ok)", "HostConnected(INCOMPATIBLE_GAME)"}, c.rec.events)
	assert.Equal(t, RoleIdle, c.s.ConnectionRole())
}

func TestSession_ClientRejectsNonHost(t *testing.T) {
	c := newNode("alice", Options{
		Selector: transport.StaticSelector{Address: "pipe"},
		Dialer: scriptedHost{
			protocol.GameIDLine(testGameID),
			protocol.DeviceNameLine("bob"),
			protocol.NetworkLine("localhost", 8889),
			protocol.RoleLine(protocol.RoleClient),
		},
	})
	require.NoError(t, c.s.StartClient())
	pumpUntil(t, func() bool { return len(c.rec.events) == 2 }, c)

	assert.Equal(t, []string{"HostSelected(ok)", "HostConnected(NOT_COMMS_HOST)"}, c.rec.events)
	assert.Equal(t, RoleIdle, c.s.ConnectionRole())
}

// ---------------------------------------------------------------------------
// Re-entrancy
// ---------------------------------------------------------------------------

func TestSession_TeardownFromNotificationIsDeferred(t *testing.T) {
	n := newPipeNet()
	host := newHostNode(n)
	require.NoError(t, host.s.StartHost(3, 2))

	host.rec.hook = func(ev string) {
		if ev != "ClientConnected(1,alice,ok)" {
			return
		}
		require.NoError(t, host.s.DisconnectClient(1))
		assert.Equal(t, []uint16{1}, host.s.ConnectedClients(), "removal waits for the next Pump")
	}

	alice := newClientNode(n, "alice")
	require.NoError(t, alice.s.StartClient())
	pumpUntil(t, func() bool {
		return host.rec.has("ClientConnected(1,alice,ok)") && alice.s.ConnectionRole() == RoleIdle
	}, host, alice)

	assert.Empty(t, host.s.ConnectedClients())
	assert.False(t, host.rec.has("ClientDisconnected(1,ok)"))
}

// ---------------------------------------------------------------------------
// Starting
// ---------------------------------------------------------------------------

func TestSession_StartHostValidation(t *testing.T) {
	n := newPipeNet()
	host := newHostNode(n)

	assert.ErrorIs(t, host.s.StartHost(5, 2), commserr.ErrInvalidState)
	assert.ErrorIs(t, host.s.StartHost(2, 3), commserr.ErrInvalidState)
	assert.ErrorIs(t, host.s.StartHost(2, 0), commserr.ErrInvalidState)

	require.NoError(t, host.s.StartHost(2, 2))
	assert.ErrorIs(t, host.s.StartHost(2, 2), commserr.ErrInvalidState)
	assert.ErrorIs(t, host.s.StartClient(), commserr.ErrInvalidState)

	noListener := newNode("lonely", Options{})
	assert.ErrorIs(t, noListener.s.StartHost(2, 2), commserr.ErrInvalidState)
}

func TestSession_HostStartsAlone(t *testing.T) {
	host := newHostNode(newPipeNet())
	require.NoError(t, host.s.StartHost(1, 1))
	host.s.Pump()

	assert.Equal(t, Playing, host.s.GameState())
	assert.Equal(t, RoleHost, host.s.ConnectionRole())
	assert.Equal(t, []string{"Start(ok)"}, host.rec.events)
}

func TestSession_DeviceSelectionCancelled(t *testing.T) {
	release := make(chan struct{})
	c := newNode("alice", Options{
		Selector: transport.SelectorFunc(func(ctx context.Context) (transport.Device, error) {
			<-release
			return transport.Device{}, commserr.ErrCancelledByUser
		}),
		Dialer: newPipeNet(),
	})

	require.NoError(t, c.s.StartClient())
	assert.True(t, c.s.IsShowingDeviceSelectDlg())
	assert.Equal(t, Connecting, c.s.ConnectState())

	close(release)
	pumpUntil(t, func() bool { return len(c.rec.events) > 0 }, c)

	assert.Equal(t, []string{"HostSelected(CANCELLED_BY_USER)"}, c.rec.events)
	assert.False(t, c.s.IsShowingDeviceSelectDlg())
	assert.Equal(t, RoleIdle, c.s.ConnectionRole())
	assert.NoError(t, c.s.StartClient(), "a new attempt is allowed")
}

func TestSession_ConnectFailed(t *testing.T) {
	c := newNode("alice", Options{
		Selector: transport.StaticSelector{Address: "nowhere"},
		Dialer:   failingDialer{},
	})

	require.NoError(t, c.s.StartClient())
	pumpUntil(t, func() bool { return len(c.rec.events) == 2 }, c)

	assert.Equal(t, []string{"HostSelected(ok)", "HostConnected(NOT_CONNECTED)"}, c.rec.events)
	assert.Equal(t, RoleIdle, c.s.ConnectionRole())
	assert.Equal(t, NotConnected, c.s.ConnectState())
}
