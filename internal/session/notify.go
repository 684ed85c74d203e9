package session

import (
	"github.com/1ureka/btcomms/internal/util"
)

// Notifier receives session events. Methods are called synchronously from
// Pump on the caller's goroutine. Teardown operations invoked from inside a
// method take effect on the next Pump.
type Notifier interface {
	// ClientConnected reports a client registration on the host. id is zero
	// when the client was rejected before a slot was assigned.
	ClientConnected(id uint16, name string, err error)
	// HostSelected reports the outcome of device selection on a client.
	HostSelected(err error)
	// HostConnected reports the outcome of connecting and registering with
	// the host.
	HostConnected(err error)
	StartMultiPlayerGame(err error)
	ContinueMultiPlayerGame()
	PauseMultiPlayerGame()
	// EndMultiPlayerGame reports the end of the game for a reason other than
	// a local EndMultiPlayerGame call.
	EndMultiPlayerGame(reason error)
	ConnectedClientEndedGame(id uint16)
	ClientDisconnected(id uint16, err error)
	HostDisconnected(err error)
	ReceiveDataFromClient(id uint16, data []byte)
	ReceiveDataFromHost(data []byte)
}

// NopNotifier ignores every event. Embed it to implement only some methods.
type NopNotifier struct{}

func (NopNotifier) ClientConnected(uint16, string, error) {}
func (NopNotifier) HostSelected(error) {}
func (NopNotifier) HostConnected(error) {}
func (NopNotifier) StartMultiPlayerGame(error) {}
func (NopNotifier) ContinueMultiPlayerGame() {}
func (NopNotifier) PauseMultiPlayerGame() {}
func (NopNotifier) EndMultiPlayerGame(error) {}
func (NopNotifier) ConnectedClientEndedGame(uint16) {}
func (NopNotifier) ClientDisconnected(uint16, error) {}
func (NopNotifier) HostDisconnected(error) {}
func (NopNotifier) ReceiveDataFromClient(uint16, []byte) {}
func (NopNotifier) ReceiveDataFromHost([]byte) {}

// loggingNotifier logs every event at debug level before forwarding it.
type loggingNotifier struct {
	next Notifier
	name string
}

func (n loggingNotifier) ClientConnected(id uint16, name string, err error) {
	util.LogDebug("[%s] ClientConnected(id=%d, name=%q, err=%v)", n.name, id, name, err)
	n.next.ClientConnected(id, name, err)
}

func (n loggingNotifier) HostSelected(err error) {
	util.LogDebug("[%s] HostSelected(err=%v)", n.name, err)
	n.next.HostSelected(err)
}

func (n loggingNotifier) HostConnected(err error) {
	util.LogDebug("[%s] HostConnected(err=%v)", n.name, err)
	n.next.HostConnected(err)
}

func (n loggingNotifier) StartMultiPlayerGame(err error) {
	util.LogDebug("[%s] StartMultiPlayerGame(err=%v)", n.name, err)
	n.next.StartMultiPlayerGame(err)
}

func (n loggingNotifier) ContinueMultiPlayerGame() {
	util.LogDebug("[%s] ContinueMultiPlayerGame()", n.name)
	n.next.ContinueMultiPlayerGame()
}

func (n loggingNotifier) PauseMultiPlayerGame() {
	util.LogDebug("[%s] PauseMultiPlayerGame()", n.name)
	n.next.PauseMultiPlayerGame()
}

func (n loggingNotifier) EndMultiPlayerGame(reason error) {
	util.LogDebug("[%s] EndMultiPlayerGame(reason=%v)", n.name, reason)
	n.next.EndMultiPlayerGame(reason)
}

func (n loggingNotifier) ConnectedClientEndedGame(id uint16) {
	util.LogDebug("[%s] ConnectedClientEndedGame(id=%d)", n.name, id)
	n.next.ConnectedClientEndedGame(id)
}

func (n loggingNotifier) ClientDisconnected(id uint16, err error) {
	util.LogDebug("[%s] ClientDisconnected(id=%d, err=%v)", n.name, id, err)
	n.next.ClientDisconnected(id, err)
}

func (n loggingNotifier) HostDisconnected(err error) {
	util.LogDebug("[%s] HostDisconnected(err=%v)", n.name, err)
	n.next.HostDisconnected(err)
}

func (n loggingNotifier) ReceiveDataFromClient(id uint16, data []byte) {
	util.LogDebug("[%s] ReceiveDataFromClient(id=%d, %d bytes)", n.name, id, len(data))
	n.next.ReceiveDataFromClient(id, data)
}

func (n loggingNotifier) ReceiveDataFromHost(data []byte) {
	util.LogDebug("[%s] ReceiveDataFromHost(%d bytes)", n.name, len(data))
	n.next.ReceiveDataFromHost(data)
}
