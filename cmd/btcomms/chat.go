package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/btcomms/internal/session"
	"github.com/1ureka/btcomms/internal/util"
)

// pumpInterval is the game loop tick.
const pumpInterval = 20 * time.Millisecond

// chat is the demo game. Every line typed is sent to the other players; the
// host relays what one client says to the others.
type chat struct {
	s    *session.Session
	name string
	host bool
	done bool // the session ended, exit once it is idle
}

func newChat(name string, host bool) *chat {
	return &chat{name: name, host: host}
}

// run is the game loop. Stdin is only read once device selection has
// finished, since the selection dialog prompts on the terminal.
func (c *chat) run(ctx context.Context) error {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	var input <-chan string
	for {
		select {
		case <-ctx.Done():
			c.leave()
			return nil

		case <-ticker.C:
			c.s.Pump()
			if c.done && c.s.ConnectionRole() == session.RoleIdle {
				return nil
			}
			if input == nil && !c.s.IsShowingDeviceSelectDlg() {
				input = readLines()
			}

		case line, ok := <-input:
			if !ok {
				c.leave()
				return nil
			}
			c.handle(strings.TrimSpace(line))
		}
	}
}

func readLines() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			out <- scanner.Text()
		}
	}()
	return out
}

// leave disconnects and keeps pumping briefly so the remote side is told.
func (c *chat) leave() {
	if err := c.s.Disconnect(); err != nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.s.ConnectionRole() != session.RoleIdle {
		c.s.Pump()
		time.Sleep(pumpInterval)
	}
}

func (c *chat) handle(line string) {
	var err error
	switch {
	case line == "":
		return
	case line == "/help":
		printHelp()
	case line == "/who":
		c.printPlayers()
	case line == "/pause":
		err = c.s.PauseMultiPlayerGame()
	case line == "/continue":
		err = c.s.ContinueMultiPlayerGame()
	case line == "/reconnect":
		err = c.s.Reconnect(true)
	case line == "/release":
		err = c.s.Reconnect(false)
	case line == "/end":
		c.done = true
		err = c.s.EndMultiPlayerGame()
	case line == "/quit":
		c.done = true
		err = c.s.Disconnect()
	case strings.HasPrefix(line, "/kick "):
		id, perr := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "/kick ")), 10, 16)
		if perr != nil {
			util.LogWarning("usage: /kick <player id>")
			return
		}
		err = c.s.DisconnectClient(uint16(id))
	case strings.HasPrefix(line, "/"):
		util.LogWarning("unknown command %s, try /help", line)
	default:
		err = c.say(line)
	}
	if err != nil {
		util.LogWarning("%v", err)
	}
}

func (c *chat) say(text string) error {
	msg := []byte(fmt.Sprintf("%s: %s", c.name, text))
	if c.host {
		return c.s.SendDataToAllClients(msg)
	}
	return c.s.SendDataToHost(msg)
}

func (c *chat) printPlayers() {
	pterm.Info.Printfln("%s (%s, %s)", c.name, c.s.ConnectionRole(), c.s.GameState())
	for _, id := range c.s.ConnectedClients() {
		pterm.Info.Printfln("  player %d: %s", id, c.s.ClientName(id))
	}
}

func printHelp() {
	pterm.Info.Println("commands: /who /pause /continue /reconnect /release /kick <id> /end /quit")
}

// ---------------------------------------------------------------------------
// session.Notifier
// ---------------------------------------------------------------------------

func (c *chat) ClientConnected(id uint16, name string, err error) {
	if err != nil {
		util.LogWarning("rejected %s: %v", name, err)
		return
	}
	pterm.Success.Printfln("%s joined as player %d", name, id)
}

func (c *chat) HostSelected(err error) {
	if err != nil {
		util.LogError("no host selected: %v", err)
		c.done = true
	}
}

func (c *chat) HostConnected(err error) {
	if err == nil {
		pterm.Success.Println("connected to host, waiting for the game to start")
		return
	}
	util.LogError("connecting to host failed: %v", err)
	if c.s.GameState() == session.Paused {
		util.LogInfo("type /reconnect to try again")
		return
	}
	c.done = true
}

func (c *chat) StartMultiPlayerGame(err error) {
	if err != nil {
		util.LogError("game could not start: %v", err)
		return
	}
	pterm.Success.Println("game started, type /help for commands")
}

func (c *chat) ContinueMultiPlayerGame() {
	pterm.Info.Println("game resumed")
}

func (c *chat) PauseMultiPlayerGame() {
	pterm.Warning.Println("game paused, type /continue when ready")
}

func (c *chat) EndMultiPlayerGame(reason error) {
	pterm.Warning.Printfln("game over: %v", reason)
	c.done = true
}

func (c *chat) ConnectedClientEndedGame(id uint16) {
	pterm.Info.Printfln("player %d left the game", id)
}

func (c *chat) ClientDisconnected(id uint16, err error) {
	if err == nil {
		pterm.Info.Printfln("player %d disconnected", id)
		return
	}
	util.LogWarning("lost player %d: %v", id, err)
	if c.s.GameState() == session.Paused {
		util.LogInfo("slot kept; /reconnect waits for the player, /release gives up")
	}
}

func (c *chat) HostDisconnected(err error) {
	if err != nil && c.s.GameState() == session.Paused {
		util.LogWarning("lost host: %v; type /reconnect to try again", err)
		return
	}
	pterm.Warning.Printfln("host disconnected: %v", err)
	c.done = true
}

func (c *chat) ReceiveDataFromClient(id uint16, data []byte) {
	pterm.Println(string(data))
	for _, other := range c.s.ConnectedClients() {
		if other == id {
			continue
		}
		if err := c.s.SendDataToClient(other, data); err != nil {
			util.LogWarning("relay to player %d: %v", other, err)
		}
	}
}

func (c *chat) ReceiveDataFromHost(data []byte) {
	pterm.Println(string(data))
}
