package session

import "fmt"

// Role is the connection role of the local device.
type Role int

const (
	RoleIdle Role = iota
	RoleHost
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleIdle:
		return "Idle"
	case RoleHost:
		return "Host"
	case RoleClient:
		return "Client"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ConnectState summarises the transport state of the session.
type ConnectState int

const (
	NotConnected ConnectState = iota
	Connecting
	Connected
)

func (c ConnectState) String() string {
	switch c {
	case NotConnected:
		return "NotConnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("ConnectState(%d)", int(c))
	}
}

// GameState is the shared game state. A session starts in GameOver and
// enters Playing when the host starts the game.
type GameState int

const (
	GameOver GameState = iota
	Playing
	Paused
)

func (g GameState) String() string {
	switch g {
	case GameOver:
		return "GameOver"
	case Playing:
		return "Playing"
	case Paused:
		return "Paused"
	default:
		return fmt.Sprintf("GameState(%d)", int(g))
	}
}
