package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Handshake line prefixes.
const (
	PrefixGameID     = "UID:"
	PrefixDeviceName = "DID:"
	PrefixNetwork    = "NET:"
	PrefixRole       = "ROL:"
)

// Role letters carried by the ROL line.
const (
	RoleHost   byte = 'H'
	RoleClient byte = 'C'
)

// Control is a single-byte session control line.
type Control byte

const (
	CtlPause      Control = 'P' // game paused by sender
	CtlResume     Control = 'R' // host: every player asked to continue
	CtlDisconnect Control = 'D' // sender is leaving
	CtlContinue   Control = 'C' // client: request to continue after pause
	CtlStart      Control = 'S' // host: enough players, game starts
	CtlEnded      Control = 'E' // client: local player ended the game
	CtlHostQuit   Control = 'Q' // host: game over for everybody
	CtlNotEnough  Control = 'N' // host: too few players left
)

func (c Control) String() string {
	switch c {
	case CtlPause:
		return "PAUSE"
	case CtlResume:
		return "RESUME"
	case CtlDisconnect:
		return "DISCONNECT"
	case CtlContinue:
		return "CONTINUE"
	case CtlStart:
		return "START"
	case CtlEnded:
		return "ENDED"
	case CtlHostQuit:
		return "HOST_QUIT"
	case CtlNotEnough:
		return "NOT_ENOUGH"
	default:
		return fmt.Sprintf("CONTROL(0x%02x)", byte(c))
	}
}

func (c Control) known() bool {
	switch c {
	case CtlPause, CtlResume, CtlDisconnect, CtlContinue, CtlStart, CtlEnded, CtlHostQuit, CtlNotEnough:
		return true
	}
	return false
}

// LineKind classifies a parsed line.
type LineKind uint8

const (
	LineUnknown LineKind = iota
	LineGameID
	LineDeviceName
	LineNetwork
	LineRole
	LineControl
)

// Line is a parsed handshake or control line.
type Line struct {
	Kind       LineKind
	GameID     uint32
	DeviceName string
	Host       string
	Port       int
	Role       byte
	Control    Control
}

// maxNameLen keeps a DID line within one receive buffer.
const maxNameLen = MaxFrameSize - len(PrefixDeviceName) - 1

// GameIDLine formats "UID:0x%08X\n".
func GameIDLine(id uint32) []byte {
	return fmt.Appendf(nil, "%s0x%08X\n", PrefixGameID, id)
}

// DeviceNameLine formats "DID:<name>\n". Line breaks are removed from name
// and an overlong name is cut on a rune boundary.
func DeviceNameLine(name string) []byte {
	name = strings.NewReplacer("\n", " ", "\r", " ").Replace(name)
	if len(name) > maxNameLen {
		cut := maxNameLen
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return fmt.Appendf(nil, "%s%s\n", PrefixDeviceName, name)
}

// NetworkLine formats "NET:<host>:<port>\n".
func NetworkLine(host string, port int) []byte {
	return fmt.Appendf(nil, "%s%s:%d\n", PrefixNetwork, host, port)
}

// RoleLine formats "ROL:H\n" or "ROL:C\n".
func RoleLine(role byte) []byte {
	return []byte{'R', 'O', 'L', ':', role, Terminator}
}

// ControlLine formats a single control byte followed by the terminator.
func ControlLine(c Control) []byte {
	return []byte{byte(c), Terminator}
}

// ParseLine interprets a line produced by the Decoder. A trailing carriage
// return is ignored.
func ParseLine(raw []byte) (Line, error) {
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	s := string(raw)

	switch {
	case len(raw) == 1 && Control(raw[0]).known():
		return Line{Kind: LineControl, Control: Control(raw[0])}, nil

	case strings.HasPrefix(s, PrefixGameID):
		v := strings.TrimPrefix(s, PrefixGameID)
		id, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return Line{}, fmt.Errorf("bad game id %q: %w", v, err)
		}
		return Line{Kind: LineGameID, GameID: uint32(id)}, nil

	case strings.HasPrefix(s, PrefixDeviceName):
		return Line{Kind: LineDeviceName, DeviceName: strings.TrimPrefix(s, PrefixDeviceName)}, nil

	case strings.HasPrefix(s, PrefixNetwork):
		v := strings.TrimPrefix(s, PrefixNetwork)
		i := strings.LastIndexByte(v, ':')
		if i < 0 {
			return Line{}, fmt.Errorf("bad network config %q", v)
		}
		port, err := strconv.Atoi(v[i+1:])
		if err != nil || port < 0 || port > 65535 {
			return Line{}, fmt.Errorf("bad network port in %q", v)
		}
		return Line{Kind: LineNetwork, Host: v[:i], Port: port}, nil

	case strings.HasPrefix(s, PrefixRole):
		v := strings.TrimPrefix(s, PrefixRole)
		if len(v) != 1 || (v[0] != RoleHost && v[0] != RoleClient) {
			return Line{}, fmt.Errorf("bad role %q", v)
		}
		return Line{Kind: LineRole, Role: v[0]}, nil
	}

	return Line{Kind: LineUnknown}, fmt.Errorf("unrecognised line %q", s)
}
