// Package commserr defines the error taxonomy shared by the transport, codec,
// queue and session layers. Every error carries a numeric code so that game
// code can map it to UI feedback; errors.Is matches by code, so wrapped and
// annotated errors still compare equal to the sentinels below.
package commserr

import (
	"errors"
	"fmt"
)

// Code is a numeric error code. The values are part of the public API and
// must not be renumbered.
type Code int

const (
	CodeNone                     Code = 0
	CodeIncompatibleGame         Code = -1001
	CodeNotCommsHost             Code = -1002
	CodeClientNotReady           Code = -1003
	CodeHostQuit                 Code = -1004
	CodeNotEnoughPlayers         Code = -1005
	CodeGamePaused               Code = -1006
	CodeGameOver                 Code = -1007
	CodeNotConnected             Code = -1008
	CodeBusy                     Code = -1009
	CodeInvalidState             Code = -1010
	CodeQueueFull                Code = -1011
	CodeMessageTooLarge          Code = -1012
	CodeCancelledByUser          Code = -1013
	CodeDisconnectedUnexpectedly Code = -1014
	CodeShutdownFailed           Code = -1015
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "NONE"
	case CodeIncompatibleGame:
		return "INCOMPATIBLE_GAME"
	case CodeNotCommsHost:
		return "NOT_COMMS_HOST"
	case CodeClientNotReady:
		return "CLIENT_NOT_READY"
	case CodeHostQuit:
		return "HOST_QUIT"
	case CodeNotEnoughPlayers:
		return "NOT_ENOUGH_PLAYERS"
	case CodeGamePaused:
		return "GAME_PAUSED"
	case CodeGameOver:
		return "GAME_OVER"
	case CodeNotConnected:
		return "NOT_CONNECTED"
	case CodeBusy:
		return "BUSY"
	case CodeInvalidState:
		return "INVALID_STATE"
	case CodeQueueFull:
		return "QUEUE_FULL"
	case CodeMessageTooLarge:
		return "MESSAGE_TOO_LARGE"
	case CodeCancelledByUser:
		return "CANCELLED_BY_USER"
	case CodeDisconnectedUnexpectedly:
		return "DISCONNECTED_UNEXPECTEDLY"
	case CodeShutdownFailed:
		return "SHUTDOWN_FAILED"
	default:
		return fmt.Sprintf("CODE(%d)", int(c))
	}
}

// Error is a coded error with an optional operation name and cause.
type Error struct {
	Code    Code
	Message string
	Op      string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap annotates cause with a code and the name of the failed operation.
func Wrap(cause error, code Code, op string) *Error {
	return &Error{Code: code, Message: messageFor(code), Op: op, Cause: cause}
}

// WithOp returns a copy of e tagged with an operation name.
func (e *Error) WithOp(op string) *Error {
	c := *e
	c.Op = op
	return &c
}

// CodeOf extracts the code from err, CodeNone for nil and
// CodeDisconnectedUnexpectedly for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeDisconnectedUnexpectedly
}

// Sentinels.
var (
	ErrNotConnected             = New(CodeNotConnected, "not connected")
	ErrBusy                     = New(CodeBusy, "operation already in progress")
	ErrInvalidState             = New(CodeInvalidState, "operation not allowed in current state")
	ErrGamePaused               = New(CodeGamePaused, "game is paused")
	ErrGameOver                 = New(CodeGameOver, "game is over")
	ErrQueueFull                = New(CodeQueueFull, "outbound queue is full")
	ErrMessageTooLarge          = New(CodeMessageTooLarge, "message too large")
	ErrCancelledByUser          = New(CodeCancelledByUser, "cancelled by user")
	ErrNotEnoughPlayers         = New(CodeNotEnoughPlayers, "not enough players")
	ErrIncompatibleGame         = New(CodeIncompatibleGame, "incompatible game")
	ErrNotCommsHost             = New(CodeNotCommsHost, "remote party is not a comms host")
	ErrDisconnectedUnexpectedly = New(CodeDisconnectedUnexpectedly, "disconnected unexpectedly")
	ErrClientNotReady           = New(CodeClientNotReady, "client not ready")
	ErrHostQuit                 = New(CodeHostQuit, "host quit the game")
	ErrShutdownFailed           = New(CodeShutdownFailed, "transport shutdown failed")
)

func messageFor(code Code) string {
	for _, e := range []*Error{
		ErrNotConnected, ErrBusy, ErrInvalidState, ErrGamePaused, ErrGameOver,
		ErrQueueFull, ErrMessageTooLarge, ErrCancelledByUser, ErrNotEnoughPlayers,
		ErrIncompatibleGame, ErrNotCommsHost, ErrDisconnectedUnexpectedly,
		ErrClientNotReady, ErrHostQuit, ErrShutdownFailed,
	} {
		if e.Code == code {
			return e.Message
		}
	}
	return "error"
}
