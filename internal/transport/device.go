package transport

import (
	"context"
	"io"
)

// Device identifies a remote party a Dialer can reach. Address is
// transport-specific (Bluetooth MAC, host:port, signaling URL); Name is what
// the device-selection dialog shows.
type Device struct {
	Address string
	Name    string
}

func (d Device) String() string {
	if d.Name == "" {
		return d.Address
	}
	return d.Name + " (" + d.Address + ")"
}

// Dialer opens an outbound byte stream to a device.
type Dialer interface {
	Dial(ctx context.Context, dev Device) (io.ReadWriteCloser, error)
}

// Listener accepts inbound byte streams. Accept blocks until a remote party
// connects, ctx is cancelled or the listener is closed.
type Listener interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, Device, error)
	Close() error
}

// Selector picks the remote device a client connects to. It returns
// commserr.ErrCancelledByUser when the user dismisses the choice.
type Selector interface {
	SelectRemoteDevice(ctx context.Context) (Device, error)
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(ctx context.Context) (Device, error)

func (f SelectorFunc) SelectRemoteDevice(ctx context.Context) (Device, error) {
	return f(ctx)
}

// StaticSelector always selects the same device.
type StaticSelector Device

func (s StaticSelector) SelectRemoteDevice(context.Context) (Device, error) {
	return Device(s), nil
}
