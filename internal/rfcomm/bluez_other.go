//go:build !linux

package rfcomm

import (
	"context"
	"io"

	"github.com/1ureka/btcomms/internal/transport"
)

// Manager is unavailable without BlueZ.
type Manager struct{}

// Listener is unavailable without BlueZ.
type Listener struct{}

func NewManager() (*Manager, error) { return nil, ErrUnsupported }

func (m *Manager) Listen(string) (*Listener, error) { return nil, ErrUnsupported }

func (m *Manager) Dial(context.Context, transport.Device) (io.ReadWriteCloser, error) {
	return nil, ErrUnsupported
}

func (m *Manager) Scan(context.Context) ([]transport.Device, error) { return nil, ErrUnsupported }

func (m *Manager) Close() error { return nil }

func (l *Listener) Accept(context.Context) (io.ReadWriteCloser, transport.Device, error) {
	return nil, transport.Device{}, ErrUnsupported
}

func (l *Listener) Close() error { return nil }
