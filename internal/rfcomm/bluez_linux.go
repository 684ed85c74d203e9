//go:build linux

package rfcomm

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"

	"github.com/1ureka/btcomms/internal/protocol"
	"github.com/1ureka/btcomms/internal/transport"
	"github.com/1ureka/btcomms/internal/util"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

var pathCounter uint64

// Manager owns the system bus connection and the registered profiles.
// Close is safe for concurrent and redundant calls.
type Manager struct {
	mu     sync.Mutex
	closed bool
	bus    *dbus.Conn

	cliProf *profile

	// cleanup functions run once in Close, in reverse order.
	cleanup []func()
}

// NewManager connects to the system bus.
func NewManager() (*Manager, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("rfcomm: connect system bus: %w", err)
	}
	m := &Manager{bus: bus}
	m.cleanup = append(m.cleanup, func() { m.bus.Close() })
	return m, nil
}

// profile implements org.bluez.Profile1 and forwards NewConnection events.
type profile struct {
	ch chan accepted
}

type accepted struct {
	file *os.File
	dev  transport.Device
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the session closes the socket itself.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to a waiting Accept or Dial.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	file := os.NewFile(uintptr(fd), "rfcomm")
	a := accepted{file: file, dev: remoteDevice(string(dev), "", "", "")}

	select {
	case p.ch <- a:
		return nil
	default:
		// No free slot; close FD and reject to avoid leaks.
		_ = file.Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"session full"}}
	}
}

// registerLocked exports a profile object and registers it with BlueZ.
func (m *Manager) registerLocked(kind string, opts map[string]dbus.Variant) (*profile, error) {
	if m.closed {
		return nil, errClosed
	}

	prof := &profile{ch: make(chan accepted, protocol.MaxPlayers-1)}
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/btcomms/" + kind + "/p" + strconv.FormatUint(id, 10))
	if err := m.bus.Export(prof, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("rfcomm: export %s profile: %w", kind, err)
	}

	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, SPPUUID, opts); call.Err != nil {
		_ = m.bus.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("rfcomm: RegisterProfile(%s): %w", kind, call.Err)
	}

	m.cleanup = append(m.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = m.bus.Export(nil, path, profileInterfaceName)
	})
	return prof, nil
}

// ---------------------------------------------------------------------------
// Host side
// ---------------------------------------------------------------------------

// Listener accepts RFCOMM sockets from the registered server profile.
type Listener struct {
	m    *Manager
	prof *profile
	done chan struct{}
	once sync.Once
}

// Listen registers the SPP server profile under serviceName on the default
// channel.
func (m *Manager) Listen(serviceName string) (*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prof, err := m.registerLocked("server", map[string]dbus.Variant{
		"Name": dbus.MakeVariant(serviceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel": dbus.MakeVariant(DefaultChannel),
	})
	if err != nil {
		return nil, err
	}
	return &Listener{m: m, prof: prof, done: make(chan struct{})}, nil
}

func (l *Listener) Accept(ctx context.Context) (io.ReadWriteCloser, transport.Device, error) {
	select {
	case a := <-l.prof.ch:
		return a.file, l.m.describe(a.dev), nil
	case <-l.done:
		return nil, transport.Device{}, errClosed
	case <-ctx.Done():
		return nil, transport.Device{}, fmt.Errorf("rfcomm: accept canceled: %w", ctx.Err())
	}
}

// Close stops handing out sockets. The profile stays registered until the
// Manager is closed.
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// ---------------------------------------------------------------------------
// Client side
// ---------------------------------------------------------------------------

// Dial connects the SPP profile on dev (Address is the BlueZ object path).
// Unpaired devices are paired first. The client profile is registered on
// first use and reused for reconnects.
func (m *Manager) Dial(ctx context.Context, dev transport.Device) (io.ReadWriteCloser, error) {
	if dev.Address == "" {
		return nil, fmt.Errorf("rfcomm: device path required")
	}

	m.mu.Lock()
	if m.cliProf == nil {
		prof, err := m.registerLocked("client", map[string]dbus.Variant{
			"Role": dbus.MakeVariant("client"),
		})
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.cliProf = prof
	}
	ch := m.cliProf.ch
	bus := m.bus
	m.mu.Unlock()

	devObj := bus.Object(bluezService, dbus.ObjectPath(dev.Address))
	var paired dbus.Variant
	if call := devObj.Call(propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&paired); err == nil {
			if b, ok := paired.Value().(bool); ok && !b {
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					return nil, fmt.Errorf("rfcomm: Pair: %w", err)
				}
			}
		}
	}

	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID); call.Err != nil {
		return nil, fmt.Errorf("rfcomm: ConnectProfile: %w", call.Err)
	}

	select {
	case a := <-ch:
		return a.file, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("rfcomm: connect canceled: %w", ctx.Err())
	}
}

// Scan discovers nearby devices advertising SPP until ctx is done and
// returns a snapshot.
func (m *Manager) Scan(ctx context.Context) ([]transport.Device, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errClosed
	}
	bus := m.bus
	m.mu.Unlock()

	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}

	// Start discovery on all adapters (best-effort); stop when done.
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			ap := bus.Object(bluezService, path)
			_ = ap.Call(adapterIface+".StartDiscovery", 0).Err
			defer func() { _ = ap.Call(adapterIface+".StopDiscovery", 0).Err }()
		}
	}

	found := make(map[string]transport.Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok {
			found[dev.Address] = dev
		}
	}

	// Catch devices discovered until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("rfcomm: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(match...) }()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if dev, ok := deviceFromIfaces(path, ifaces); ok {
				found[dev.Address] = dev
			}
		}
	}

	out := make([]transport.Device, 0, len(found))
	for _, d := range found {
		out = append(out, d)
	}
	util.LogDebug("rfcomm: scan found %d SPP device(s)", len(out))
	return out, nil
}

// Close unregisters the profiles and closes the bus.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cleanup := m.cleanup
	m.cleanup = nil
	m.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

// describe fills in the display name of an accepted device.
func (m *Manager) describe(dev transport.Device) transport.Device {
	obj := m.bus.Object(bluezService, dbus.ObjectPath(dev.Address))
	var props map[string]dbus.Variant
	if call := obj.Call(propsIface+".GetAll", 0, deviceIface); call.Err != nil || call.Store(&props) != nil {
		return dev
	}
	return remoteDevice(dev.Address, variantString(props, "Address"), variantString(props, "Name"), variantString(props, "Alias"))
}

// Helpers

func managedObjects(bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("rfcomm: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("rfcomm: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (transport.Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return transport.Device{}, false
	}
	vUUIDs, ok := props["UUIDs"]
	if !ok {
		return transport.Device{}, false
	}
	uu, _ := vUUIDs.Value().([]string)
	if !containsUUID(uu, SPPUUID) {
		return transport.Device{}, false
	}
	return remoteDevice(string(path), variantString(props, "Address"), variantString(props, "Name"), variantString(props, "Alias")), true
}

func variantString(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}
