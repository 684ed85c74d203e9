package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/btcomms/internal/commserr"
	"github.com/1ureka/btcomms/internal/config"
	"github.com/1ureka/btcomms/internal/netstream"
	"github.com/1ureka/btcomms/internal/rfcomm"
	"github.com/1ureka/btcomms/internal/signaling"
	"github.com/1ureka/btcomms/internal/transport"
	"github.com/1ureka/btcomms/internal/util"
)

const dialTimeout = 10 * time.Second

// endpoints is what a session needs from one transport kind. A host only
// uses listener; a client uses selector and dialer.
type endpoints struct {
	listener transport.Listener
	dialer   transport.Dialer
	selector transport.Selector
	closers  []io.Closer
}

func (e *endpoints) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			util.LogDebug("close transport: %v", err)
		}
	}
}

// openTransport prepares the configured transport for role.
func openTransport(cfg *config.Config, role config.Role) (*endpoints, error) {
	ep := &endpoints{}
	host := role == config.RoleHost
	addr := cfg.NetworkAddress()
	configured := transport.StaticSelector{Address: addr, Name: addr}

	switch cfg.Transport.Kind {
	case config.TransportTCP:
		if !host {
			ep.dialer, ep.selector = netstream.TCPDialer{Timeout: dialTimeout}, configured
			return ep, nil
		}
		l, err := netstream.ListenTCP(addr)
		if err != nil {
			return nil, err
		}
		util.LogInfo("listening on tcp://%s", l.Addr())
		ep.listener = l
		ep.closers = append(ep.closers, l)

	case config.TransportWS:
		if !host {
			ep.dialer, ep.selector = netstream.WSDialer{}, configured
			return ep, nil
		}
		l, err := netstream.ListenWS(addr)
		if err != nil {
			return nil, err
		}
		util.LogInfo("listening on ws://%s%s", l.Addr(), netstream.WSPath)
		ep.listener = l
		ep.closers = append(ep.closers, l)

	case config.TransportWebRTC:
		if !host {
			pin := cfg.Transport.PIN
			if pin == "" {
				pin = askPIN()
			}
			u := signaling.URL(cfg.Network.Host, cfg.Network.Port, pin)
			ep.dialer, ep.selector = signaling.Dialer{}, transport.StaticSelector{Address: u, Name: addr}
			return ep, nil
		}
		pin := cfg.Transport.PIN
		if pin == "" {
			pin = signaling.GeneratePIN(4)
		}
		l, err := signaling.Listen(addr, pin)
		if err != nil {
			return nil, err
		}
		printSignalingInfo(l.Port(), pin)
		ep.listener = l
		ep.closers = append(ep.closers, l)

	case config.TransportRFCOMM:
		m, err := rfcomm.NewManager()
		if err != nil {
			return nil, err
		}
		ep.closers = append(ep.closers, m)
		if !host {
			ep.dialer = m
			ep.selector = scanSelector{scanner: m, timeout: cfg.Transport.ScanTimeout}
			return ep, nil
		}
		l, err := m.Listen(cfg.Device.Name)
		if err != nil {
			m.Close()
			return nil, err
		}
		util.LogInfo("advertising serial port profile as %q", cfg.Device.Name)
		ep.listener = l
		ep.closers = append(ep.closers, l)

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
	return ep, nil
}

// scanSelector is the device-selection dialog: it scans for nearby devices
// and lets the user pick one.
type scanSelector struct {
	scanner interface {
		Scan(ctx context.Context) ([]transport.Device, error)
	}
	timeout time.Duration
}

func (s scanSelector) SelectRemoteDevice(ctx context.Context) (transport.Device, error) {
	spinner, _ := pterm.DefaultSpinner.Start("Scanning for nearby devices...")
	scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
	devices, err := s.scanner.Scan(scanCtx)
	cancel()
	if err != nil {
		spinner.Fail("scan failed")
		return transport.Device{}, err
	}
	if len(devices) == 0 {
		spinner.Warning("no devices found")
		return transport.Device{}, commserr.New(commserr.CodeNotConnected, "no devices found")
	}
	spinner.Success(fmt.Sprintf("found %d device(s)", len(devices)))

	options := make([]string, len(devices))
	byLabel := make(map[string]transport.Device, len(devices))
	for i, d := range devices {
		options[i] = d.String()
		byLabel[options[i]] = d
	}

	choice, err := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Select the host device").
		Show()
	pterm.Println()
	if err != nil {
		return transport.Device{}, commserr.Wrap(err, commserr.CodeCancelledByUser, "SelectRemoteDevice")
	}
	return byLabel[choice], nil
}

// askPIN prompts for the signaling PIN shown by the host.
func askPIN() string {
	pin, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Signaling PIN shown by the host").
		Show()
	pterm.Println()
	return pin
}

func printSignalingInfo(port int, pin string) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║        WebSocket Signaling Server        ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Port : %-32d ║\n", port)
	fmt.Printf("║  PIN  : %-32s ║\n", pin)
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Println()
}
