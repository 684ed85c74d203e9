// btcomms — CLI entry point.
//
// This tool runs a small line-based chat game on top of the multiplayer
// session: one host and up to three clients exchange text, pause, resume and
// end the game. Devices reach each other over TCP, WebSocket, a WebRTC
// DataChannel (signaled over WebSocket) or Bluetooth RFCOMM.
//
// It can be launched interactively (no -role flag) or non-interactively via
// CLI flags (-role, -transport, -start, -min, -name).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"

	"github.com/1ureka/btcomms/internal/config"
	"github.com/1ureka/btcomms/internal/session"
	"github.com/1ureka/btcomms/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "btcomms.yaml", "Path to the YAML configuration file")
	role := flag.String("role", "", "Role: host or client")
	transportKind := flag.String("transport", "", "Transport: tcp, ws, webrtc or rfcomm (overrides config)")
	name := flag.String("name", "", "Device name announced to other players (overrides config)")
	start := flag.Int("start", 0, "Players needed to start the game, host included (host only)")
	minimum := flag.Int("min", 0, "Fewest players that keep the game running (host only)")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address, e.g. :9100")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	applyFlags(cfg, *transportKind, *name, *start, *minimum, *metricsAddr)
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	if err := util.SetLogLevel(cfg.Logging.Level); err != nil {
		util.LogWarning("%v", err)
	}
	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("btcomms — v%s", version))
	pterm.Println()

	var r config.Role
	switch *role {
	case "":
		// No -role flag → interactive mode.
		r = askRole()
	case "host":
		r = config.RoleHost
	case "client":
		r = config.RoleClient
	default:
		util.LogError("invalid -role: must be 'host' or 'client'")
		os.Exit(1)
	}

	if cfg.Monitoring.MetricsAddress != "" {
		serveMetrics(ctx, cfg.Monitoring.MetricsAddress)
	}
	if cfg.Monitoring.StatsReport {
		util.StartStatsReporter(ctx)
	}

	if err := run(ctx, cfg, r); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

// run opens the transport for role and drives the chat until it ends.
func run(ctx context.Context, cfg *config.Config, role config.Role) error {
	ep, err := openTransport(cfg, role)
	if err != nil {
		return fmt.Errorf("failed to open %s transport: %w", cfg.Transport.Kind, err)
	}
	defer ep.Close()

	c := newChat(cfg.Device.Name, role == config.RoleHost)
	s := session.New(session.Options{
		GameID:      cfg.GameID(),
		DeviceName:  cfg.Device.Name,
		NetworkHost: cfg.Network.Host,
		NetworkPort: cfg.Network.Port,
		QueueSize:   cfg.Transport.QueueSize,
		Notifier:    c,
		Selector:    ep.selector,
		Dialer:      ep.dialer,
		Listener:    ep.listener,
	})
	c.s = s

	if role == config.RoleHost {
		if err := s.StartHost(cfg.Game.StartPlayers, cfg.Game.MinPlayers); err != nil {
			return err
		}
		pterm.Info.Printfln("waiting for %d more player(s)...", cfg.Game.StartPlayers-1)
	} else {
		if err := s.StartClient(); err != nil {
			return err
		}
	}

	return c.run(ctx)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// applyFlags lets non-zero flags override the loaded configuration.
func applyFlags(cfg *config.Config, transportKind, name string, start, minimum int, metricsAddr string) {
	if transportKind != "" {
		cfg.Transport.Kind = transportKind
	}
	if name != "" {
		cfg.Device.Name = name
	}
	if start > 0 {
		cfg.Game.StartPlayers = start
	}
	if minimum > 0 {
		cfg.Game.MinPlayers = minimum
	}
	if metricsAddr != "" {
		cfg.Monitoring.MetricsAddress = metricsAddr
	}
}

// askRole prompts for the role when no -role flag is given.
func askRole() config.Role {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Start a game", "Client — Join a game"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		return config.RoleHost
	}
	return config.RoleClient
}

// serveMetrics exposes the link counters on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) {
	reg := prometheus.NewRegistry()
	if err := util.RegisterMetrics(reg); err != nil {
		util.LogWarning("metrics disabled: %v", err)
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	util.LogInfo("metrics on http://%s/metrics", addr)
}
