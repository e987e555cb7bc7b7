// Newtdock: CLI entry point.
//
// This tool plays the desktop side of a Newton docking session over MNP. It
// talks to the Newton through a local serial port, a TCP serial server, or a
// remote bridge, which the same binary can run next to the Newton.
//
// Subcommands:
//
//	newtdock dock   --device /dev/ttyUSB0 [--password ...]
//	newtdock bridge --device /dev/ttyUSB0 [--listen :7000]
//	newtdock ports
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	flags "github.com/jessevdk/go-flags"
	"github.com/pterm/pterm"

	"github.com/1ureka/newtdock/internal/config"
	"github.com/1ureka/newtdock/internal/util"
)

var version = "dev"

// globalOptions apply to every subcommand.
type globalOptions struct {
	Config  string `short:"c" long:"config" description:"TOML configuration file"`
	Debug   bool   `long:"debug" description:"Enable debug logging"`
	Trace   bool   `long:"trace" description:"Log every MNP packet (implies --debug)"`
	Metrics string `long:"metrics" description:"Serve Prometheus metrics on this address"`
}

// portOptions select the transport and override the [port] section.
type portOptions struct {
	Device       string `short:"d" long:"device" description:"Serial device (e.g. /dev/ttyUSB0, COM3)"`
	Baud         int    `short:"b" long:"baud" description:"Serial baud rate"`
	HardwareFlow bool   `long:"hw-flow" description:"Use CTS hardware flow control"`
	TCP          string `long:"tcp" description:"Raw TCP serial server host:port"`
	Telnet       string `long:"telnet" description:"Telnet-mode serial server host:port"`
	WS           string `long:"ws" description:"Bridge WebSocket URL (ws://host:port/ws?pin=...)"`
}

var global globalOptions

func main() {
	// Root context: cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	parser := flags.NewParser(&global, flags.Default)
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if global.Trace {
			util.EnableTrace()
		} else if global.Debug {
			util.EnableDebug()
		}
		pterm.Info.Println(fmt.Sprintf("Newtdock v%s", version))
		pterm.Println()
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}

	mustAdd(parser.AddCommand("dock", "Dock a Newton",
		"Wait for a Newton to connect, run the docking handshake and keep the session open until Ctrl+C.",
		&dockCommand{ctx: ctx}))
	mustAdd(parser.AddCommand("bridge", "Expose a serial port over WebSocket",
		"Share the local serial port with one remote newtdock client, guarded by a random PIN.",
		&bridgeCommand{ctx: ctx}))
	mustAdd(parser.AddCommand("ports", "List serial ports",
		"List the serial devices present on this machine.",
		&portsCommand{}))

	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		if !errors.As(err, &ferr) {
			util.LogError("%v", err)
		}
		os.Exit(1)
	}
}

func mustAdd(_ *flags.Command, err error) {
	if err != nil {
		panic(err)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// loadConfig reads --config, or the defaults, and applies the port flags.
func loadConfig(p portOptions) (config.Config, error) {
	cfg := config.Default()
	if global.Config != "" {
		loaded, err := config.Load(global.Config)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	switch {
	case p.WS != "":
		cfg.Port.Kind, cfg.Port.URL = "ws", p.WS
	case p.TCP != "":
		cfg.Port.Kind, cfg.Port.Address = "tcp", p.TCP
	case p.Telnet != "":
		cfg.Port.Kind, cfg.Port.Address = "telnet", p.Telnet
	case p.Device != "":
		cfg.Port.Kind, cfg.Port.Device = "serial", p.Device
	}
	if p.Baud > 0 {
		cfg.Port.Baud = p.Baud
	}
	if p.HardwareFlow {
		cfg.Port.HardwareFlow = true
	}
	if global.Metrics != "" {
		cfg.Metrics.Listen = global.Metrics
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// serveMetrics exposes the link counters until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", util.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogWarning("metrics server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	util.LogInfo("serving metrics on http://%s/metrics", addr)
}
