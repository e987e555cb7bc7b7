package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/newtdock/internal/command"
	"github.com/1ureka/newtdock/internal/dock"
	"github.com/1ureka/newtdock/internal/port"
	"github.com/1ureka/newtdock/internal/util"
)

type dockCommand struct {
	portOptions
	Password string `short:"p" long:"password" description:"Newton password (empty for none)"`

	ctx context.Context
}

func (c *dockCommand) Execute(args []string) error {
	cfg, err := loadConfig(c.portOptions)
	if err != nil {
		return err
	}
	if c.Password != "" {
		cfg.Dock.Password = c.Password
	}

	serveMetrics(c.ctx, cfg.Metrics.Listen)

	p, err := port.Open(c.ctx, cfg.PortOptions())
	if err != nil {
		return err
	}

	// Ctrl+C starts a graceful disc exchange, so the session outlives c.ctx.
	s, err := dock.NewSession(context.WithoutCancel(c.ctx), p, cfg.LinkConfig(p.Name()), cfg.DockConfig())
	if err != nil {
		p.Close()
		return err
	}
	defer s.Close()

	var bar *pterm.ProgressbarPrinter
	s.AddListener(command.Funcs{
		OnReceived: func(cmd *command.Command) {
			util.LogInfo("received %v", cmd)
		},
		OnSending: func(cmd *command.Command, sent, total int) {
			if bar == nil {
				bar, _ = pterm.DefaultProgressbar.WithTotal(total).WithTitle(cmd.ID).Start()
			}
			bar.Current = sent
			bar.Add(0)
		},
		OnSent: func(cmd *command.Command) {
			if bar != nil {
				bar.Stop()
				bar = nil
			}
			util.LogDebug("sent %v", cmd)
		},
	})

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Waiting for a Newton on %s", p.Name()))
	s.Start()
	util.StartStatsReporter(c.ctx)

	select {
	case <-s.Ready():
		spinner.Success("Newton docked")
		printNewtonInfo(s.Info())
	case <-s.Done():
		spinner.Fail("Docking failed")
		return describeEnd(s.Wait())
	case <-c.ctx.Done():
		spinner.Warning("Interrupted before the Newton docked")
		return nil
	}

	select {
	case <-c.ctx.Done():
	case <-s.Done():
		return describeEnd(s.Wait())
	}
	util.LogInfo("disconnecting")
	s.Disconnect()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		util.LogWarning("Newton did not confirm the disconnect")
	}
	if err := describeEnd(s.Wait()); err != nil {
		return err
	}
	util.LogInfo("successfully closed docking session")
	return nil
}

// describeEnd turns the session result into a user-facing error.
func describeEnd(err error) error {
	var pm *dock.PasswordMismatchError
	var bad *dock.BadHandshakeStateError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	case errors.As(err, &pm):
		return fmt.Errorf("wrong password after %d attempts", pm.Attempt)
	case errors.As(err, &bad):
		return fmt.Errorf("the Newton left the docking handshake: %w", err)
	default:
		return err
	}
}

func printNewtonInfo(info *dock.NewtonInfo) {
	if info == nil {
		return
	}
	data := pterm.TableData{
		{"Field", "Value"},
		{"Name", info.Name},
		{"Newton ID", fmt.Sprintf("%08X", info.NewtonID)},
		{"Manufacturer", fmt.Sprintf("%08X", info.Manufacturer)},
		{"Machine type", fmt.Sprintf("%08X", info.MachineType)},
		{"ROM", info.ROM()},
		{"RAM", fmt.Sprintf("%d KiB", info.RAMSize/1024)},
		{"Screen", fmt.Sprintf("%dx%d, depth %d", info.ScreenWidth, info.ScreenHeight, info.ScreenDepth)},
		{"OS version", fmt.Sprintf("%d", info.OSVersion)},
		{"Protocol", fmt.Sprintf("%d", info.NegotiatedProtocol)},
	}
	if info.HasSerialNumber {
		data = append(data, []string{"Serial number", fmt.Sprintf("% X", info.SerialNumber[:])})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	pterm.Println()
}
