package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pterm/pterm"

	"github.com/1ureka/newtdock/internal/port"
	"github.com/1ureka/newtdock/internal/util"
)

type bridgeCommand struct {
	Device       string `short:"d" long:"device" description:"Serial device the Newton is on" required:"true"`
	Baud         int    `short:"b" long:"baud" description:"Serial baud rate"`
	HardwareFlow bool   `long:"hw-flow" description:"Use CTS hardware flow control"`
	Listen       string `short:"l" long:"listen" default:"127.0.0.1:0" description:"Address for the WebSocket server"`
	PINLength    int    `long:"pin-length" default:"6" description:"Digits in the generated PIN"`

	ctx context.Context
}

func (c *bridgeCommand) Execute(args []string) error {
	cfg, err := loadConfig(portOptions{Device: c.Device, Baud: c.Baud, HardwareFlow: c.HardwareFlow})
	if err != nil {
		return err
	}
	serveMetrics(c.ctx, cfg.Metrics.Listen)

	bridge := port.NewBridge(port.NewPIN(c.PINLength), func() (io.ReadWriteCloser, error) {
		return port.OpenSerial(cfg.Port.Device, cfg.Port.Baud, cfg.Port.HardwareFlow)
	})
	addr, err := bridge.Listen(c.Listen)
	if err != nil {
		return err
	}

	pterm.DefaultBox.WithTitle("Bridge").Println(
		fmt.Sprintf("Serial: %s\nPort:   %d\nPIN:    %s\n\nnewtdock dock --ws ws://<this-host>:%d/ws?pin=%s",
			cfg.Port.Device, addr.Port, bridge.PIN(), addr.Port, bridge.PIN()))
	pterm.Println()

	util.LogInfo("waiting for clients on port %d, press Ctrl+C to stop", addr.Port)
	if err := bridge.Run(c.ctx); err != nil {
		return err
	}
	util.LogInfo("bridge closed after %d session(s)", bridge.Sessions())
	return nil
}

type portsCommand struct{}

func (c *portsCommand) Execute(args []string) error {
	names, err := port.SerialDevices()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		util.LogWarning("no serial ports found")
		return nil
	}
	items := make([]pterm.BulletListItem, len(names))
	for i, n := range names {
		items[i] = pterm.BulletListItem{Level: 0, Text: n}
	}
	return pterm.DefaultBulletList.WithItems(items).Render()
}
