package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/newtdock/internal/dock"
	"github.com/1ureka/newtdock/internal/port"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "newtdock.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[port]
kind = "serial"
device = "/dev/ttyUSB0"
hardware_flow = true

[link]
ack_timeout = "1500ms"
retries = 7

[dock]
password = "secret"
icons = ["backup", "Sync"]
desktop_type = "mac"

[metrics]
listen = "127.0.0.1:9464"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port.Baud != port.DefaultBaud {
		t.Errorf("baud = %d, want default %d", cfg.Port.Baud, port.DefaultBaud)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9464" {
		t.Errorf("metrics listen = %q", cfg.Metrics.Listen)
	}

	lc := cfg.LinkConfig("/dev/ttyUSB0")
	if lc.AckTimeout != 1500*time.Millisecond {
		t.Errorf("AckTimeout = %v", lc.AckTimeout)
	}
	if lc.Retries != 7 {
		t.Errorf("Retries = %d", lc.Retries)
	}
	if lc.Params.MaxInfoLength != 256 {
		t.Errorf("MaxInfoLength = %d, want default 256", lc.Params.MaxInfoLength)
	}
	if lc.Name != "/dev/ttyUSB0" {
		t.Errorf("Name = %q", lc.Name)
	}

	dc := cfg.DockConfig()
	if dc.Password != "secret" {
		t.Errorf("Password = %q", dc.Password)
	}
	if dc.Icons != dock.IconBackup|dock.IconSync {
		t.Errorf("Icons = %#x", dc.Icons)
	}
	if dc.DesktopType != dock.DesktopMac {
		t.Errorf("DesktopType = %d", dc.DesktopType)
	}
	if dc.SessionTimeout != 30*time.Second {
		t.Errorf("SessionTimeout = %v, want default", dc.SessionTimeout)
	}

	opts := cfg.PortOptions()
	if opts.Kind != port.KindSerial || !opts.HardwareFlow || opts.Device != "/dev/ttyUSB0" {
		t.Errorf("PortOptions = %+v", opts)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"syntax", "[port\nkind=", ""},
		{"bad duration", "[port]\ndevice=\"COM3\"\n[link]\nack_timeout = \"soon\"", "duration"},
		{"missing device", "[port]\nkind = \"serial\"", "port.device"},
		{"unknown kind", "[port]\nkind = \"modem\"", "port.kind"},
		{"tcp without address", "[port]\nkind = \"tcp\"", "port.address"},
		{"zero retries", "[port]\ndevice=\"COM3\"\n[link]\nretries = 0", "link.retries"},
		{"huge transfer", "[port]\ndevice=\"COM3\"\n[link]\nmax_info_length = 9000", "max_info_length"},
		{"unknown icon", "[port]\ndevice=\"COM3\"\n[dock]\nicons = [\"fax\"]", "unknown icon"},
		{"bad desktop", "[port]\ndevice=\"COM3\"\n[dock]\ndesktop_type = \"amiga\"", "desktop_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestPortOptionsAppendsPIN(t *testing.T) {
	tests := []struct {
		url, pin, want string
	}{
		{"ws://host:7000/ws", "123456", "ws://host:7000/ws?pin=123456"},
		{"ws://host:7000/ws?x=1", "42", "ws://host:7000/ws?x=1&pin=42"},
		{"ws://host:7000/ws?pin=9", "42", "ws://host:7000/ws?pin=9"},
		{"ws://host:7000/ws", "", "ws://host:7000/ws"},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Port.Kind = string(port.KindWS)
		cfg.Port.URL = tt.url
		cfg.Port.PIN = tt.pin
		if got := cfg.PortOptions().URL; got != tt.want {
			t.Errorf("URL(%q, %q) = %q, want %q", tt.url, tt.pin, got, tt.want)
		}
	}
}

func TestIconShorthands(t *testing.T) {
	d := DockConfig{Icons: []string{"basic", "keyboard"}}
	got, err := d.icons()
	if err != nil {
		t.Fatalf("icons failed: %v", err)
	}
	if got != dock.IconsBasic|dock.IconKeyboard {
		t.Errorf("icons = %#x", got)
	}
}
