// Package config loads newtdock settings from a TOML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/newtdock/internal/dock"
	"github.com/1ureka/newtdock/internal/link"
	"github.com/1ureka/newtdock/internal/mnp"
	"github.com/1ureka/newtdock/internal/port"
)

// Duration is a time.Duration written as a string such as "3s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the whole file.
type Config struct {
	Port    PortConfig    `toml:"port"`
	Link    LinkConfig    `toml:"link"`
	Dock    DockConfig    `toml:"dock"`
	Metrics MetricsConfig `toml:"metrics"`
}

type PortConfig struct {
	Kind         string `toml:"kind"` // serial, tcp, telnet or ws
	Device       string `toml:"device"`
	Baud         int    `toml:"baud"`
	HardwareFlow bool   `toml:"hardware_flow"`
	Address      string `toml:"address"`
	URL          string `toml:"url"`
	PIN          string `toml:"pin"`
}

type LinkConfig struct {
	AckTimeout    Duration `toml:"ack_timeout"`
	Retries       int      `toml:"retries"`
	QueueSize     int      `toml:"queue_size"`
	MaxInfoLength int      `toml:"max_info_length"`
	Credit        int      `toml:"credit"`
	PollInterval  Duration `toml:"poll_interval"`
}

type DockConfig struct {
	Password        string   `toml:"password"`
	SessionTimeout  Duration `toml:"session_timeout"`
	Icons           []string `toml:"icons"`
	DesktopType     string   `toml:"desktop_type"` // mac or windows
	PasswordRetries int      `toml:"password_retries"`
	AppName         string   `toml:"app_name"`
}

type MetricsConfig struct {
	Listen string `toml:"listen"` // empty disables the endpoint
}

var iconNames = map[string]dock.Icons{
	"backup":   dock.IconBackup,
	"restore":  dock.IconRestore,
	"install":  dock.IconInstall,
	"import":   dock.IconImport,
	"sync":     dock.IconSync,
	"keyboard": dock.IconKeyboard,
}

// Default returns the settings used when no file is given.
func Default() Config {
	lc := link.DefaultConfig()
	dc := dock.DefaultConfig()
	return Config{
		Port: PortConfig{
			Kind: string(port.KindSerial),
			Baud: port.DefaultBaud,
		},
		Link: LinkConfig{
			AckTimeout:    Duration{lc.AckTimeout},
			Retries:       lc.Retries,
			QueueSize:     lc.QueueSize,
			MaxInfoLength: int(lc.Params.MaxInfoLength),
			Credit:        int(lc.Credit),
			PollInterval:  Duration{lc.PollInterval},
		},
		Dock: DockConfig{
			SessionTimeout:  Duration{dc.SessionTimeout},
			Icons:           []string{"backup", "restore", "install", "import", "sync", "keyboard"},
			DesktopType:     "windows",
			PasswordRetries: dc.PasswordRetries,
			AppName:         "Newton Connection Utilities",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings that have no usable fallback.
func (c Config) Validate() error {
	switch port.Kind(c.Port.Kind) {
	case port.KindSerial:
		if strings.TrimSpace(c.Port.Device) == "" {
			return fmt.Errorf("port.device is required for a serial port")
		}
		if c.Port.Baud <= 0 {
			return fmt.Errorf("port.baud must be positive, got %d", c.Port.Baud)
		}
	case port.KindTCP, port.KindTelnet:
		if strings.TrimSpace(c.Port.Address) == "" {
			return fmt.Errorf("port.address is required for a %s port", c.Port.Kind)
		}
	case port.KindWS:
		if strings.TrimSpace(c.Port.URL) == "" {
			return fmt.Errorf("port.url is required for a ws port")
		}
	default:
		return fmt.Errorf("port.kind must be serial, tcp, telnet or ws, got %q", c.Port.Kind)
	}

	if c.Link.Retries < 1 {
		return fmt.Errorf("link.retries must be at least 1, got %d", c.Link.Retries)
	}
	if c.Link.AckTimeout.Duration <= 0 {
		return fmt.Errorf("link.ack_timeout must be positive")
	}
	if c.Link.MaxInfoLength < 1 || c.Link.MaxInfoLength > mnp.MaxFramePayload {
		return fmt.Errorf("link.max_info_length must be 1..%d, got %d", mnp.MaxFramePayload, c.Link.MaxInfoLength)
	}
	if c.Link.Credit < 1 || c.Link.Credit > 255 {
		return fmt.Errorf("link.credit must be 1..255, got %d", c.Link.Credit)
	}

	if _, err := c.Dock.icons(); err != nil {
		return err
	}
	if _, err := c.Dock.desktopType(); err != nil {
		return err
	}
	if c.Dock.PasswordRetries < 1 {
		return fmt.Errorf("dock.password_retries must be at least 1, got %d", c.Dock.PasswordRetries)
	}
	return nil
}

// PortOptions maps the [port] section for port.Open. The ws URL gets the
// PIN appended when one is configured separately.
func (c Config) PortOptions() port.Options {
	url := c.Port.URL
	if c.Port.PIN != "" && !strings.Contains(url, "pin=") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "pin=" + c.Port.PIN
	}
	return port.Options{
		Kind:         port.Kind(c.Port.Kind),
		Device:       c.Port.Device,
		Baud:         c.Port.Baud,
		HardwareFlow: c.Port.HardwareFlow,
		Address:      c.Port.Address,
		URL:          url,
	}
}

// LinkConfig maps the [link] section. name tags the engine's log lines.
func (c Config) LinkConfig(name string) link.Config {
	lc := link.DefaultConfig()
	lc.Name = name
	lc.AckTimeout = c.Link.AckTimeout.Duration
	lc.Retries = c.Link.Retries
	lc.QueueSize = c.Link.QueueSize
	lc.Credit = uint8(c.Link.Credit)
	lc.PollInterval = c.Link.PollInterval.Duration
	lc.Params.MaxInfoLength = uint16(c.Link.MaxInfoLength)
	return lc
}

// DockConfig maps the [dock] section. Call after Validate.
func (c Config) DockConfig() dock.Config {
	dc := dock.DefaultConfig()
	dc.Password = c.Dock.Password
	dc.SessionTimeout = c.Dock.SessionTimeout.Duration
	dc.PasswordRetries = c.Dock.PasswordRetries
	dc.Icons, _ = c.Dock.icons()
	dc.DesktopType, _ = c.Dock.desktopType()
	if c.Dock.AppName != "" {
		dc.Apps = dock.DefaultApps(c.Dock.AppName)
	}
	return dc
}

func (d DockConfig) icons() (dock.Icons, error) {
	var mask dock.Icons
	for _, name := range d.Icons {
		key := strings.ToLower(strings.TrimSpace(name))
		switch key {
		case "all":
			mask |= dock.IconsAll
			continue
		case "basic":
			mask |= dock.IconsBasic
			continue
		}
		bit, ok := iconNames[key]
		if !ok {
			return 0, fmt.Errorf("dock.icons: unknown icon %q", name)
		}
		mask |= bit
	}
	return mask, nil
}

func (d DockConfig) desktopType() (uint32, error) {
	switch strings.ToLower(strings.TrimSpace(d.DesktopType)) {
	case "mac", "macintosh":
		return dock.DesktopMac, nil
	case "windows", "win", "":
		return dock.DesktopWindows, nil
	default:
		return 0, fmt.Errorf("dock.desktop_type must be mac or windows, got %q", d.DesktopType)
	}
}
