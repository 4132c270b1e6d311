package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultUpstream = "http://localhost:8090/__air_internal/sse"
	WebSocketPath   = "/__air_internal/ws"
	EventStreamPath = "/__air_internal/sse"
)

// Duration is a time.Duration written as a string ("3s", "250ms") in every
// config format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

type RelayConfig struct {
	Host         string   `json:"host" toml:"host" yaml:"host"`
	Port         int      `json:"port" toml:"port" yaml:"port"`
	Upstream     string   `json:"upstream" toml:"upstream" yaml:"upstream"`
	IdleGrace    Duration `json:"idleGrace" toml:"idle_grace" yaml:"idleGrace"`
	BackoffBase  Duration `json:"backoffBase" toml:"backoff_base" yaml:"backoffBase"`
	BackoffMax   Duration `json:"backoffMax" toml:"backoff_max" yaml:"backoffMax"`
	SendBuffer   int      `json:"sendBuffer" toml:"send_buffer" yaml:"sendBuffer"`
	PingInterval Duration `json:"pingInterval" toml:"ping_interval" yaml:"pingInterval"`
	// AttachRate caps new tab connections per second; 0 disables the limit.
	AttachRate  float64 `json:"attachRate" toml:"attach_rate" yaml:"attachRate"`
	AttachBurst int     `json:"attachBurst" toml:"attach_burst" yaml:"attachBurst"`
}

type JournalConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	Path    string `json:"path" toml:"path" yaml:"path"`
}

type NotificationsConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	Webhook string `json:"webhook" toml:"webhook" yaml:"webhook"`
	NtfyURL string `json:"ntfy" toml:"ntfy" yaml:"ntfy"`
	Desktop bool   `json:"desktop" toml:"desktop" yaml:"desktop"`
}

type LogConfig struct {
	Dir   string `json:"dir" toml:"dir" yaml:"dir"`
	Level string `json:"level" toml:"level" yaml:"level"`
}

type Config struct {
	Relay         RelayConfig         `json:"relay" toml:"relay" yaml:"relay"`
	Journal       JournalConfig       `json:"journal" toml:"journal" yaml:"journal"`
	Notifications NotificationsConfig `json:"notifications" toml:"notifications" yaml:"notifications"`
	Log           LogConfig           `json:"log" toml:"log" yaml:"log"`
}

func baseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".reload-relay")
}

func Defaults() Config {
	return Config{
		Relay: RelayConfig{
			Host:         "127.0.0.1",
			Port:         8091,
			Upstream:     DefaultUpstream,
			IdleGrace:    Duration(3 * time.Second),
			BackoffBase:  Duration(time.Second),
			BackoffMax:   Duration(10 * time.Second),
			SendBuffer:   16,
			PingInterval: Duration(30 * time.Second),
			AttachRate:   20,
			AttachBurst:  40,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    DBPath(),
		},
		Notifications: NotificationsConfig{Desktop: true},
		Log: LogConfig{
			Dir:   LogDir(),
			Level: "info",
		},
	}
}

func DefaultPath() string {
	return filepath.Join(baseDir(), "config.json")
}

func DBPath() string {
	return filepath.Join(baseDir(), "journal.db")
}

func LogDir() string {
	return filepath.Join(baseDir(), "logs")
}

// Load reads path over Defaults. A missing file is not an error. The format
// follows the extension: .toml, .yaml/.yml, anything else is JSON.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Relay.Upstream)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("relay.upstream: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("relay.upstream: unsupported scheme %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("relay.upstream: missing host"))
	}

	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		errs = append(errs, fmt.Errorf("relay.port: %d out of range", c.Relay.Port))
	}
	if c.Relay.IdleGrace <= 0 {
		errs = append(errs, errors.New("relay.idleGrace must be positive"))
	}
	if c.Relay.BackoffBase <= 0 {
		errs = append(errs, errors.New("relay.backoffBase must be positive"))
	}
	if c.Relay.BackoffMax < c.Relay.BackoffBase {
		errs = append(errs, errors.New("relay.backoffMax must not be below backoffBase"))
	}
	if c.Relay.AttachRate < 0 {
		errs = append(errs, errors.New("relay.attachRate must not be negative"))
	}
	if c.Relay.SendBuffer < 1 {
		errs = append(errs, errors.New("relay.sendBuffer must be at least 1"))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the relay.
func (r RelayConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// WebSocketURL is the address a local client dials to reach the relay.
func (r RelayConfig) WebSocketURL() string {
	host := r.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(r.Port)) + WebSocketPath
}
