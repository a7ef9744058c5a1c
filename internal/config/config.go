package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/mheijden/linkup/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Hub      Hub      `json:"hub"`
	Backend  Backend  `json:"backend"`
	Chat     Chat     `json:"chat"`
	Call     Call     `json:"call"`
	Log      Log      `json:"log"`
}

type Identity struct {
	// Opaque identity token attached to the websocket dial. Issued by the
	// (out of scope) auth service; stable for the connection lifetime.
	ID      string `json:"id"`
	Display string `json:"display"`
}

type Hub struct {
	// Websocket endpoint the agent dials, e.g. ws://localhost:8686/ws.
	URL string `json:"url"`

	// Reconnect supervisor tuning.
	InitialBackoffMs int `json:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms"`

	// Outbound frames buffered while disconnected (drop-oldest beyond this).
	SendQueueSize int `json:"send_queue_size"`

	// Hub mode only: listen address and data directory for the message log.
	Listen  string `json:"listen"`
	DataDir string `json:"data_dir"`
}

type Backend struct {
	// Base URL of the request/response collaborator endpoints (chat list,
	// history pages, read receipts). Usually the hub's HTTP address.
	URL string `json:"url"`
}

type Chat struct {
	SeenDebounceMs  int `json:"seen_debounce_ms"`
	HistoryPageSize int `json:"history_page_size"`
}

type Call struct {
	STUNServers []string `json:"stun_servers"`

	// Deadline for local capture plus offer/answer creation.
	CaptureTimeoutSec int `json:"capture_timeout_sec"`

	// Deadline for the full negotiation; expiry moves the call to failed.
	NegotiationTimeoutSec int `json:"negotiation_timeout_sec"`
}

type Log struct {
	Level string `json:"level"` // debug|info|warn|error
}

func Default() Config {
	return Config{
		Identity: Identity{},
		Hub: Hub{
			URL:              "ws://127.0.0.1:8686/ws",
			InitialBackoffMs: 500,
			MaxBackoffMs:     30_000,
			SendQueueSize:    64,
			Listen:           "127.0.0.1:8686",
			DataDir:          "data",
		},
		Backend: Backend{
			URL: "http://127.0.0.1:8686",
		},
		Chat: Chat{
			SeenDebounceMs:  200,
			HistoryPageSize: 50,
		},
		Call: Call{
			STUNServers:           []string{"stun:stun.l.google.com:19302"},
			CaptureTimeoutSec:     10,
			NegotiationTimeoutSec: 30,
		},
		Log: Log{Level: "info"},
	}
}

func (c *Config) Validate() error {
	// Hub
	if err := validateWSURL(c.Hub.URL); err != nil {
		return fmt.Errorf("hub.url: %w", err)
	}
	if c.Hub.InitialBackoffMs <= 0 {
		return errors.New("hub.initial_backoff_ms must be > 0")
	}
	if c.Hub.MaxBackoffMs < c.Hub.InitialBackoffMs {
		return errors.New("hub.max_backoff_ms must be >= hub.initial_backoff_ms")
	}
	if c.Hub.SendQueueSize <= 0 {
		return errors.New("hub.send_queue_size must be > 0")
	}
	if c.Hub.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Hub.Listen); err != nil {
			return fmt.Errorf("hub.listen: %w", err)
		}
	}

	// Backend
	if err := validateHTTPURL(c.Backend.URL); err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}

	// Chat
	if c.Chat.SeenDebounceMs <= 0 {
		return errors.New("chat.seen_debounce_ms must be > 0")
	}
	if c.Chat.HistoryPageSize <= 0 || c.Chat.HistoryPageSize > 500 {
		return errors.New("chat.history_page_size must be 1..500")
	}

	// Call
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun: or turn:", s)
		}
	}
	if c.Call.CaptureTimeoutSec <= 0 {
		return errors.New("call.capture_timeout_sec must be > 0")
	}
	if c.Call.NegotiationTimeoutSec <= 0 {
		return errors.New("call.negotiation_timeout_sec must be > 0")
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}

	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
