package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/relaymesh/internal/transport"
	"github.com/relaymesh/relaymesh/internal/wire"
)

// Config holds the agent configuration (spec.md §6).
type Config struct {
	Relay    RelayConfig    `yaml:"relay"`
	Auth     AuthConfig     `yaml:"auth"`
	Bindings []BindingSpec  `yaml:"bindings"`
	Local    LocalConfig    `yaml:"local"`
	Allow    AllowlistSpec  `yaml:"allowlist"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
}

// RelayConfig specifies how to reach the relay's control transport.
type RelayConfig struct {
	Mode               string `yaml:"mode"` // "quic", "tcp", or "websocket"
	Addr               string `yaml:"addr"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

func (c RelayConfig) ModeValue() transport.Mode {
	switch c.Mode {
	case "tcp":
		return transport.ModeTCP
	case "websocket":
		return transport.ModeWebSocket
	default:
		return transport.ModeQUIC
	}
}

// AuthConfig holds the bearer token presented at Connect time.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// BindingSpec is one requested public binding (spec.md §3 ProtocolBinding).
type BindingSpec struct {
	Kind       string `yaml:"kind"` // "http", "https", "tcp", or "tls"
	Subdomain  string `yaml:"subdomain"`
	Port       uint16 `yaml:"port"`
	SNIPattern string `yaml:"sni_pattern"`
}

func (b BindingSpec) ToWire() (wire.Binding, error) {
	switch b.Kind {
	case "http":
		return wire.Binding{Kind: wire.BindingHTTP, Subdomain: b.Subdomain}, nil
	case "https":
		return wire.Binding{Kind: wire.BindingHTTPS, Subdomain: b.Subdomain}, nil
	case "tcp":
		return wire.Binding{Kind: wire.BindingTCP, Port: b.Port}, nil
	case "tls":
		return wire.Binding{Kind: wire.BindingTLS, Port: b.Port, SNIPattern: b.SNIPattern}, nil
	default:
		return wire.Binding{}, fmt.Errorf("unknown binding kind %q", b.Kind)
	}
}

// LocalConfig specifies the local service the agent forwards to.
type LocalConfig struct {
	Host  string `yaml:"host"`
	Port  uint16 `yaml:"port"`
	HTTPS bool   `yaml:"https"`
}

// AllowlistSpec restricts which local destinations the agent will dial
// (spec.md §4.8).
type AllowlistSpec struct {
	Networks []string `yaml:"networks"`
	Ports    []int    `yaml:"ports"`
}

// TunnelConfig controls reconnection, tunnel-id hinting, and liveness.
type TunnelConfig struct {
	TunnelIDHint      string        `yaml:"tunnel_id_hint"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	PingInterval      time.Duration `yaml:"ping_interval"`
}

// LoadConfig reads and parses an agent configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Relay: RelayConfig{Mode: "quic"},
		Local: LocalConfig{Host: "127.0.0.1", Port: 8080},
		Tunnel: TunnelConfig{
			ReconnectDelay:    2 * time.Second,
			MaxReconnectDelay: 60 * time.Second,
			PingInterval:      15 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Relay.Addr == "" {
		return nil, fmt.Errorf("relay.addr is required")
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("auth.token is required")
	}
	if len(cfg.Bindings) == 0 {
		return nil, fmt.Errorf("at least one binding is required")
	}
	return cfg, nil
}
