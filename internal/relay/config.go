package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/relaymesh/internal/relay/routing"
	"github.com/relaymesh/relaymesh/internal/transport"
)

// Config holds the relay server configuration (spec.md §6 "Relay CLI /
// configuration").
type Config struct {
	Control  ControlConfig  `yaml:"control"`
	Ingress  IngressConfig  `yaml:"ingress"`
	TLS      TLSConfig      `yaml:"tls"`
	Auth     AuthConfig     `yaml:"auth"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
	Admin    AdminConfig    `yaml:"admin"`
	BaseDomain string       `yaml:"base_domain"`
}

// AdminConfig controls the optional local introspection endpoint
// (SPEC_FULL.md §12.4). Empty Addr disables it; this is a single JSON
// snapshot route, not the REST/Swagger admin API spec.md treats as an
// external collaborator.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// ControlConfig is where agents connect to register tunnels.
type ControlConfig struct {
	Mode string `yaml:"mode"` // "quic", "tcp", or "websocket"
	Addr string `yaml:"addr"`
}

func (c ControlConfig) ModeValue() transport.Mode {
	switch c.Mode {
	case "tcp":
		return transport.ModeTCP
	case "websocket":
		return transport.ModeWebSocket
	default:
		return transport.ModeQUIC
	}
}

// IngressConfig names the four public-facing listeners (spec.md §4.5).
type IngressConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	HTTPSAddr          string `yaml:"https_addr"`
	TLSPassthroughAddr string `yaml:"tls_passthrough_addr"`
	TCPPortLow         uint16 `yaml:"tcp_port_low"`
	TCPPortHigh        uint16 `yaml:"tcp_port_high"`
}

func (c IngressConfig) PortRange() routing.PortRange {
	return routing.PortRange{Low: c.TCPPortLow, High: c.TCPPortHigh}
}

// TLSConfig controls certificate settings for the HTTPS listener and,
// optionally, the control transport (spec.md §4.5, §4.1).
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig holds the shared secret for bearer-token authentication
// (spec.md §4.3).
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret"`
}

// TunnelConfig controls tunnel liveness and the idle timeout applied to
// public connections before routing completes. MaxStreamsPerTunnel is
// parsed and defaulted but not read by the relay: no per-tunnel stream
// limit is enforced.
type TunnelConfig struct {
	PingInterval       time.Duration `yaml:"ping_interval"`
	IdleConnTimeout    time.Duration `yaml:"idle_conn_timeout"`
	MaxStreamsPerTunnel int          `yaml:"max_streams_per_tunnel"`
}

// LoadConfig reads and parses a relay configuration file, applying
// defaults before unmarshalling (teacher's internal/relay/config.go
// pattern) and validating required fields by hand afterward.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Control: ControlConfig{Mode: "quic", Addr: ":9443"},
		Ingress: IngressConfig{
			HTTPAddr:           ":8080",
			HTTPSAddr:          ":8443",
			TLSPassthroughAddr: ":8444",
			TCPPortLow:         20000,
			TCPPortHigh:        20100,
		},
		Tunnel: TunnelConfig{
			PingInterval:        15 * time.Second,
			IdleConnTimeout:     0,
			MaxStreamsPerTunnel: 1000,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Auth.SharedSecret == "" {
		return nil, fmt.Errorf("auth.shared_secret is required")
	}
	if cfg.BaseDomain == "" {
		return nil, fmt.Errorf("base_domain is required")
	}
	if cfg.Ingress.TCPPortLow > cfg.Ingress.TCPPortHigh {
		return nil, fmt.Errorf("ingress.tcp_port_low must be <= tcp_port_high")
	}
	if cfg.TLS.Enabled && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return nil, fmt.Errorf("tls.cert_file and tls.key_file are required when tls.enabled")
	}
	return cfg, nil
}
