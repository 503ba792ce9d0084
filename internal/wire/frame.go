// Package wire implements the RelayMesh control/data wire protocol: a
// length-delimited stream of tagged-union frames carried on every stream of
// a transport session.
package wire

// MaxFrameSize is the largest payload a single frame may carry. Frames
// larger than this are a protocol violation (spec: kill the session with
// reason "frame too large").
const MaxFrameSize = 16 * 1024 * 1024

// Tag identifies a frame variant. Values match the wire table in spec.md §6.
type Tag uint32

const (
	TagConnect           Tag = 0x01
	TagConnected         Tag = 0x02
	TagDisconnect        Tag = 0x03
	TagPing              Tag = 0x04
	TagPong              Tag = 0x05
	TagHTTPStreamConnect Tag = 0x10
	TagHTTPStreamData    Tag = 0x11
	TagHTTPStreamClose   Tag = 0x12
	TagTCPConnect        Tag = 0x20
	TagTCPData           Tag = 0x21
	TagTCPClose          Tag = 0x22
)

// BindingKind enumerates the ProtocolBinding variants (spec.md §3/§6).
type BindingKind uint32

const (
	BindingHTTP BindingKind = iota
	BindingHTTPS
	BindingTCP
	BindingTLS
)

// Binding is one requested or granted public endpoint.
type Binding struct {
	Kind       BindingKind
	Subdomain  string // Http/Https: optional requested subdomain ("" = relay-assigned)
	Port       uint16 // Tcp/Tls: requested port (0 = relay-assigned)
	SNIPattern string // Tls: sni pattern to route on
}

// TunnelConfig carries agent-local policy the relay treats mostly as
// opaque (spec.md §6); only IPAllowlist and LocalHTTPS are relay-relevant.
type TunnelConfig struct {
	LocalHost          string
	LocalPort          uint16
	LocalHTTPS         bool
	ExitNode           string
	Failover           bool
	IPAllowlist        []string
	EnableCompression  bool
	EnableMultiplexing bool
}

// Endpoint describes one granted binding (spec.md §6).
type Endpoint struct {
	Binding   Binding
	PublicURL string
	Port      uint16 // set when Binding.Kind is Tcp or Tls
}

// Frame is the decoded form of a single wire message. Only the fields
// relevant to Tag are populated; it is a tagged union represented as a
// flat struct rather than an interface hierarchy, per spec.md §9 design
// notes ("do not overload an HTTP/TCP distinction onto inheritance").
type Frame struct {
	Tag Tag

	// Connect
	TunnelIDHint string
	AuthToken    string
	Protocols    []Binding
	Config       TunnelConfig

	// Connected
	TunnelID  string
	Endpoints []Endpoint

	// Disconnect
	Reason string

	// Ping / Pong
	Timestamp uint64

	// HttpStreamConnect / TcpConnect / *Data / *Close
	StreamID   uint64
	InitialData []byte
	Data        []byte
	PublicPort  uint16
}
