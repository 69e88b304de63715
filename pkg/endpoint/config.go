package endpoint

import (
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/raskyld/plexus/pkg/datagram"
)

const MaxNameLength = 128

var InvalidName = regexp.MustCompile(`[^A-Za-z0-9\-\.]+`)

// DefaultReconnectDelay applies when reconnection is enabled without delay.
const DefaultReconnectDelay = time.Second

// Kind of transport carrying an Endpoint.
type Kind string

const (
	KindStream    Kind = "stream"
	KindSerial    Kind = "serial"
	KindPubSub    Kind = "pubsub"
	KindWebSocket Kind = "websocket"
	KindQUIC      Kind = "quic"
)

// Mode tells whether the Endpoint accepts peers or reaches a single remote.
type Mode string

const (
	ModeListen  Mode = "listen"
	ModeConnect Mode = "connect"
)

// Config of one Endpoint. It is loaded from the registry file, or injected
// by the Core into its children.
type Config struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`
	Mode Mode   `yaml:"mode"`

	// Network is "tcp" (default) or "unix" for stream Endpoints.
	Network string `yaml:"network,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	// Path is the unix socket path, the serial device or the web socket
	// HTTP path.
	Path string `yaml:"path,omitempty"`
	// URL of the broker (pubsub) or of the remote web socket.
	URL      string `yaml:"url,omitempty"`
	Topic    string `yaml:"topic,omitempty"`
	BaudRate int    `yaml:"baudRate,omitempty"`

	TLSCertFile   string `yaml:"tlsCert,omitempty"`
	TLSKeyFile    string `yaml:"tlsKey,omitempty"`
	TLSCAFile     string `yaml:"tlsCA,omitempty"`
	TLSServerName string `yaml:"tlsServerName,omitempty"`
	TLSInsecure   bool   `yaml:"tlsInsecure,omitempty"`

	Reconnect      bool          `yaml:"reconnect,omitempty"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay,omitempty"`
	// MaxReconnectAttempts of zero or less means unlimited.
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts,omitempty"`
	DialTimeout          time.Duration `yaml:"dialTimeout,omitempty"`

	// Core marks the Endpoint linking this process to the Core.
	Core bool `yaml:"core,omitempty"`
	// Web marks the Endpoint browsers and UI clients connect through.
	Web bool `yaml:"web,omitempty"`
	// Raw Endpoints carry device bytes rather than envelopes.
	Raw bool `yaml:"raw,omitempty"`

	Datagram *datagram.Config `yaml:"datagram,omitempty"`

	// Driver, when set, replaces the driver registered for Kind.
	Driver Driver `yaml:"-"`
	// TLS, when set, replaces the TLS files.
	TLS *tls.Config `yaml:"-"`
}

func ValidateName(name string) bool {
	return name != "" && !InvalidName.MatchString(name) && len(name) <= MaxNameLength
}

func (cfg *Config) Validate() error {
	if !ValidateName(cfg.Name) {
		return ErrNameInvalid
	}
	switch cfg.Mode {
	case ModeListen, ModeConnect:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidCfg, cfg.Mode)
	}
	if cfg.Kind == "" && cfg.Driver == nil {
		return fmt.Errorf("%w: kind is required", ErrInvalidCfg)
	}
	if cfg.ReconnectDelay < 0 || cfg.DialTimeout < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidCfg)
	}
	return nil
}

// Address joins Host and Port.
func (cfg *Config) Address() string {
	host := cfg.Host
	if host == "" && cfg.Mode == ModeConnect {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

func (cfg *Config) reconnectDelay() time.Duration {
	if cfg.ReconnectDelay == 0 {
		return DefaultReconnectDelay
	}
	return cfg.ReconnectDelay
}
