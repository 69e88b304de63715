package endpoint

import (
	"context"
	"fmt"
	"sync"
)

// Conn is one live connection of an Endpoint.
//
// Read MUST NOT be called concurrently. Write is serialised by the Endpoint.
type Conn interface {
	// Read blocks until the next chunk (stream transports) or message
	// (message transports) arrives.
	Read() ([]byte, error)
	Write([]byte) error
	Close() error
	RemoteAddr() string
}

// Listener accepts the connections of a listen-mode Endpoint.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
}

// Driver is the transport plug-in behind an Endpoint. Device drivers are
// integrated by implementing it.
type Driver interface {
	Dial(ctx context.Context) (Conn, error)
	Listen(ctx context.Context) (Listener, error)
}

// DriverFactory builds the Driver of an Endpoint from its configuration.
type DriverFactory func(cfg *Config) (Driver, error)

var (
	driversLk sync.RWMutex
	drivers   = map[Kind]DriverFactory{
		KindStream:    newStreamDriver,
		KindSerial:    newSerialDriver,
		KindPubSub:    newPubSubDriver,
		KindWebSocket: newWebSocketDriver,
		KindQUIC:      newQUICDriver,
	}
)

// RegisterDriver makes a transport available to configurations using kind.
// It replaces any driver already registered for kind.
func RegisterDriver(kind Kind, factory DriverFactory) {
	driversLk.Lock()
	defer driversLk.Unlock()
	drivers[kind] = factory
}

func driverFor(cfg *Config) (Driver, error) {
	if cfg.Driver != nil {
		return cfg.Driver, nil
	}

	driversLk.RLock()
	factory, ok := drivers[cfg.Kind]
	driversLk.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	return factory(cfg)
}
