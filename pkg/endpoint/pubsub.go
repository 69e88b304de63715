package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	pubsubChanSize       = 256
	defaultPubSubTimeout = 2 * time.Second
)

// pubsubDriver publishes and subscribes to one NATS subject. Both sides of
// a pubsub link dial the broker, so only connect mode is supported.
//
// The client's own reconnection is disabled: losing the broker surfaces as
// a lost connection and the Endpoint reconnection policy applies.
type pubsubDriver struct {
	url   string
	topic string
	opts  []nats.Option
}

func newPubSubDriver(cfg *Config) (Driver, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: pubsub endpoints need a topic", ErrInvalidCfg)
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = defaultPubSubTimeout
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.NoEcho(),
		nats.NoReconnect(),
		nats.Timeout(timeout),
	}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		opts = append(opts, nats.ClientCert(cfg.TLSCertFile, cfg.TLSKeyFile))
	}
	if cfg.TLSCAFile != "" {
		opts = append(opts, nats.RootCAs(cfg.TLSCAFile))
	}
	if cfg.TLS != nil {
		opts = append(opts, nats.Secure(cfg.TLS))
	}

	return &pubsubDriver{url: url, topic: cfg.Topic, opts: opts}, nil
}

func (d *pubsubDriver) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &pubsubConn{
		topic:  d.topic,
		msgs:   make(chan *nats.Msg, pubsubChanSize),
		closed: make(chan struct{}),
	}

	opts := append([]nats.Option{}, d.opts...)
	opts = append(opts,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { c.lost(err) }),
		nats.ClosedHandler(func(*nats.Conn) { c.lost(nil) }),
	)

	nc, err := nats.Connect(d.url, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrNoServers) || errors.Is(err, nats.ErrTimeout) {
			return nil, Recoverable(err)
		}
		return nil, err
	}

	sub, err := nc.ChanSubscribe(d.topic, c.msgs)
	if err != nil {
		nc.Close()
		return nil, err
	}

	c.nc = nc
	c.sub = sub
	return c, nil
}

func (d *pubsubDriver) Listen(context.Context) (Listener, error) {
	return nil, fmt.Errorf("%w: pubsub", ErrModeUnsupported)
}

type pubsubConn struct {
	nc    *nats.Conn
	sub   *nats.Subscription
	topic string
	msgs  chan *nats.Msg

	once   sync.Once
	cause  error
	closed chan struct{}
}

func (c *pubsubConn) lost(err error) {
	c.once.Do(func() {
		c.cause = err
		close(c.closed)
	})
}

func (c *pubsubConn) Read() ([]byte, error) {
	select {
	case msg := <-c.msgs:
		return msg.Data, nil
	case <-c.closed:
		if c.cause != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionLost, c.cause)
		}
		return nil, ErrConnectionLost
	}
}

func (c *pubsubConn) Write(data []byte) error {
	return c.nc.Publish(c.topic, data)
}

func (c *pubsubConn) Close() error {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.nc.Close()
	c.lost(nil)
	return nil
}

func (c *pubsubConn) RemoteAddr() string {
	return c.nc.ConnectedUrlRedacted()
}
