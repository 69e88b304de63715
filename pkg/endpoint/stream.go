package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

const readBufferSize = 32 * 1024

// streamDriver carries bytes over TCP or unix domain sockets.
type streamDriver struct {
	network string
	addr    string
}

func newStreamDriver(cfg *Config) (Driver, error) {
	d := &streamDriver{network: cfg.Network}
	switch d.network {
	case "", "tcp":
		d.network = "tcp"
		d.addr = cfg.Address()
	case "unix":
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: unix sockets need a path", ErrInvalidCfg)
		}
		d.addr = cfg.Path
	default:
		return nil, fmt.Errorf("%w: unknown network %q", ErrInvalidCfg, cfg.Network)
	}
	return d, nil
}

func (d *streamDriver) Dial(ctx context.Context) (Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, d.network, d.addr)
	if err != nil {
		if d.network == "unix" && errors.Is(err, os.ErrNotExist) {
			// The listener may not have created its socket yet.
			err = Recoverable(err)
		}
		return nil, err
	}
	return newNetConn(conn), nil
}

func (d *streamDriver) Listen(ctx context.Context) (Listener, error) {
	if d.network == "unix" {
		// A stale socket file from a previous run prevents binding.
		if fi, err := os.Stat(d.addr); err == nil && fi.Mode()&os.ModeSocket != 0 {
			os.Remove(d.addr)
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, d.network, d.addr)
	if err != nil {
		return nil, err
	}
	return &netListener{ln: ln}, nil
}

type netConn struct {
	conn net.Conn
	buf  []byte
}

func newNetConn(conn net.Conn) *netConn {
	return &netConn{conn: conn, buf: make([]byte, readBufferSize)}
}

func (c *netConn) Read() ([]byte, error) {
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		// The error, if any, is returned by the next call.
		return append([]byte(nil), c.buf[:n]...), nil
	}
	return nil, err
}

func (c *netConn) Write(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

func (c *netConn) Close() error {
	return c.conn.Close()
}

func (c *netConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

type netListener struct {
	ln net.Listener
}

func (l *netListener) Accept(_ context.Context) (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", ErrListenerClosed, err)
		}
		return nil, err
	}
	return newNetConn(conn), nil
}

func (l *netListener) Close() error {
	return l.ln.Close()
}

func (l *netListener) Addr() string {
	return l.ln.Addr().String()
}
