package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"syscall"

	"github.com/tarm/serial"
)

const defaultBaudRate = 9600

// serialDriver opens a serial device, 8N1. It only supports connect mode.
type serialDriver struct {
	cfg serial.Config
}

func newSerialDriver(cfg *Config) (Driver, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: serial endpoints need a device path", ErrInvalidCfg)
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = defaultBaudRate
	}
	return &serialDriver{
		cfg: serial.Config{
			Name:     cfg.Path,
			Baud:     baud,
			Size:     8,
			Parity:   serial.ParityNone,
			StopBits: serial.Stop1,
		},
	}, nil
}

func (d *serialDriver) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := d.cfg
	port, err := serial.OpenPort(&cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.EBUSY) {
			// Unplugged or still held by another process.
			return nil, Recoverable(err)
		}
		return nil, err
	}
	return &serialConn{port: port, path: d.cfg.Name, buf: make([]byte, 4096)}, nil
}

func (d *serialDriver) Listen(context.Context) (Listener, error) {
	return nil, fmt.Errorf("%w: serial", ErrModeUnsupported)
}

type serialConn struct {
	port *serial.Port
	path string
	buf  []byte
}

func (c *serialConn) Read() ([]byte, error) {
	n, err := c.port.Read(c.buf)
	if n > 0 {
		return append([]byte(nil), c.buf[:n]...), nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		// The device went away.
		return nil, ErrConnectionLost
	}
	return nil, err
}

func (c *serialConn) Write(data []byte) error {
	_, err := c.port.Write(data)
	return err
}

func (c *serialConn) Close() error {
	return c.port.Close()
}

func (c *serialConn) RemoteAddr() string {
	return c.path
}
