package endpoint

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	quicALPN = "plexus"

	// quicPreamble is written by the dialer right after opening its stream:
	// QUIC streams only become visible to the peer once data flows.
	quicPreamble byte = 0x50

	quicPreambleTimeout = 5 * time.Second
	quicAcceptQueue     = 16
)

type quicApplicationError struct {
	Code   quic.ApplicationErrorCode
	Prefix string
}

var (
	qErrClosed = quicApplicationError{
		Code:   0x0,
		Prefix: "closed",
	}
	qErrProtocol = quicApplicationError{
		Code:   0x1,
		Prefix: "protocol violation",
	}
)

func (qerr quicApplicationError) close(conn quic.Connection, msg string) error {
	if conn == nil {
		return nil
	}
	return conn.CloseWithError(qerr.Code, fmt.Sprintf("%s: %s", qerr.Prefix, msg))
}

// quicDriver carries one bidirectional stream per QUIC connection.
type quicDriver struct {
	addr string
	tls  *tls.Config
	qcfg *quic.Config
}

func newQUICDriver(cfg *Config) (Driver, error) {
	tlsCfg, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return nil, fmt.Errorf("%w: quic endpoints need TLS", ErrInvalidCfg)
	}
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{quicALPN}
	}
	if cfg.Mode == ModeListen && len(tlsCfg.Certificates) > 0 && tlsCfg.ClientCAs != nil {
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return &quicDriver{
		addr: cfg.Address(),
		tls:  tlsCfg,
		qcfg: &quic.Config{
			Versions:        []quic.Version{quic.Version2, quic.Version1},
			MaxIdleTimeout:  1 * time.Minute,
			KeepAlivePeriod: 15 * time.Second,
		},
	}, nil
}

func (d *quicDriver) Dial(ctx context.Context) (Conn, error) {
	conn, err := quic.DialAddr(ctx, d.addr, d.tls, d.qcfg)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		qErrProtocol.close(conn, "could not open stream")
		return nil, err
	}

	if _, err := stream.Write([]byte{quicPreamble}); err != nil {
		qErrProtocol.close(conn, "could not write preamble")
		return nil, err
	}

	return newQUICConn(conn, stream), nil
}

func (d *quicDriver) Listen(ctx context.Context) (Listener, error) {
	ln, err := quic.ListenAddr(d.addr, d.tls, d.qcfg)
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithCancel(context.Background())
	ql := &quicListener{
		ln:     ln,
		ready:  make(chan *quicConn, quicAcceptQueue),
		ctx:    lctx,
		cancel: cancel,
	}
	ql.wg.Add(1)
	go ql.acceptLoop()
	return ql, nil
}

type quicListener struct {
	ln     *quic.Listener
	ready  chan *quicConn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (l *quicListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		// A slow client must not hold the other ones back.
		l.wg.Add(1)
		go l.handshake(conn)
	}
}

func (l *quicListener) handshake(conn quic.Connection) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(l.ctx, quicPreambleTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		qErrProtocol.close(conn, "no stream opened")
		return
	}

	stream.SetReadDeadline(time.Now().Add(quicPreambleTimeout))
	var preamble [1]byte
	if _, err := io.ReadFull(stream, preamble[:]); err != nil || preamble[0] != quicPreamble {
		qErrProtocol.close(conn, "invalid preamble")
		return
	}
	stream.SetReadDeadline(time.Time{})

	select {
	case l.ready <- newQUICConn(conn, stream):
	case <-l.ctx.Done():
		qErrClosed.close(conn, "listener closed")
	}
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.ready:
		return conn, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Close() error {
	l.cancel()
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

func (l *quicListener) Addr() string {
	return l.ln.Addr().String()
}

type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
	buf    []byte
}

func newQUICConn(conn quic.Connection, stream quic.Stream) *quicConn {
	return &quicConn{conn: conn, stream: stream, buf: make([]byte, readBufferSize)}
}

func (c *quicConn) Read() ([]byte, error) {
	n, err := c.stream.Read(c.buf)
	if n > 0 {
		return append([]byte(nil), c.buf[:n]...), nil
	}
	return nil, err
}

func (c *quicConn) Write(data []byte) error {
	_, err := c.stream.Write(data)
	return err
}

func (c *quicConn) Close() error {
	c.stream.Close()
	return qErrClosed.close(c.conn, "endpoint closed")
}

func (c *quicConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
