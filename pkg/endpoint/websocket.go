package endpoint

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsReadHeaderTimeout = 10 * time.Second

// webSocketDriver carries one message per web socket text frame.
type webSocketDriver struct {
	url  string
	addr string
	path string
	tls  *tls.Config
}

func newWebSocketDriver(cfg *Config) (Driver, error) {
	tlsCfg, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}

	d := &webSocketDriver{
		addr: cfg.Address(),
		path: cfg.Path,
		tls:  tlsCfg,
	}
	if d.path == "" {
		d.path = "/"
	}

	d.url = cfg.URL
	if d.url == "" {
		scheme := "ws"
		if tlsCfg != nil {
			scheme = "wss"
		}
		d.url = (&url.URL{Scheme: scheme, Host: d.addr, Path: d.path}).String()
	}
	return d, nil
}

func (d *webSocketDriver) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: d.tls,
	}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.HandshakeTimeout = time.Until(deadline)
	}

	conn, resp, err := dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusInternalServerError {
			return nil, Recoverable(fmt.Errorf("%w: status %d", err, resp.StatusCode))
		}
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func (d *webSocketDriver) Listen(ctx context.Context) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", d.addr)
	if err != nil {
		return nil, err
	}

	wl := &wsListener{
		ln:     ln,
		conns:  make(chan *wsConn),
		closed: make(chan struct{}),
		upgrader: websocket.Upgrader{
			// Browsers served from anywhere are allowed to connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(d.path, wl.upgrade)
	wl.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: wsReadHeaderTimeout,
		TLSConfig:         d.tls,
	}

	go func() {
		if d.tls != nil {
			wl.srv.ServeTLS(ln, "", "")
		} else {
			wl.srv.Serve(ln)
		}
		wl.Close()
	}()
	return wl, nil
}

type wsListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	conns    chan *wsConn

	closeOnce sync.Once
	closed    chan struct{}
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client.
		return
	}

	select {
	case l.conns <- &wsConn{conn: conn}:
	case <-l.closed:
		conn.Close()
	case <-r.Context().Done():
		conn.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() string {
	return l.ln.Addr().String()
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read() ([]byte, error) {
	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (c *wsConn) Write(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
