package gateway

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/stretchr/testify/require"
)

func testLog() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
}

// gatedDriver blocks dials until released.
type gatedDriver struct {
	release chan struct{}
}

func newGatedDriver() *gatedDriver {
	return &gatedDriver{release: make(chan struct{})}
}

func (d *gatedDriver) Dial(ctx context.Context) (endpoint.Conn, error) {
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &idleConn{closed: make(chan struct{})}, nil
}

func (d *gatedDriver) Listen(context.Context) (endpoint.Listener, error) {
	return nil, endpoint.ErrModeUnsupported
}

// idleConn never receives anything.
type idleConn struct {
	closed chan struct{}
}

func (c *idleConn) Read() ([]byte, error) {
	<-c.closed
	return nil, net.ErrClosed
}

func (c *idleConn) Write([]byte) error { return nil }

func (c *idleConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *idleConn) RemoteAddr() string { return "idle" }

func newTestGateway(t *testing.T, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{
		WithLog(testLog()),
		WithMetricSink(metrics.NewInmemSink(time.Second, time.Minute)),
	}, opts...)
	gw, err := New("tech", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })
	return gw
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for pos := 0; pos <= len(p); pos++ {
			perm := make([]int, 0, n)
			perm = append(perm, p[:pos]...)
			perm = append(perm, n-1)
			perm = append(perm, p[pos:]...)
			out = append(out, perm)
		}
	}
	return out
}

func TestGateway_ReadyOncePerOrdering(t *testing.T) {
	for _, order := range permutations(3) {
		drivers := []*gatedDriver{newGatedDriver(), newGatedDriver(), newGatedDriver()}
		gw := newTestGateway(t)
		for i, d := range drivers {
			_, err := gw.AddEndpoint(endpoint.Config{
				Name:   []string{"a", "b", "c"}[i],
				Mode:   endpoint.ModeConnect,
				Driver: d,
			})
			require.NoError(t, err)
		}

		startErr := make(chan error, 1)
		go func() { startErr <- gw.Start(context.Background()) }()

		for step, idx := range order {
			require.False(t, isClosed(gw.Ready()), "ready before the last endpoint (order %v)", order)
			close(drivers[idx].release)
			if step < len(order)-1 {
				ep, _ := gw.Endpoint([]string{"a", "b", "c"}[idx])
				require.Eventually(t, ep.Ready, time.Second, time.Millisecond)
			}
		}

		select {
		case <-gw.Ready():
		case <-time.After(2 * time.Second):
			t.Fatalf("gateway never ready (order %v)", order)
		}
		require.NoError(t, <-startErr)
		require.True(t, gw.IsReady())

		// A later ready event from a recreated endpoint changes nothing.
		_, err := gw.Recreate(context.Background(), "a")
		require.NoError(t, err)
		require.True(t, isClosed(gw.Ready()))
		require.NoError(t, gw.Close())
	}
}

func TestGateway_EmptyIsReady(t *testing.T) {
	gw := newTestGateway(t)
	require.False(t, gw.IsReady())
	require.NoError(t, gw.Start(context.Background()))
	require.True(t, isClosed(gw.Ready()))
}

func TestGateway_WriteUnknownEndpoint(t *testing.T) {
	gw := newTestGateway(t)
	require.NotPanics(t, func() {
		require.ErrorIs(t, gw.Write("nope", []byte("x")), ErrUnknownEndpoint)
		require.ErrorIs(t, gw.WriteTo("nope", "peer", []byte("x")), ErrUnknownEndpoint)
		require.ErrorIs(t, gw.WriteToSocket("nope", 0, []byte("x")), ErrUnknownEndpoint)
	})
	_, err := gw.Recreate(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestGateway_DuplicateEndpoint(t *testing.T) {
	cfg := endpoint.Config{Name: "dup", Mode: endpoint.ModeConnect, Driver: newGatedDriver()}
	gw := newTestGateway(t, WithEndpoints(cfg))
	_, err := gw.AddEndpoint(cfg)
	require.ErrorIs(t, err, ErrNameConflict)
	require.Len(t, gw.Endpoints(), 1)
}

func TestGateway_EventsAndFindPeer(t *testing.T) {
	gw := newTestGateway(t, WithEndpoints(
		endpoint.Config{Name: "core", Kind: endpoint.KindStream, Mode: endpoint.ModeListen, Host: "127.0.0.1", Core: true},
		endpoint.Config{Name: "web", Kind: endpoint.KindStream, Mode: endpoint.ModeListen, Host: "127.0.0.1", Web: true},
	))
	require.NoError(t, gw.Start(context.Background()))
	<-gw.Ready()

	core, ok := gw.CoreEndpoint()
	require.True(t, ok)
	require.Equal(t, "core", core.Name())

	web, _ := gw.Endpoint("web")
	conn, err := net.Dial("tcp", web.Addr())
	require.NoError(t, err)
	defer conn.Close()

	var ev endpoint.Event
	require.Eventually(t, func() bool {
		select {
		case ev = <-gw.Events():
			return ev.Kind == endpoint.EventConnection
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, "web", ev.Endpoint.Name())

	require.NoError(t, web.BindPeer(ev.Socket, "browser-1"))
	found, idx, ok := gw.FindPeer("browser-1")
	require.True(t, ok)
	require.Equal(t, web, found)
	require.Equal(t, ev.Socket, idx)

	_, _, ok = gw.FindPeer("ghost")
	require.False(t, ok)

	require.NoError(t, gw.WriteTo("web", "browser-1", []byte("hi\n")))
	buf := make([]byte, 3)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(buf))
}
