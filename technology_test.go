package plexus

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/raskyld/plexus/pkg/envelope"
	"github.com/stretchr/testify/require"
)

func testLog() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
}

func newTestTech(t *testing.T, id string, opts ...Option) *Technology {
	t.Helper()
	opts = append([]Option{
		WithLog(testLog()),
		WithMetricSink(metrics.NewInmemSink(time.Second, time.Minute)),
	}, opts...)
	tech, err := New(id, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { tech.Shutdown() })
	return tech
}

// bindOnIntroduce binds the sender to the socket its introduction came from.
func bindOnIntroduce(ctx context.Context, _ *Technology, env *envelope.Envelope) (*envelope.Envelope, error) {
	origin, ok := OriginFrom(ctx)
	if !ok {
		return nil, errors.New("no origin")
	}
	if err := origin.Endpoint.BindPeer(origin.Socket, env.FromID); err != nil {
		return Answer(env, false, nil)
	}
	return Answer(env, true, nil)
}

func listenCfg() endpoint.Config {
	return endpoint.Config{
		Name: "bus",
		Kind: endpoint.KindStream,
		Mode: endpoint.ModeListen,
		Host: "127.0.0.1",
	}
}

// startBroker starts a Technology acting as the Core on a loopback port.
func startBroker(t *testing.T, opts ...Option) (*Technology, string) {
	t.Helper()
	opts = append([]Option{
		WithEndpoints(listenCfg()),
		WithHandlers(Handlers{TypeIntroduce: bindOnIntroduce}),
	}, opts...)
	core := newTestTech(t, DefaultCoreID, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, core.Start(ctx))
	require.NoError(t, core.WaitReady(ctx))

	ep, ok := core.Gateway().Endpoint("bus")
	require.True(t, ok)
	return core, ep.Addr()
}

// client is a bare socket speaking newline-delimited envelopes.
type client struct {
	t    *testing.T
	id   string
	conn net.Conn
	rd   *bufio.Reader
}

func dialClient(t *testing.T, addr, id string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, id: id, conn: conn, rd: bufio.NewReader(conn)}
}

func (c *client) send(env *envelope.Envelope) {
	c.t.Helper()
	if env.FromID == "" {
		env.FromID = c.id
	}
	data, err := envelope.Encode(env, envelope.FramingNewline)
	require.NoError(c.t, err)
	_, err = c.conn.Write(data)
	require.NoError(c.t, err)
}

func (c *client) recv() (*envelope.Envelope, error) {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.rd.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return envelope.Decode(line[:len(line)-1])
}

func (c *client) mustRecv() *envelope.Envelope {
	c.t.Helper()
	env, err := c.recv()
	require.NoError(c.t, err)
	return env
}

func (c *client) introduce(coreID string) {
	c.t.Helper()
	c.send(envelope.NewRequest(TypeIntroduce, coreID, time.Second))
	answer := c.mustRecv()
	require.True(c.t, answer.IsAnswer)
	require.True(c.t, answer.Succeeded())
}

func TestNew_InvalidID(t *testing.T) {
	_, err := New("not valid!")
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrNameInvalid)

	_, err = New("tech", WithDefaultTimeout(0))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestTechnology_NoEndpointsIsReady(t *testing.T) {
	tech := newTestTech(t, "lonely")
	require.Equal(t, StateStarting, tech.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tech.Start(ctx))
	require.NoError(t, tech.WaitReady(ctx))
	require.Equal(t, StateReady, tech.State())
	require.ErrorIs(t, tech.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, tech.Shutdown())
	require.Equal(t, StateStopped, tech.State())
	require.NoError(t, tech.Shutdown())
}

func TestTechnology_PingAnswered(t *testing.T) {
	_, addr := startBroker(t)
	c := dialClient(t, addr, "sensor")

	ping := envelope.NewRequest(TypePing, DefaultCoreID, time.Second)
	c.send(ping)

	answer := c.mustRecv()
	require.Equal(t, ping.ID, answer.ID)
	require.True(t, answer.IsAnswer)
	require.Equal(t, "sensor", answer.ToID)
	require.Equal(t, DefaultCoreID, answer.FromID)
	require.True(t, answer.Succeeded())
}

func TestTechnology_UnknownEventClosesSocket(t *testing.T) {
	_, addr := startBroker(t)
	c := dialClient(t, addr, "sensor")

	c.send(envelope.NewRequest("bogus", DefaultCoreID, time.Second))
	_, err := c.recv()
	require.Error(t, err)
}

func TestTechnology_MalformedFrameClosesSocket(t *testing.T) {
	_, addr := startBroker(t)
	c := dialClient(t, addr, "sensor")

	_, err := c.conn.Write([]byte("{\"type\":\"ping\"}\n"))
	require.NoError(t, err)
	_, err = c.recv()
	require.Error(t, err)
}

func TestTechnology_AuthorizerFailureClosesSocket(t *testing.T) {
	_, addr := startBroker(t, WithAuthorizer(
		func(_ context.Context, _ *Technology, env *envelope.Envelope) error {
			if env.Type == TypeIntroduce {
				return nil
			}
			return ErrUnauthorized
		},
	))
	c := dialClient(t, addr, "sensor")
	c.introduce(DefaultCoreID)

	c.send(envelope.NewRequest(TypePing, DefaultCoreID, time.Second))
	_, err := c.recv()
	require.Error(t, err)
}

func TestTechnology_HandlerPanicClosesSocket(t *testing.T) {
	_, addr := startBroker(t, WithHandlers(Handlers{
		"boom": func(context.Context, *Technology, *envelope.Envelope) (*envelope.Envelope, error) {
			panic("boom")
		},
	}))
	c := dialClient(t, addr, "sensor")

	c.send(envelope.NewRequest("boom", DefaultCoreID, time.Second))
	_, err := c.recv()
	require.Error(t, err)

	// The process survived.
	c2 := dialClient(t, addr, "other")
	c2.send(envelope.NewRequest(TypePing, DefaultCoreID, time.Second))
	require.True(t, c2.mustRecv().Succeeded())
}

func TestTechnology_FramesBeforeOverflowDispatched(t *testing.T) {
	notes := make(chan string, 1)
	_, addr := startBroker(t,
		WithMaxFrameSize(256),
		WithHandlers(Handlers{
			"note": func(_ context.Context, _ *Technology, env *envelope.Envelope) (*envelope.Envelope, error) {
				notes <- env.String("text")
				return nil, nil
			},
		}),
	)
	c := dialClient(t, addr, "sensor")

	note := envelope.New("note", DefaultCoreID)
	note.FromID = "sensor"
	require.NoError(t, note.Set("text", "before"))
	data, err := envelope.Encode(note, envelope.FramingNewline)
	require.NoError(t, err)
	data = append(data, make([]byte, 1024)...)
	_, err = c.conn.Write(data)
	require.NoError(t, err)

	select {
	case text := <-notes:
		require.Equal(t, "before", text)
	case <-time.After(5 * time.Second):
		t.Fatal("complete frame was dropped")
	}
	_, err = c.recv()
	require.Error(t, err)
}

func TestTechnology_AuthorizerSeesRequestAsReceived(t *testing.T) {
	seen := make(chan envelope.Envelope, 1)
	_, addr := startBroker(t, WithAuthorizer(
		func(_ context.Context, _ *Technology, env *envelope.Envelope) error {
			// Let the handler turn its envelope into the answer first.
			time.Sleep(20 * time.Millisecond)
			seen <- *env
			return nil
		},
	))
	c := dialClient(t, addr, "sensor")

	c.send(envelope.NewRequest(TypePing, DefaultCoreID, time.Second))
	require.True(t, c.mustRecv().Succeeded())

	req := <-seen
	require.Equal(t, "sensor", req.FromID)
	require.Equal(t, DefaultCoreID, req.ToID)
	require.False(t, req.IsAnswer)
	require.True(t, req.NeedsAnswer)
}

func TestTechnology_AuthorizerPanicClosesSocket(t *testing.T) {
	_, addr := startBroker(t, WithAuthorizer(
		func(_ context.Context, _ *Technology, env *envelope.Envelope) error {
			if env.FromID == "mallory" {
				panic("store exploded")
			}
			return nil
		},
	))
	c := dialClient(t, addr, "mallory")

	c.send(envelope.NewRequest(TypePing, DefaultCoreID, time.Second))
	_, err := c.recv()
	require.Error(t, err)

	c2 := dialClient(t, addr, "other")
	c2.send(envelope.NewRequest(TypePing, DefaultCoreID, time.Second))
	require.True(t, c2.mustRecv().Succeeded())
}

func TestTrigger_Answered(t *testing.T) {
	core, addr := startBroker(t)
	c := dialClient(t, addr, "sensor")
	c.introduce(DefaultCoreID)

	type result struct {
		answer *envelope.Envelope
		err    error
	}
	done := make(chan result, 1)
	go func() {
		req := envelope.NewRequest("read", "sensor", 2*time.Second)
		req.Set("register", 7)
		answer, err := core.Trigger(context.Background(), req)
		done <- result{answer, err}
	}()

	req := c.mustRecv()
	require.Equal(t, "read", req.Type)
	require.Equal(t, DefaultCoreID, req.FromID)
	require.Equal(t, "7", string(req.Payload()["register"]))

	require.NoError(t, req.ToAnswer(42, nil))
	c.send(req)

	res := <-done
	require.NoError(t, res.err)
	var value int
	require.NoError(t, res.answer.DecodeResult(&value))
	require.Equal(t, 42, value)
	require.Zero(t, core.Pending())
}

func TestTrigger_TimeoutThenLateAnswer(t *testing.T) {
	core, addr := startBroker(t)
	c := dialClient(t, addr, "sensor")
	c.introduce(DefaultCoreID)

	errCh := make(chan error, 1)
	go func() {
		_, err := core.Trigger(context.Background(), envelope.NewRequest("read", "sensor", 100*time.Millisecond))
		errCh <- err
	}()

	req := c.mustRecv()
	require.ErrorIs(t, <-errCh, ErrRequestTimeout)
	require.Zero(t, core.Pending())

	// The late answer is a no-op and the link survives it.
	require.NoError(t, req.ToAnswer(true, nil))
	c.send(req)

	c.send(envelope.NewRequest(TypePing, DefaultCoreID, time.Second))
	answer := c.mustRecv()
	require.True(t, answer.Succeeded())
	require.Zero(t, core.Pending())
}

func TestTrigger_ContextCancelled(t *testing.T) {
	core, addr := startBroker(t)
	c := dialClient(t, addr, "sensor")
	c.introduce(DefaultCoreID)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := core.Trigger(ctx, envelope.NewRequest("read", "sensor", 5*time.Second))
		errCh <- err
	}()

	c.mustRecv()
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Zero(t, core.Pending())
}

func TestTrigger_Undeliverable(t *testing.T) {
	core, _ := startBroker(t)

	_, err := core.Trigger(context.Background(), envelope.NewRequest("read", "ghost", time.Second))
	require.ErrorIs(t, err, ErrUndeliverable)
	require.Zero(t, core.Pending())
}

func TestTrigger_ShutdownReleasesPending(t *testing.T) {
	core, addr := startBroker(t)
	c := dialClient(t, addr, "sensor")
	c.introduce(DefaultCoreID)

	errCh := make(chan error, 1)
	go func() {
		_, err := core.Trigger(context.Background(), envelope.NewRequest("read", "sensor", 5*time.Second))
		errCh <- err
	}()

	c.mustRecv()
	require.NoError(t, core.Shutdown())
	require.ErrorIs(t, <-errCh, ErrShutdown)

	_, err := core.Trigger(context.Background(), envelope.NewRequest("read", "sensor", time.Second))
	require.ErrorIs(t, err, ErrShutdown)
}

func TestTechnology_ForwardsBetweenPeers(t *testing.T) {
	_, addr := startBroker(t)
	a := dialClient(t, addr, "a")
	b := dialClient(t, addr, "b")
	a.introduce(DefaultCoreID)
	b.introduce(DefaultCoreID)

	req := envelope.NewRequest(TypePing, "b", time.Second)
	req.Set("note", "hello")
	a.send(req)

	got := b.mustRecv()
	require.Equal(t, req.ID, got.ID)
	require.Equal(t, "a", got.FromID)
	require.Equal(t, "hello", got.String("note"))

	require.NoError(t, got.ToAnswer(true, nil))
	b.send(got)

	answer := a.mustRecv()
	require.Equal(t, req.ID, answer.ID)
	require.Equal(t, "b", answer.FromID)
	require.True(t, answer.Succeeded())

	// Nobody is bound to "ghost": dropped, the sender stays connected.
	a.send(envelope.NewRequest(TypePing, "ghost", time.Second))
	a.send(envelope.NewRequest(TypePing, DefaultCoreID, time.Second))
	require.True(t, a.mustRecv().Succeeded())
}

func TestTechnology_IntroducesToCore(t *testing.T) {
	core, addr := startBroker(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	child := newTestTech(t, "child", WithEndpoints(endpoint.Config{
		Name:      "core",
		Kind:      endpoint.KindStream,
		Mode:      endpoint.ModeConnect,
		Host:      host,
		Port:      port,
		Core:      true,
		Reconnect: true,
	}))
	require.Equal(t, StateStarting, child.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, child.Start(ctx))
	require.NoError(t, child.WaitReady(ctx))
	require.True(t, child.IsIntroduced())

	answer, err := core.Trigger(ctx, envelope.NewRequest(TypePing, "child", time.Second))
	require.NoError(t, err)
	require.True(t, answer.Succeeded())

	answer, err = child.Trigger(ctx, envelope.NewRequest(TypePing, DefaultCoreID, time.Second))
	require.NoError(t, err)
	require.True(t, answer.Succeeded())
}

func TestTechnology_IntroduceRejected(t *testing.T) {
	_, addr := startBroker(t, WithHandlers(Handlers{
		TypeIntroduce: func(_ context.Context, _ *Technology, env *envelope.Envelope) (*envelope.Envelope, error) {
			return Answer(env, false, nil)
		},
	}))
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	child := newTestTech(t, "child",
		WithIntroduceRetry(RetryPolicy{Attempts: 2, InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}),
		WithEndpoints(endpoint.Config{
			Name: "core",
			Kind: endpoint.KindStream,
			Mode: endpoint.ModeConnect,
			Host: host,
			Port: port,
			Core: true,
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, child.Start(ctx))
	require.ErrorIs(t, child.WaitReady(ctx), context.DeadlineExceeded)
	require.False(t, child.IsIntroduced())
	require.Equal(t, StateGatewayReady, child.State())
}
