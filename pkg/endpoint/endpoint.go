// Package endpoint implements the connection points of the bus.
//
// An Endpoint wraps one transport, either listening for many peers or
// connected to a single remote, and reports everything happening on it as
// an Event. Sockets are addressed by their index in the socket list, and a
// listen-mode Endpoint reuses the first free slot when a peer connects.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/plexus/pkg/datagram"
	"github.com/raskyld/plexus/pkg/telemetry"
)

var (
	MetricConnEstCount     = []string{"plexus", "endpoint", "connection", "established", "count"}
	MetricConnErrorCount   = []string{"plexus", "endpoint", "connection", "error", "count"}
	MetricConnClosedCount  = []string{"plexus", "endpoint", "connection", "closed", "count"}
	MetricReconnectCount   = []string{"plexus", "endpoint", "reconnect", "count"}
	MetricInBytes          = []string{"plexus", "endpoint", "in", "bytes"}
	MetricOutBytes         = []string{"plexus", "endpoint", "out", "bytes"}
	MetricOutErrorCount    = []string{"plexus", "endpoint", "out", "error", "count"}
	MetricSocketCountGauge = []string{"plexus", "endpoint", "sockets"}
)

const acceptBackoff = 50 * time.Millisecond

type Option func(*Endpoint) error

func WithLog(handler slog.Handler) Option {
	return func(ep *Endpoint) error {
		ep.logger = telemetry.Logger(handler)
		return nil
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(ep *Endpoint) error {
		ep.msink = telemetry.Sink(ms)
		return nil
	}
}

func WithMetricLabels(labels ...metrics.Label) Option {
	return func(ep *Endpoint) error {
		ep.labels = append(ep.labels, labels...)
		return nil
	}
}

// WithEventSink sets the function every Event is passed to. It is called
// from the Endpoint goroutines and must not block for long.
func WithEventSink(sink func(Event)) Option {
	return func(ep *Endpoint) error {
		ep.sink = sink
		return nil
	}
}

type Endpoint struct {
	cfg    Config
	driver Driver
	corr   *datagram.Correlator

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	sink   func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lk        sync.Mutex
	closed    bool
	ready     bool
	attempts  int
	exhausted bool
	timer     *time.Timer
	listener  Listener
	sockets   []*socket
	peers     map[string]int
}

type socket struct {
	conn   Conn
	index  int
	peerID string

	// wlk serialises writes on conn.
	wlk sync.Mutex
}

// New validates cfg and resolves its driver. It does not open anything.
func New(cfg Config, opts ...Option) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	driver, err := driverFor(&cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &Endpoint{
		cfg:    cfg,
		driver: driver,
		logger: slog.Default(),
		msink:  metrics.Default(),
		sink:   func(Event) {},
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]int),
	}

	for _, opt := range opts {
		if err := opt(ep); err != nil {
			cancel()
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	ep.labels = append(ep.labels,
		telemetry.LabelEndpointName.M(cfg.Name),
		telemetry.LabelEndpointKind.M(string(cfg.Kind)),
		telemetry.LabelEndpointMode.M(string(cfg.Mode)),
	)
	ep.logger = ep.logger.With(
		telemetry.LabelEndpointName.L(cfg.Name),
		telemetry.LabelEndpointKind.L(cfg.Kind),
		telemetry.LabelEndpointMode.L(cfg.Mode),
	)

	if cfg.Datagram != nil {
		ep.corr, err = datagram.New(
			*cfg.Datagram,
			datagram.WithLog(ep.logger.Handler()),
			datagram.WithMetricSink(ep.msink, ep.labels),
		)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	return ep, nil
}

func (ep *Endpoint) Name() string {
	return ep.cfg.Name
}

// Config returns a copy of the configuration the Endpoint was built with.
func (ep *Endpoint) Config() Config {
	return ep.cfg
}

// Open connects or binds the Endpoint. A failed connect-mode Open follows
// the reconnection policy, so the error returned is informative only.
func (ep *Endpoint) Open(ctx context.Context) error {
	ep.lk.Lock()
	closed := ep.closed
	ep.lk.Unlock()
	if closed {
		return ErrEndpointClosed
	}

	if ep.cfg.Mode == ModeListen {
		return ep.listen(ctx)
	}
	return ep.connect(ctx)
}

func (ep *Endpoint) connect(ctx context.Context) error {
	if ep.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := ep.driver.Dial(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConnect, err)
		ep.fail(err)
		return err
	}

	s := ep.attach(conn)
	if s == nil {
		return ErrEndpointClosed
	}

	ep.logger.Info("connected", telemetry.LabelPeerAddr.L(conn.RemoteAddr()))
	ep.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, ep.labels)
	ep.emit(Event{Kind: EventConnect, Socket: s.index})
	ep.emit(Event{Kind: EventReady, Socket: -1})
	go ep.readLoop(s)
	return nil
}

func (ep *Endpoint) listen(ctx context.Context) error {
	ln, err := ep.driver.Listen(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrListen, err)
		ep.fail(err)
		return err
	}

	ep.lk.Lock()
	if ep.closed {
		ep.lk.Unlock()
		ln.Close()
		return ErrEndpointClosed
	}
	ep.listener = ln
	ep.ready = true
	ep.wg.Add(1)
	ep.lk.Unlock()

	ep.logger.Info("listening", telemetry.LabelPeerAddr.L(ln.Addr()))
	ep.emit(Event{Kind: EventReady, Socket: -1})
	go ep.acceptLoop(ln)
	return nil
}

func (ep *Endpoint) acceptLoop(ln Listener) {
	defer ep.wg.Done()
	for {
		conn, err := ln.Accept(ep.ctx)
		if err != nil {
			if ep.ctx.Err() != nil || errors.Is(err, ErrListenerClosed) {
				return
			}
			ep.logger.Warn("failed to accept a peer", telemetry.LabelError.L(err))
			ep.msink.IncrCounterWithLabels(MetricConnErrorCount, 1.0, ep.labels)
			ep.emit(Event{Kind: EventError, Socket: -1, Err: err})

			select {
			case <-ep.ctx.Done():
				return
			case <-time.After(acceptBackoff):
			}
			continue
		}

		s := ep.attach(conn)
		if s == nil {
			return
		}

		ep.logger.Debug(
			"peer connected",
			telemetry.LabelSocket.L(s.index),
			telemetry.LabelPeerAddr.L(conn.RemoteAddr()),
		)
		ep.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, ep.labels)
		ep.emit(Event{Kind: EventConnection, Socket: s.index})
		go ep.readLoop(s)
	}
}

// attach registers conn as a socket. The caller must start its readLoop.
// It returns nil when the Endpoint was closed in the meantime.
func (ep *Endpoint) attach(conn Conn) *socket {
	ep.lk.Lock()
	defer ep.lk.Unlock()

	if ep.closed {
		conn.Close()
		return nil
	}

	s := &socket{conn: conn}
	if ep.cfg.Mode == ModeConnect {
		for _, old := range ep.sockets {
			if old != nil {
				old.conn.Close()
			}
		}
		clear(ep.peers)
		ep.sockets = []*socket{s}
		ep.ready = true
		ep.attempts = 0
		ep.exhausted = false
		if ep.timer != nil {
			ep.timer.Stop()
			ep.timer = nil
		}
	} else {
		s.index = -1
		for idx, cur := range ep.sockets {
			if cur == nil {
				s.index = idx
				ep.sockets[idx] = s
				break
			}
		}
		if s.index < 0 {
			s.index = len(ep.sockets)
			ep.sockets = append(ep.sockets, s)
		}
	}

	ep.msink.SetGaugeWithLabels(MetricSocketCountGauge, float32(ep.liveCount()), ep.labels)
	ep.wg.Add(1)
	return s
}

// not thread safe!
func (ep *Endpoint) liveCount() int {
	n := 0
	for _, s := range ep.sockets {
		if s != nil {
			n++
		}
	}
	return n
}

func (ep *Endpoint) readLoop(s *socket) {
	defer ep.wg.Done()
	for {
		data, err := s.conn.Read()
		if err != nil {
			ep.drop(s, err)
			return
		}
		if len(data) == 0 {
			continue
		}

		ep.msink.IncrCounterWithLabels(MetricInBytes, float32(len(data)), ep.labels)

		ev := Event{Kind: EventData, Socket: s.index, Data: data}
		if ep.corr != nil {
			ev.Class = ep.corr.Observe(data)
			if ev.Class != datagram.ClassNone {
				ev.Kind = EventDatagram
			}
		}
		ep.emit(ev)
	}
}

// drop forgets a socket whose read failed.
func (ep *Endpoint) drop(s *socket, cause error) {
	ep.lk.Lock()
	if s.index < len(ep.sockets) && ep.sockets[s.index] == s {
		ep.sockets[s.index] = nil
		if s.peerID != "" && ep.peers[s.peerID] == s.index {
			delete(ep.peers, s.peerID)
		}
	} else {
		// Already replaced by a newer connection.
		ep.lk.Unlock()
		s.conn.Close()
		return
	}
	peerID := s.peerID
	closed := ep.closed
	if ep.cfg.Mode == ModeConnect {
		ep.ready = false
	}
	ep.msink.SetGaugeWithLabels(MetricSocketCountGauge, float32(ep.liveCount()), ep.labels)
	ep.lk.Unlock()

	s.conn.Close()
	ep.msink.IncrCounterWithLabels(MetricConnClosedCount, 1.0, ep.labels)
	ep.logger.Debug(
		"socket closed",
		telemetry.LabelSocket.L(s.index),
		telemetry.LabelPeerID.L(peerID),
		telemetry.LabelError.L(cause),
	)
	ep.emit(Event{Kind: EventClose, Socket: s.index, PeerID: peerID, Err: cause})

	if ep.cfg.Mode == ModeConnect && !closed {
		ep.fail(fmt.Errorf("%w: %w", ErrConnectionLost, cause))
	}
}

// fail reports err and, when it is recoverable, schedules a reconnection.
func (ep *Endpoint) fail(err error) {
	ep.lk.Lock()
	closed := ep.closed
	ep.lk.Unlock()
	if closed {
		return
	}

	ep.msink.IncrCounterWithLabels(MetricConnErrorCount, 1.0, ep.labels)
	ep.emit(Event{Kind: EventError, Socket: -1, Err: err})

	if !IsRecoverable(err) {
		ep.logger.Error("endpoint failed", telemetry.LabelError.L(err))
		return
	}
	ep.logger.Warn("endpoint link failed", telemetry.LabelError.L(err))
	ep.scheduleReconnect()
}

func (ep *Endpoint) scheduleReconnect() {
	ep.lk.Lock()
	defer ep.lk.Unlock()

	if ep.closed || !ep.cfg.Reconnect || ep.cfg.Mode != ModeConnect {
		return
	}

	if max := ep.cfg.MaxReconnectAttempts; max > 0 && ep.attempts >= max {
		ep.exhausted = true
		ep.logger.Error(
			"giving up reconnection",
			telemetry.LabelAttempt.L(ep.attempts),
		)
		return
	}

	ep.attempts++
	if ep.timer != nil {
		ep.timer.Stop()
	}

	attempt := ep.attempts
	delay := ep.cfg.reconnectDelay()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		ep.lk.Lock()
		if ep.closed || ep.timer != timer {
			ep.lk.Unlock()
			return
		}
		ep.timer = nil
		ep.lk.Unlock()

		ep.logger.Info("reconnecting", telemetry.LabelAttempt.L(attempt))
		ep.msink.IncrCounterWithLabels(
			MetricReconnectCount,
			1.0,
			telemetry.With(ep.labels, telemetry.LabelAttempt.M(strconv.Itoa(attempt))),
		)
		_ = ep.connect(ep.ctx)
	})
	ep.timer = timer
}

func (ep *Endpoint) emit(ev Event) {
	ev.Endpoint = ep
	// The slot of a closed socket may already hold a newer connection.
	if ev.Socket >= 0 && ev.PeerID == "" && ev.Kind != EventClose {
		ev.PeerID = ep.PeerID(ev.Socket)
	}
	ep.sink(ev)
}

// Ready reports whether the link is up (connect mode) or the Endpoint is
// bound (listen mode).
func (ep *Endpoint) Ready() bool {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	return ep.ready
}

// Attempts is the number of reconnections scheduled since the last
// successful connection.
func (ep *Endpoint) Attempts() int {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	return ep.attempts
}

// ReconnectPending reports whether a reconnection timer is armed.
func (ep *Endpoint) ReconnectPending() bool {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	return ep.timer != nil
}

// Exhausted reports whether the reconnection policy gave up.
func (ep *Endpoint) Exhausted() bool {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	return ep.exhausted
}

// Addr is the bound address of a listen-mode Endpoint.
func (ep *Endpoint) Addr() string {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.listener == nil {
		return ""
	}
	return ep.listener.Addr()
}

// Sockets returns the indexes of the live sockets.
func (ep *Endpoint) Sockets() []int {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	out := make([]int, 0, len(ep.sockets))
	for _, s := range ep.sockets {
		if s != nil {
			out = append(out, s.index)
		}
	}
	return out
}

// Socket returns the connection at index, if it is live.
func (ep *Endpoint) Socket(index int) (Conn, bool) {
	s := ep.socketAt(index)
	if s == nil {
		return nil, false
	}
	return s.conn, true
}

func (ep *Endpoint) socketAt(index int) *socket {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if index < 0 || index >= len(ep.sockets) {
		return nil
	}
	return ep.sockets[index]
}

// PeerID returns the id bound to the socket at index, if any.
func (ep *Endpoint) PeerID(index int) string {
	s := ep.socketAt(index)
	if s == nil {
		return ""
	}
	ep.lk.Lock()
	defer ep.lk.Unlock()
	return s.peerID
}

// Lookup returns the index of the live socket bound to id.
func (ep *Endpoint) Lookup(id string) (int, bool) {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	idx, ok := ep.peers[id]
	if !ok || idx >= len(ep.sockets) || ep.sockets[idx] == nil {
		return 0, false
	}
	return idx, true
}

// BindPeer associates id with the socket at index. An id maps to at most
// one live socket: binding it to a second one fails with ErrPeerBound
// while the first is alive.
func (ep *Endpoint) BindPeer(index int, id string) error {
	ep.lk.Lock()
	defer ep.lk.Unlock()

	if index < 0 || index >= len(ep.sockets) || ep.sockets[index] == nil {
		return ErrNoSocket
	}

	if cur, ok := ep.peers[id]; ok && cur != index && ep.sockets[cur] != nil {
		return fmt.Errorf("%w: %s", ErrPeerBound, id)
	}

	s := ep.sockets[index]
	if s.peerID != "" && s.peerID != id && ep.peers[s.peerID] == index {
		delete(ep.peers, s.peerID)
	}
	s.peerID = id
	ep.peers[id] = index
	return nil
}

// UnbindPeer forgets the binding of id without closing its socket.
func (ep *Endpoint) UnbindPeer(id string) {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	idx, ok := ep.peers[id]
	if !ok {
		return
	}
	delete(ep.peers, id)
	if idx < len(ep.sockets) && ep.sockets[idx] != nil && ep.sockets[idx].peerID == id {
		ep.sockets[idx].peerID = ""
	}
}

// Write sends data on the link (connect mode) or to every live socket
// (listen mode).
func (ep *Endpoint) Write(data []byte) error {
	ep.lk.Lock()
	live := make([]*socket, 0, len(ep.sockets))
	for _, s := range ep.sockets {
		if s != nil {
			live = append(live, s)
		}
	}
	ep.lk.Unlock()

	if len(live) == 0 {
		return ErrNotConnected
	}

	var errs []error
	for _, s := range live {
		if err := ep.send(s, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteToSocket sends data on the socket at index only.
func (ep *Endpoint) WriteToSocket(index int, data []byte) error {
	s := ep.socketAt(index)
	if s == nil {
		return ErrNoSocket
	}
	return ep.send(s, data)
}

// WriteTo sends data to the socket bound to id.
func (ep *Endpoint) WriteTo(id string, data []byte) error {
	idx, ok := ep.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return ep.WriteToSocket(idx, data)
}

func (ep *Endpoint) send(s *socket, data []byte) error {
	write := func(b []byte) error {
		s.wlk.Lock()
		defer s.wlk.Unlock()
		return s.conn.Write(b)
	}

	var err error
	if ep.corr != nil {
		_, err = ep.corr.OnSend(ep.ctx, data, write)
	} else {
		err = write(data)
	}

	if err != nil {
		ep.msink.IncrCounterWithLabels(MetricOutErrorCount, 1.0, ep.labels)
		ep.logger.Warn(
			"write failed",
			telemetry.LabelSocket.L(s.index),
			telemetry.LabelError.L(err),
		)
		return err
	}
	ep.msink.IncrCounterWithLabels(MetricOutBytes, float32(len(data)), ep.labels)
	return nil
}

// CloseSocket closes the socket at index. Its close event follows.
func (ep *Endpoint) CloseSocket(index int) error {
	s := ep.socketAt(index)
	if s == nil {
		return ErrNoSocket
	}
	return s.conn.Close()
}

// Close stops reconnections, closes every socket and the listener, and
// waits for the Endpoint goroutines to exit.
func (ep *Endpoint) Close() error {
	ep.lk.Lock()
	if ep.closed {
		ep.lk.Unlock()
		return nil
	}
	ep.closed = true
	ep.ready = false
	if ep.timer != nil {
		ep.timer.Stop()
		ep.timer = nil
	}
	ln := ep.listener
	live := make([]*socket, 0, len(ep.sockets))
	for _, s := range ep.sockets {
		if s != nil {
			live = append(live, s)
		}
	}
	ep.lk.Unlock()

	ep.cancel()

	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range live {
		s.conn.Close()
	}

	ep.wg.Wait()
	ep.logger.Debug("endpoint closed")
	return errors.Join(errs...)
}
