package plexus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/raskyld/plexus/pkg/envelope"
	"github.com/raskyld/plexus/pkg/gateway"
	"github.com/raskyld/plexus/pkg/telemetry"
)

// State of a Technology.
type State uint8

const (
	StateStarting State = iota
	StateGatewayStarting
	// StateGatewayReady means every Endpoint is ready but the Core has not
	// acknowledged the introduction yet.
	StateGatewayReady
	// StateIntroduced means the Core acknowledged the introduction but some
	// Endpoints are not ready yet.
	StateIntroduced
	StateReady
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateGatewayStarting:
		return "gateway_starting"
	case StateGatewayReady:
		return "gateway_ready"
	case StateIntroduced:
		return "introduced"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Technology is one participant of the bus. It owns a Gateway, dispatches
// the envelopes it receives and correlates the answers to its requests.
type Technology struct {
	id     string
	config config

	gw     *gateway.Gateway
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	// splitters are only touched by the event loop.
	splitters map[socketKey]*envelope.Splitter

	pendingLk     sync.Mutex
	pending       map[string]*pendingRequest
	pendingClosed bool

	handshakeLk sync.Mutex
	handshaking bool

	// synchronisation
	lk           sync.Mutex
	started      bool
	gatewayReady bool
	introduced   bool
	readyCh      chan struct{}

	// 2-phase close:
	// phase 1: shutdown notification, in-flight requests are released.
	// phase 2: the Gateway is closed, every goroutine is awaited.
	ctx        context.Context
	cancel     context.CancelFunc
	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

type socketKey struct {
	ep     *endpoint.Endpoint
	socket int
}

// New creates the Technology called id. Nothing is opened before Start.
func New(id string, opts ...Option) (*Technology, error) {
	if !endpoint.ValidateName(id) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNameInvalid)
	}

	t := &Technology{
		id: id,
		config: config{
			handlers:       Handlers{TypePing: Ping},
			framing:        envelope.FramingNewline,
			maxFrameSize:   envelope.DefaultMaxFrameSize,
			coreID:         DefaultCoreID,
			introduceRetry: DefaultIntroduceRetry(),
			defaultTimeout: envelope.DefaultTimeout,
		},
		splitters:  make(map[socketKey]*envelope.Splitter),
		pending:    make(map[string]*pendingRequest),
		readyCh:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(&t.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	t.logger = telemetry.Logger(t.config.logHandler).With(telemetry.LabelTechnology.L(id))

	// Metrics implementations.
	t.msink = telemetry.Sink(t.config.msink)
	t.labels = telemetry.With(t.config.metricLabels, telemetry.LabelTechnology.M(id))

	gwOpts := []gateway.Option{
		gateway.WithMetricSink(t.msink),
		gateway.WithMetricLabels(t.config.metricLabels...),
		gateway.WithEndpoints(t.config.endpoints...),
	}
	if t.config.logHandler != nil {
		gwOpts = append(gwOpts, gateway.WithLog(t.config.logHandler))
	}
	gw, err := gateway.New(id, gwOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	t.gw = gw

	t.ctx, t.cancel = context.WithCancel(context.Background())

	// The Core does not introduce itself to anybody, and neither does a
	// Technology without a Core link.
	if _, linked := t.gw.CoreEndpoint(); t.IsCore() || !linked {
		t.introduced = true
	}
	return t, nil
}

func (t *Technology) ID() string {
	return t.id
}

func (t *Technology) CoreID() string {
	return t.config.coreID
}

// IsCore reports whether this Technology is the Core.
func (t *Technology) IsCore() bool {
	return t.id == t.config.coreID
}

func (t *Technology) Gateway() *gateway.Gateway {
	return t.gw
}

func (t *Technology) Logger() *slog.Logger {
	return t.logger
}

// Start runs the event loop and opens the Gateway.
func (t *Technology) Start(ctx context.Context) error {
	t.lk.Lock()
	if t.shutdown {
		t.lk.Unlock()
		return ErrShutdown
	}
	if t.started {
		t.lk.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.lk.Unlock()

	t.logger.Info("starting", "endpoints", len(t.config.endpoints))

	t.wg.Add(1)
	go t.handleEvents()

	return t.gw.Start(ctx)
}

// WaitReady blocks until the Technology is ready.
func (t *Technology) WaitReady(ctx context.Context) error {
	select {
	case <-t.readyCh:
		return nil
	case <-t.shutdownCh:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready is closed once the Technology is ready.
func (t *Technology) Ready() <-chan struct{} {
	return t.readyCh
}

func (t *Technology) State() State {
	t.lk.Lock()
	defer t.lk.Unlock()

	switch {
	case t.shutdown:
		return StateStopped
	case t.gatewayReady && t.introduced:
		return StateReady
	case t.gatewayReady:
		return StateGatewayReady
	case t.started && t.introduced && !t.IsCore():
		return StateIntroduced
	case t.started:
		return StateGatewayStarting
	default:
		return StateStarting
	}
}

func (t *Technology) IsIntroduced() bool {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.introduced
}

func (t *Technology) IsReady() bool {
	return t.State() == StateReady
}

func (t *Technology) setGatewayReady() {
	t.lk.Lock()
	defer t.lk.Unlock()
	t.gatewayReady = true
	t.maybeReady()
}

func (t *Technology) setIntroduced() {
	t.lk.Lock()
	defer t.lk.Unlock()
	t.introduced = true
	t.maybeReady()
}

// not thread safe!
// must be called by an holder of lk
func (t *Technology) maybeReady() {
	if t.shutdown || !t.gatewayReady || !t.introduced {
		return
	}
	select {
	case <-t.readyCh:
	default:
		close(t.readyCh)
		t.logger.Info("technology ready")
	}
}

func (t *Technology) handleEvents() {
	defer t.wg.Done()

	gwReady := t.gw.Ready()
	for {
		select {
		case ev := <-t.gw.Events():
			t.handleEvent(ev)
		case <-gwReady:
			gwReady = nil
			t.setGatewayReady()
		case <-t.shutdownCh:
			return
		}
	}
}

func (t *Technology) handleEvent(ev endpoint.Event) {
	cfg := ev.Endpoint.Config()

	switch ev.Kind {
	case endpoint.EventConnection:
		delete(t.splitters, socketKey{ev.Endpoint, ev.Socket})

	case endpoint.EventConnect:
		delete(t.splitters, socketKey{ev.Endpoint, ev.Socket})
		if cfg.Core && !t.IsCore() {
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				t.introduce()
			}()
		}

	case endpoint.EventData, endpoint.EventDatagram:
		if cfg.Raw {
			if t.config.rawHandler != nil {
				t.config.rawHandler(t.ctx, t, ev)
			}
			return
		}
		t.handleData(ev)

	case endpoint.EventClose:
		delete(t.splitters, socketKey{ev.Endpoint, ev.Socket})
		if t.config.disconnectHook != nil {
			t.config.disconnectHook(ev)
		}

	case endpoint.EventError:
		t.logger.Debug(
			"endpoint error",
			telemetry.LabelEndpointName.L(ev.Endpoint.Name()),
			telemetry.LabelError.L(ev.Err),
		)
	}
}

func (t *Technology) handleData(ev endpoint.Event) {
	key := socketKey{ev.Endpoint, ev.Socket}
	splitter, ok := t.splitters[key]
	if !ok {
		splitter = envelope.NewSplitter(t.config.framing, t.config.maxFrameSize)
		t.splitters[key] = splitter
	}

	origin := Origin{Endpoint: ev.Endpoint, Socket: ev.Socket}
	frames, splitErr := splitter.Feed(ev.Data)
	for _, frame := range frames {
		env, err := envelope.Decode(frame)
		if err != nil {
			t.msink.IncrCounterWithLabels(MetricDecodeErrorCount, 1.0, t.labels)
			t.logger.Error(
				"failed to decode envelope",
				telemetry.LabelEndpointName.L(ev.Endpoint.Name()),
				telemetry.LabelSocket.L(ev.Socket),
				telemetry.LabelError.L(err),
			)
			t.closeOrigin(origin)
			return
		}
		t.inbound(origin, env)
	}

	// Frames completed before the failure were still dispatched.
	if splitErr != nil {
		t.msink.IncrCounterWithLabels(MetricDecodeErrorCount, 1.0, t.labels)
		t.logger.Error(
			"failed to split frames",
			telemetry.LabelEndpointName.L(ev.Endpoint.Name()),
			telemetry.LabelSocket.L(ev.Socket),
			telemetry.LabelError.L(splitErr),
		)
		t.closeOrigin(origin)
	}
}

func (t *Technology) closeOrigin(origin Origin) {
	if origin.Endpoint == nil {
		return
	}
	if err := origin.Endpoint.CloseSocket(origin.Socket); err != nil {
		t.logger.Debug(
			"failed to close origin socket",
			telemetry.LabelEndpointName.L(origin.Endpoint.Name()),
			telemetry.LabelSocket.L(origin.Socket),
			telemetry.LabelError.L(err),
		)
	}
}

// Shutdown releases the pending requests, closes the Gateway and waits for
// every goroutine.
func (t *Technology) Shutdown() error {
	// Phase 1: Shutdown notify.
	t.lk.Lock()
	if t.shutdown {
		t.lk.Unlock()
		return nil
	}
	t.shutdown = true
	close(t.shutdownCh)
	t.lk.Unlock()

	start := time.Now()
	t.logger.Info("shutting down...")
	t.cancel()

	t.logger.Debug("shutdown: release pending requests")
	t.pendingLk.Lock()
	t.pendingClosed = true
	for id, p := range t.pending {
		delete(t.pending, id)
		close(p.ch)
	}
	t.pendingLk.Unlock()

	// Phase 2: Drop all resources.
	t.logger.Debug("shutdown: close gateway")
	err := t.gw.Close()

	t.logger.Debug("shutdown: wait for sub-tasks to finish")
	t.wg.Wait()

	t.logger.Info("shutdown: completed", telemetry.LabelDuration.L(time.Since(start)))
	return err
}
