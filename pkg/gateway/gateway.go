// Package gateway groups the Endpoints of one process, fans their events
// into a single channel and tells when all of them are ready.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/raskyld/plexus/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownEndpoint = errors.New("gateway: unknown endpoint")
	ErrNameConflict    = errors.New("gateway: an endpoint with this name already exists")
	ErrClosed          = errors.New("gateway: closed")
	ErrInvalidCfg      = errors.New("gateway: invalid configuration")
)

var (
	MetricWriteErrorCount = []string{"plexus", "gateway", "write", "error", "count"}
	MetricReadyCount      = []string{"plexus", "gateway", "ready", "count"}
)

const defaultEventBuffer = 1024

type Option func(*Gateway) error

func WithLog(handler slog.Handler) Option {
	return func(gw *Gateway) error {
		gw.logHandler = handler
		gw.logger = telemetry.Logger(handler)
		return nil
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(gw *Gateway) error {
		gw.msink = telemetry.Sink(ms)
		return nil
	}
}

func WithMetricLabels(labels ...metrics.Label) Option {
	return func(gw *Gateway) error {
		gw.labels = append(gw.labels, labels...)
		return nil
	}
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(size int) Option {
	return func(gw *Gateway) error {
		if size < 0 {
			return fmt.Errorf("negative event buffer %d", size)
		}
		gw.eventBuffer = size
		return nil
	}
}

// WithEndpoints adds Endpoints to build once the Gateway is created.
func WithEndpoints(cfgs ...endpoint.Config) Option {
	return func(gw *Gateway) error {
		gw.initial = append(gw.initial, cfgs...)
		return nil
	}
}

type Gateway struct {
	owner string

	logHandler  slog.Handler
	logger      *slog.Logger
	msink       metrics.MetricSink
	labels      []metrics.Label
	eventBuffer int
	initial     []endpoint.Config

	events  chan endpoint.Event
	readyCh chan struct{}
	closeCh chan struct{}

	lk        sync.RWMutex
	endpoints map[string]*endpoint.Endpoint
	order     []string
	started   bool
	ready     bool
	closed    bool
}

// New creates the Gateway of owner, the id of the process it serves.
func New(owner string, opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		owner:       owner,
		logger:      slog.Default(),
		msink:       metrics.Default(),
		eventBuffer: defaultEventBuffer,
		readyCh:     make(chan struct{}),
		closeCh:     make(chan struct{}),
		endpoints:   make(map[string]*endpoint.Endpoint),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	gw.labels = append(gw.labels, telemetry.LabelTechnology.M(owner))
	gw.logger = gw.logger.With(telemetry.LabelTechnology.L(owner))
	gw.events = make(chan endpoint.Event, gw.eventBuffer)

	for _, cfg := range gw.initial {
		if _, err := gw.AddEndpoint(cfg); err != nil {
			return nil, err
		}
	}
	gw.initial = nil
	return gw, nil
}

func (gw *Gateway) Owner() string {
	return gw.owner
}

func (gw *Gateway) newEndpoint(cfg endpoint.Config) (*endpoint.Endpoint, error) {
	opts := []endpoint.Option{
		endpoint.WithMetricSink(gw.msink),
		endpoint.WithMetricLabels(gw.labels...),
		endpoint.WithEventSink(gw.sink),
	}
	if gw.logHandler != nil {
		opts = append(opts, endpoint.WithLog(gw.logHandler))
	}
	return endpoint.New(cfg, opts...)
}

// AddEndpoint builds an Endpoint from cfg. When the Gateway is already
// started, the Endpoint is opened right away.
func (gw *Gateway) AddEndpoint(cfg endpoint.Config) (*endpoint.Endpoint, error) {
	ep, err := gw.newEndpoint(cfg)
	if err != nil {
		return nil, err
	}

	gw.lk.Lock()
	if gw.closed {
		gw.lk.Unlock()
		ep.Close()
		return nil, ErrClosed
	}
	if _, exists := gw.endpoints[cfg.Name]; exists {
		gw.lk.Unlock()
		ep.Close()
		return nil, fmt.Errorf("%w: %s", ErrNameConflict, cfg.Name)
	}
	gw.endpoints[cfg.Name] = ep
	gw.order = append(gw.order, cfg.Name)
	started := gw.started
	gw.lk.Unlock()

	if started {
		go gw.open(context.Background(), ep)
	}
	return ep, nil
}

// Endpoint returns the Endpoint called name.
func (gw *Gateway) Endpoint(name string) (*endpoint.Endpoint, bool) {
	gw.lk.RLock()
	defer gw.lk.RUnlock()
	ep, ok := gw.endpoints[name]
	return ep, ok
}

// Endpoints returns every Endpoint in insertion order.
func (gw *Gateway) Endpoints() []*endpoint.Endpoint {
	gw.lk.RLock()
	defer gw.lk.RUnlock()
	out := make([]*endpoint.Endpoint, 0, len(gw.order))
	for _, name := range gw.order {
		out = append(out, gw.endpoints[name])
	}
	return out
}

// CoreEndpoint returns the first Endpoint flagged as the Core link.
func (gw *Gateway) CoreEndpoint() (*endpoint.Endpoint, bool) {
	for _, ep := range gw.Endpoints() {
		if ep.Config().Core {
			return ep, true
		}
	}
	return nil, false
}

// Recreate closes the Endpoint called name and replaces it with a fresh
// one built from the same configuration.
func (gw *Gateway) Recreate(ctx context.Context, name string) (*endpoint.Endpoint, error) {
	gw.lk.RLock()
	old, ok := gw.endpoints[name]
	gw.lk.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}

	if err := old.Close(); err != nil {
		gw.logger.Warn(
			"error closing endpoint being recreated",
			telemetry.LabelEndpointName.L(name),
			telemetry.LabelError.L(err),
		)
	}

	ep, err := gw.newEndpoint(old.Config())
	if err != nil {
		return nil, err
	}

	gw.lk.Lock()
	if gw.closed {
		gw.lk.Unlock()
		ep.Close()
		return nil, ErrClosed
	}
	gw.endpoints[name] = ep
	started := gw.started
	gw.lk.Unlock()

	gw.logger.Info("endpoint recreated", telemetry.LabelEndpointName.L(name))
	if started {
		return ep, ep.Open(ctx)
	}
	return ep, nil
}

// Start opens every Endpoint concurrently. Open failures are logged and
// left to the reconnection policy of each Endpoint.
func (gw *Gateway) Start(ctx context.Context) error {
	gw.lk.Lock()
	if gw.closed {
		gw.lk.Unlock()
		return ErrClosed
	}
	if gw.started {
		gw.lk.Unlock()
		return nil
	}
	gw.started = true
	eps := make([]*endpoint.Endpoint, 0, len(gw.order))
	for _, name := range gw.order {
		eps = append(eps, gw.endpoints[name])
	}
	gw.lk.Unlock()

	var g errgroup.Group
	for _, ep := range eps {
		g.Go(func() error {
			gw.open(ctx, ep)
			return nil
		})
	}
	g.Wait()

	// A Gateway without Endpoints is ready at once.
	gw.checkReady()
	return nil
}

func (gw *Gateway) open(ctx context.Context, ep *endpoint.Endpoint) error {
	if err := ep.Open(ctx); err != nil {
		gw.logger.Warn(
			"failed to open endpoint",
			telemetry.LabelEndpointName.L(ep.Name()),
			telemetry.LabelError.L(err),
		)
		return err
	}
	return nil
}

func (gw *Gateway) sink(ev endpoint.Event) {
	if ev.Kind == endpoint.EventReady {
		gw.checkReady()
	}

	select {
	case gw.events <- ev:
	case <-gw.closeCh:
	}
}

// checkReady closes the ready channel the first time every Endpoint is
// ready at once.
func (gw *Gateway) checkReady() {
	gw.lk.Lock()
	defer gw.lk.Unlock()

	if !gw.started || gw.ready || gw.closed {
		return
	}
	for _, ep := range gw.endpoints {
		if !ep.Ready() {
			return
		}
	}

	gw.ready = true
	close(gw.readyCh)
	gw.msink.IncrCounterWithLabels(MetricReadyCount, 1.0, gw.labels)
	gw.logger.Info("gateway ready")
}

// Events is the fan-in of every Endpoint event. It is never closed, use
// Done to stop consuming.
func (gw *Gateway) Events() <-chan endpoint.Event {
	return gw.events
}

// Ready is closed once every Endpoint has been ready at the same time.
func (gw *Gateway) Ready() <-chan struct{} {
	return gw.readyCh
}

func (gw *Gateway) IsReady() bool {
	gw.lk.RLock()
	defer gw.lk.RUnlock()
	return gw.ready
}

// Done is closed when the Gateway is closed.
func (gw *Gateway) Done() <-chan struct{} {
	return gw.closeCh
}

func (gw *Gateway) lookup(name string) (*endpoint.Endpoint, error) {
	ep, ok := gw.Endpoint(name)
	if !ok {
		gw.msink.IncrCounterWithLabels(MetricWriteErrorCount, 1.0, gw.labels)
		gw.logger.Error("write to unknown endpoint", telemetry.LabelEndpointName.L(name))
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	return ep, nil
}

func (gw *Gateway) Write(name string, data []byte) error {
	ep, err := gw.lookup(name)
	if err != nil {
		return err
	}
	return ep.Write(data)
}

func (gw *Gateway) WriteTo(name, peerID string, data []byte) error {
	ep, err := gw.lookup(name)
	if err != nil {
		return err
	}
	return ep.WriteTo(peerID, data)
}

func (gw *Gateway) WriteToSocket(name string, socket int, data []byte) error {
	ep, err := gw.lookup(name)
	if err != nil {
		return err
	}
	return ep.WriteToSocket(socket, data)
}

// FindPeer returns the first Endpoint having a live socket bound to id.
func (gw *Gateway) FindPeer(id string) (*endpoint.Endpoint, int, bool) {
	for _, ep := range gw.Endpoints() {
		if idx, ok := ep.Lookup(id); ok {
			return ep, idx, true
		}
	}
	return nil, 0, false
}

// Close closes every Endpoint. Pending events are dropped.
func (gw *Gateway) Close() error {
	gw.lk.Lock()
	if gw.closed {
		gw.lk.Unlock()
		return nil
	}
	gw.closed = true
	close(gw.closeCh)
	eps := make([]*endpoint.Endpoint, 0, len(gw.endpoints))
	for _, ep := range gw.endpoints {
		eps = append(eps, ep)
	}
	gw.lk.Unlock()

	var errs []error
	for _, ep := range eps {
		if err := ep.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep.Name(), err))
		}
	}
	gw.logger.Debug("gateway closed")
	return errors.Join(errs...)
}
