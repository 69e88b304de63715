// Package core implements the Core: the privileged Technology routing the
// envelopes of every other participant, gating them behind a login and
// supervising the Technologies it spawns.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/plexus"
	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/raskyld/plexus/pkg/envelope"
	"github.com/raskyld/plexus/pkg/store"
	"github.com/raskyld/plexus/pkg/telemetry"
)

var (
	MetricIntroducedCount   = []string{"plexus", "core", "introduced", "count"}
	MetricRejectedCount     = []string{"plexus", "core", "introduce", "rejected", "count"}
	MetricParticipantsGauge = []string{"plexus", "core", "participants", "gauge"}
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	stdout       io.Writer
	stderr       io.Writer
	techOpts     []plexus.Option
}

// Option to pass to `New`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink specifies which go-metrics sink to use.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		c.msink = ms
		return nil
	}
}

func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithOutput sets where the standard streams of children go. The defaults
// are the ones of the Core process.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(c *config) error {
		c.stdout = stdout
		c.stderr = stderr
		return nil
	}
}

// WithTechnologyOptions are applied last to the underlying Technology.
func WithTechnologyOptions(opts ...plexus.Option) Option {
	return func(c *config) error {
		c.techOpts = append(c.techOpts, opts...)
		return nil
	}
}

// Core is the central broker.
type Core struct {
	reg   *Registry
	store store.Store
	tech  *plexus.Technology
	ids   *Identities
	sup   *Supervisor

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(reg *Registry, st store.Store, opts ...Option) (*Core, error) {
	if reg == nil || st == nil {
		return nil, fmt.Errorf("%w: registry and store are required", ErrInvalidCfg)
	}
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	cfg := &config{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	c := &Core{
		reg:    reg,
		store:  st,
		ids:    NewIdentities(),
		logger: telemetry.Logger(cfg.logHandler).With(telemetry.LabelTechnology.L(reg.Core.ID)),
		msink:  telemetry.Sink(cfg.msink),
		labels: cfg.metricLabels,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	techOpts := []plexus.Option{
		plexus.WithCoreID(reg.Core.ID),
		plexus.WithFraming(reg.Core.Framing),
		plexus.WithEndpoints(reg.Core.Endpoints...),
		plexus.WithMetricSink(c.msink),
		plexus.WithMetricLabels(cfg.metricLabels),
		plexus.WithHandlers(c.handlers()),
		plexus.WithAuthorizer(c.authorize),
		plexus.WithDisconnectHook(c.onDisconnect),
	}
	if cfg.logHandler != nil {
		techOpts = append(techOpts, plexus.WithLog(cfg.logHandler))
	}
	techOpts = append(techOpts, cfg.techOpts...)

	tech, err := plexus.New(reg.Core.ID, techOpts...)
	if err != nil {
		return nil, err
	}
	c.tech = tech
	c.sup = newSupervisor(reg.Core.ID, reg.Core.Framing, c.Link, cfg)
	return c, nil
}

func (c *Core) Technology() *plexus.Technology {
	return c.tech
}

func (c *Core) Identities() *Identities {
	return c.ids
}

func (c *Core) Supervisor() *Supervisor {
	return c.sup
}

func (c *Core) Store() store.Store {
	return c.store
}

// Start opens the Core Endpoints. Once they are ready, every spawnable
// Technology of the registry is started.
func (c *Core) Start(ctx context.Context) error {
	if err := c.tech.Start(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.tech.WaitReady(c.ctx); err != nil {
			return
		}
		c.bootstrap()
	}()
	return nil
}

func (c *Core) bootstrap() {
	for _, desc := range c.reg.Technologies {
		if !c.reg.Spawnable(desc) {
			continue
		}
		if err := c.sup.Start(desc); err != nil {
			c.logger.Error(
				"failed to bootstrap technology",
				telemetry.LabelTechnology.L(desc.ID),
				telemetry.LabelError.L(err),
			)
		}
	}
}

// Link returns the Endpoint children connect back with.
func (c *Core) Link() (endpoint.Config, error) {
	if c.reg.Core.Link != nil {
		link := *c.reg.Core.Link
		if link.Name == "" {
			link.Name = "core"
		}
		link.Mode = endpoint.ModeConnect
		link.Core = true
		return link, nil
	}

	for _, ep := range c.tech.Gateway().Endpoints() {
		cfg := ep.Config()
		if cfg.Kind != endpoint.KindStream || cfg.Mode != endpoint.ModeListen || cfg.Web || cfg.Raw {
			continue
		}

		link := endpoint.Config{
			Name:      "core",
			Kind:      endpoint.KindStream,
			Mode:      endpoint.ModeConnect,
			Network:   cfg.Network,
			Core:      true,
			Reconnect: true,
		}
		if cfg.Network == "unix" {
			link.Path = cfg.Path
			return link, nil
		}

		host, port, err := net.SplitHostPort(ep.Addr())
		if err != nil {
			continue
		}
		if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
			host = "127.0.0.1"
		}
		link.Host = host
		link.Port, _ = strconv.Atoi(port)
		return link, nil
	}
	return endpoint.Config{}, ErrNoLink
}

// authorize holds every request but introduce to the identity bound to its
// socket, then every request but the session ones behind a login.
func (c *Core) authorize(ctx context.Context, _ *plexus.Technology, env *envelope.Envelope) error {
	if env.Type == plexus.TypeIntroduce {
		return nil
	}
	id, err := c.sender(ctx, env)
	if err != nil {
		return err
	}
	switch env.Type {
	case plexus.TypeLogin, plexus.TypeLogout:
		return nil
	}
	return c.requireLogin(ctx, id)
}

// sender returns the id the origin socket was introduced with. The fromId
// of env must be that id.
func (c *Core) sender(ctx context.Context, env *envelope.Envelope) (string, error) {
	origin, ok := plexus.OriginFrom(ctx)
	if !ok || origin.Endpoint == nil {
		return "", fmt.Errorf("%w: %w: no origin", plexus.ErrUnauthorized, ErrNotIntroduced)
	}
	id := origin.Endpoint.PeerID(origin.Socket)
	if id == "" || id != env.FromID {
		return "", fmt.Errorf("%w: %w: %q claimed by a socket bound to %q", plexus.ErrUnauthorized, ErrNotIntroduced, env.FromID, id)
	}
	return id, nil
}

func (c *Core) requireLogin(ctx context.Context, id string) error {
	_, err := c.store.GetLogin(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w: %s", plexus.ErrUnauthorized, ErrNotLoggedIn, id)
	}
	return err
}

func (c *Core) onDisconnect(ev endpoint.Event) {
	id, ok := c.ids.UnbindSocket(ev.Endpoint, ev.Socket)
	if !ok {
		return
	}
	c.msink.SetGaugeWithLabels(MetricParticipantsGauge, float32(len(c.ids.Participants())), c.labels)
	c.logger.Info("technology disconnected", telemetry.LabelPeerID.L(id))
}

// Shutdown stops the children, then the Core Technology.
func (c *Core) Shutdown() error {
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
	defer cancel()
	c.sup.StopAll(ctx)

	err := c.tech.Shutdown()
	c.wg.Wait()
	return err
}
