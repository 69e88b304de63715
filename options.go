package plexus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/raskyld/plexus/pkg/envelope"
)

// DefaultCoreID is the id the Core introduces itself with.
const DefaultCoreID = "core"

// Authorizer runs alongside a handler, on its own copy of the request. ctx
// carries the Origin. When it fails, the handler result is discarded and the
// origin socket is closed.
type Authorizer func(ctx context.Context, t *Technology, env *envelope.Envelope) error

// RawHandler receives the data of Endpoints flagged as raw.
type RawHandler func(ctx context.Context, t *Technology, ev endpoint.Event)

// RetryPolicy bounds the attempts of the introduce handshake.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultIntroduceRetry() RetryPolicy {
	return RetryPolicy{
		Attempts:     3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

type config struct {
	endpoints      []endpoint.Config
	handlers       Handlers
	logHandler     slog.Handler
	msink          metrics.MetricSink
	metricLabels   []metrics.Label
	framing        envelope.Framing
	maxFrameSize   int
	coreID         string
	authorizer     Authorizer
	introduceRetry RetryPolicy
	defaultTimeout time.Duration
	disconnectHook func(ev endpoint.Event)
	rawHandler     RawHandler
}

// Option to pass to `New`
type Option func(*config) error

// WithEndpoints adds Endpoints to the Technology Gateway.
func WithEndpoints(cfgs ...endpoint.Config) Option {
	return func(c *config) error {
		c.endpoints = append(c.endpoints, cfgs...)
		return nil
	}
}

// WithHandlers registers handlers by envelope type. Later registrations
// override earlier ones, including the built-in ones.
func WithHandlers(handlers Handlers) Option {
	return func(c *config) error {
		for typ, h := range handlers {
			if typ == "" {
				return errors.New("handler registered for an empty type")
			}
			if h == nil {
				return fmt.Errorf("nil handler for %q", typ)
			}
			c.handlers[typ] = h
		}
		return nil
	}
}

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

// WithMetricLabels adds static labels to all metrics produced by the
// Technology and its Endpoints.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithFraming sets how envelopes are delimited on the wire.
func WithFraming(framing envelope.Framing) Option {
	return func(c *config) error {
		f, err := envelope.ParseFraming(string(framing))
		if err != nil {
			return err
		}
		c.framing = f
		return nil
	}
}

// WithMaxFrameSize bounds how many bytes may be buffered per socket while
// waiting for a frame to complete.
func WithMaxFrameSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return fmt.Errorf("invalid max frame size %d", size)
		}
		c.maxFrameSize = size
		return nil
	}
}

// WithCoreID sets the id of the Core. A Technology whose own id is the
// Core id is the Core.
func WithCoreID(id string) Option {
	return func(c *config) error {
		if !endpoint.ValidateName(id) {
			return ErrNameInvalid
		}
		c.coreID = id
		return nil
	}
}

func WithAuthorizer(auth Authorizer) Option {
	return func(c *config) error {
		c.authorizer = auth
		return nil
	}
}

func WithIntroduceRetry(policy RetryPolicy) Option {
	return func(c *config) error {
		if policy.Attempts <= 0 || policy.InitialDelay < 0 || policy.MaxDelay < policy.InitialDelay {
			return fmt.Errorf("invalid retry policy %+v", policy)
		}
		c.introduceRetry = policy
		return nil
	}
}

// WithDefaultTimeout applies to requests triggered without `timeoutMs`.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("invalid default timeout %s", timeout)
		}
		c.defaultTimeout = timeout
		return nil
	}
}

// WithDisconnectHook is called from the event loop whenever a socket of
// any Endpoint closes.
func WithDisconnectHook(hook func(ev endpoint.Event)) Option {
	return func(c *config) error {
		c.disconnectHook = hook
		return nil
	}
}

func WithRawHandler(handler RawHandler) Option {
	return func(c *config) error {
		c.rawHandler = handler
		return nil
	}
}
