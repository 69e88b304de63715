package plexus

import (
	"context"
	"fmt"

	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/raskyld/plexus/pkg/envelope"
	"github.com/raskyld/plexus/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

// Envelope types every participant knows about.
const (
	TypeIntroduce        = "introduce"
	TypePing             = "ping"
	TypeLogin            = "login"
	TypeLogout           = "logout"
	TypeStartTechnology  = "startTechnology"
	TypeStopTechnology   = "stopTechnology"
	TypeListTechnologies = "listTechnologies"
)

// Handler serves the requests of one envelope type. The returned envelope,
// when non-nil, is sent back; usually it is the request turned into its
// answer with Answer.
type Handler func(ctx context.Context, t *Technology, env *envelope.Envelope) (*envelope.Envelope, error)

// Handlers by envelope type.
type Handlers map[string]Handler

// Answer converts req into its answer and returns it, for handlers.
func Answer(req *envelope.Envelope, result any, extra map[string]any) (*envelope.Envelope, error) {
	if err := req.ToAnswer(result, extra); err != nil {
		return nil, err
	}
	return req, nil
}

// Ping answers true.
func Ping(_ context.Context, _ *Technology, env *envelope.Envelope) (*envelope.Envelope, error) {
	if !env.NeedsAnswer {
		return nil, nil
	}
	return Answer(env, true, nil)
}

// Origin is the socket an inbound envelope arrived on.
type Origin struct {
	Endpoint *endpoint.Endpoint
	Socket   int
}

type originKey struct{}

// OriginFrom returns the origin of the envelope a handler is serving.
func OriginFrom(ctx context.Context) (Origin, bool) {
	origin, ok := ctx.Value(originKey{}).(Origin)
	return origin, ok
}

func withOrigin(ctx context.Context, origin Origin) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// inbound dispatches one decoded envelope.
func (t *Technology) inbound(origin Origin, env *envelope.Envelope) {
	if env.IsAnswer {
		if t.resolve(env) {
			return
		}
		if env.ToID == t.id || env.ToID == "" {
			// Its request already timed out.
			t.msink.IncrCounterWithLabels(MetricLateAnswerCount, 1.0, t.labels)
			t.logger.Debug("late answer ignored", telemetry.LabelEnvelopeID.L(env.ID))
			return
		}
		t.forward(env, origin)
		return
	}

	if env.ToID != t.id && env.ToID != "" {
		t.forward(env, origin)
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.serve(origin, env)
	}()
}

// serve runs the handler of env along with the Authorizer. When either
// fails, nothing is answered and the origin socket is closed. The Authorizer
// sees the request as received, whatever the handler does to env.
func (t *Technology) serve(origin Origin, env *envelope.Envelope) {
	ctx := withOrigin(t.ctx, origin)
	labels := telemetry.With(t.labels, telemetry.LabelEnvelopeType.M(env.Type))
	t.msink.IncrCounterWithLabels(MetricHandlerCount, 1.0, labels)

	req := env.Clone()
	var answer *envelope.Envelope
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		handler, ok := t.config.handlers[env.Type]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEvent, env.Type)
		}
		defer recoverPanic(&err)
		answer, err = handler(gctx, t, env)
		return err
	})
	if t.config.authorizer != nil {
		g.Go(func() (err error) {
			defer recoverPanic(&err)
			return t.config.authorizer(gctx, t, req)
		})
	}

	if err := g.Wait(); err != nil {
		t.msink.IncrCounterWithLabels(MetricHandlerErrorCount, 1.0, labels)
		t.logger.Error(
			"request failed, closing origin socket",
			telemetry.LabelEnvelopeID.L(req.ID),
			telemetry.LabelEnvelopeType.L(req.Type),
			telemetry.LabelFromID.L(req.FromID),
			telemetry.LabelError.L(err),
		)
		t.closeOrigin(origin)
		return
	}

	if answer == nil {
		return
	}
	if err := t.reply(answer, origin); err != nil {
		t.logger.Warn(
			"failed to answer",
			telemetry.LabelEnvelopeID.L(answer.ID),
			telemetry.LabelToID.L(answer.ToID),
			telemetry.LabelError.L(err),
		)
	}
}

func recoverPanic(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
	}
}
