package plexus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/raskyld/plexus/pkg/envelope"
	"github.com/raskyld/plexus/pkg/telemetry"
)

// pendingRequest is resolved by whoever removes it from the table first:
// the matching answer or the timeout.
type pendingRequest struct {
	ch   chan *envelope.Envelope
	sent time.Time
}

// Trigger sends env. When env needs an answer, it waits for it until the
// envelope timeout elapses (ErrRequestTimeout) or ctx is done. Otherwise it
// returns once the envelope is written.
func (t *Technology) Trigger(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env.FromID == "" {
		env.FromID = t.id
	}

	if !env.NeedsAnswer || env.IsAnswer {
		return nil, t.route(env, Origin{})
	}

	timeout := t.config.defaultTimeout
	if env.TimeoutMs > 0 {
		timeout = env.Timeout()
	}

	p := &pendingRequest{ch: make(chan *envelope.Envelope, 1), sent: time.Now()}
	t.pendingLk.Lock()
	if t.pendingClosed {
		t.pendingLk.Unlock()
		return nil, ErrShutdown
	}
	if _, exists := t.pending[env.ID]; exists {
		t.pendingLk.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, env.ID)
	}
	t.pending[env.ID] = p
	t.pendingLk.Unlock()

	labels := telemetry.With(t.labels, telemetry.LabelEnvelopeType.M(env.Type))
	t.msink.IncrCounterWithLabels(MetricRequestCount, 1.0, labels)

	if err := t.route(env, Origin{}); err != nil {
		t.removePending(env.ID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case answer, ok := <-p.ch:
		return t.answered(answer, ok, p, labels)
	case <-timer.C:
		cause = fmt.Errorf("%w: %s after %s", ErrRequestTimeout, env.Type, timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	if !t.removePending(env.ID) {
		// The answer won the race while the timer fired.
		answer, ok := <-p.ch
		return t.answered(answer, ok, p, labels)
	}

	if errors.Is(cause, ErrRequestTimeout) {
		t.msink.IncrCounterWithLabels(MetricRequestTimeoutCount, 1.0, labels)
	}
	t.logger.Debug(
		"request not answered",
		telemetry.LabelEnvelopeID.L(env.ID),
		telemetry.LabelEnvelopeType.L(env.Type),
		telemetry.LabelToID.L(env.ToID),
		telemetry.LabelError.L(cause),
	)
	return nil, cause
}

func (t *Technology) answered(answer *envelope.Envelope, ok bool, p *pendingRequest, labels []metrics.Label) (*envelope.Envelope, error) {
	if !ok {
		return nil, ErrShutdown
	}
	t.msink.AddSampleWithLabels(MetricRequestLatency, float32(time.Since(p.sent).Milliseconds()), labels)
	return answer, nil
}

// removePending reports whether the caller removed the entry.
func (t *Technology) removePending(id string) bool {
	t.pendingLk.Lock()
	defer t.pendingLk.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

// resolve hands answer to its pending request, if any is still waiting.
func (t *Technology) resolve(answer *envelope.Envelope) bool {
	t.pendingLk.Lock()
	p, ok := t.pending[answer.ID]
	if ok {
		delete(t.pending, answer.ID)
	}
	t.pendingLk.Unlock()

	if ok {
		p.ch <- answer
	}
	return ok
}

// Pending is the number of requests awaiting an answer.
func (t *Technology) Pending() int {
	t.pendingLk.Lock()
	defer t.pendingLk.Unlock()
	return len(t.pending)
}

// TriggerAnswerTo converts req into its answer and sends it back.
func (t *Technology) TriggerAnswerTo(ctx context.Context, req *envelope.Envelope, result any, extra map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.ToAnswer(result, extra); err != nil {
		return err
	}
	origin, _ := OriginFrom(ctx)
	return t.reply(req, origin)
}

func (t *Technology) encode(env *envelope.Envelope) ([]byte, error) {
	if raw := env.Raw(); raw != nil {
		return t.config.framing.Frame(raw), nil
	}
	return envelope.Encode(env, t.config.framing)
}

// route delivers env to the socket bound to its target on any Endpoint,
// else through the Core link. from is the socket env came from, if any:
// an envelope is never bounced back on the Core link it arrived on.
func (t *Technology) route(env *envelope.Envelope, from Origin) error {
	data, err := t.encode(env)
	if err != nil {
		return err
	}

	if ep, idx, ok := t.gw.FindPeer(env.ToID); ok {
		return t.write(ep, idx, env, data)
	}

	if !t.IsCore() {
		if core, ok := t.gw.CoreEndpoint(); ok && core != from.Endpoint {
			return t.write(core, -1, env, data)
		}
	}

	return t.undeliverable(env)
}

// reply sends an answer produced locally on the socket the request came
// from. It is routed like any envelope once that socket is gone.
func (t *Technology) reply(env *envelope.Envelope, origin Origin) error {
	if origin.Endpoint != nil {
		if _, live := origin.Endpoint.Socket(origin.Socket); live {
			data, err := t.encode(env)
			if err != nil {
				return err
			}
			return t.write(origin.Endpoint, origin.Socket, env, data)
		}
	}
	return t.route(env, Origin{})
}

// forward relays an envelope addressed to someone else, verbatim.
func (t *Technology) forward(env *envelope.Envelope, from Origin) {
	t.msink.IncrCounterWithLabels(MetricForwardCount, 1.0, t.labels)
	if err := t.route(env, from); err != nil && !errors.Is(err, ErrUndeliverable) {
		t.logger.Warn(
			"failed to forward envelope",
			telemetry.LabelEnvelopeID.L(env.ID),
			telemetry.LabelToID.L(env.ToID),
			telemetry.LabelError.L(err),
		)
	}
}

func (t *Technology) write(ep *endpoint.Endpoint, socket int, env *envelope.Envelope, data []byte) error {
	var err error
	if socket < 0 {
		err = ep.Write(data)
	} else {
		err = ep.WriteToSocket(socket, data)
	}
	if err != nil {
		t.logger.Warn(
			"failed to write envelope",
			telemetry.LabelEndpointName.L(ep.Name()),
			telemetry.LabelSocket.L(socket),
			telemetry.LabelEnvelopeID.L(env.ID),
			telemetry.LabelError.L(err),
		)
	}
	return err
}

func (t *Technology) undeliverable(env *envelope.Envelope) error {
	t.msink.IncrCounterWithLabels(
		MetricUndeliverableCount,
		1.0,
		telemetry.With(t.labels, telemetry.LabelEnvelopeType.M(env.Type)),
	)
	t.logger.Warn(
		"undeliverable envelope dropped",
		telemetry.LabelEnvelopeID.L(env.ID),
		telemetry.LabelEnvelopeType.L(env.Type),
		telemetry.LabelFromID.L(env.FromID),
		telemetry.LabelToID.L(env.ToID),
	)
	return fmt.Errorf("%w: %s", ErrUndeliverable, env.ToID)
}
