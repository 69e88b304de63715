package plexus

import (
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/raskyld/plexus/pkg/envelope"
	"github.com/raskyld/plexus/pkg/telemetry"
)

// introduce registers this Technology with the Core. Failures are retried
// with a jittered exponential backoff until the policy is exhausted, then
// logged; the next connection of the Core link starts over.
func (t *Technology) introduce() {
	t.handshakeLk.Lock()
	if t.handshaking {
		t.handshakeLk.Unlock()
		return
	}
	t.handshaking = true
	t.handshakeLk.Unlock()
	defer func() {
		t.handshakeLk.Lock()
		t.handshaking = false
		t.handshakeLk.Unlock()
	}()

	policy := t.config.introduceRetry
	delay := policy.InitialDelay

	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		labels := telemetry.With(t.labels, telemetry.LabelAttempt.M(strconv.Itoa(attempt)))
		req := envelope.NewRequest(TypeIntroduce, t.config.coreID, t.config.defaultTimeout)

		answer, err := t.Trigger(t.ctx, req)
		if err == nil && answer.Succeeded() {
			t.msink.IncrCounterWithLabels(MetricIntroduceCount, 1.0, labels)
			t.logger.Info("introduced to the core", telemetry.LabelAttempt.L(attempt))
			t.setIntroduced()
			return
		}
		if err == nil {
			err = ErrIntroduceRejected
		}

		t.msink.IncrCounterWithLabels(MetricIntroduceErrorCount, 1.0, labels)
		t.logger.Warn(
			"failed to introduce",
			telemetry.LabelAttempt.L(attempt),
			telemetry.LabelError.L(err),
		)

		if t.ctx.Err() != nil || attempt == policy.Attempts {
			break
		}

		sleep := delay
		if sleep > 0 {
			// Up to 25% jitter so restarted children do not retry in lockstep.
			sleep += time.Duration(rand.Int64N(int64(sleep)/4 + 1))
		}
		select {
		case <-time.After(sleep):
		case <-t.ctx.Done():
			return
		}

		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	t.logger.Error("giving up introduction to the core", telemetry.LabelAttempt.L(policy.Attempts))
}
