package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/raskyld/plexus"
	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/raskyld/plexus/pkg/envelope"
	"github.com/raskyld/plexus/pkg/store"
	"github.com/raskyld/plexus/pkg/telemetry"
)

// Payload keys of the Core requests.
const (
	KeyUserID       = "userId"
	KeyTechnologyID = "technologyId"
	KeyError        = "error"
)

// TechnologyStatus is one entry of the `listTechnologies` answer.
type TechnologyStatus struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	Enabled   bool   `json:"enabled"`
	Running   bool   `json:"running"`
	Connected bool   `json:"connected"`
}

func (c *Core) handlers() plexus.Handlers {
	return plexus.Handlers{
		plexus.TypeIntroduce:        c.handleIntroduce,
		plexus.TypeLogin:            c.handleLogin,
		plexus.TypeLogout:           c.handleLogout,
		plexus.TypePing:             plexus.Ping,
		plexus.TypeStartTechnology:  c.handleStartTechnology,
		plexus.TypeStopTechnology:   c.handleStopTechnology,
		plexus.TypeListTechnologies: c.handleListTechnologies,
	}
}

func refuse(env *envelope.Envelope, err error) (*envelope.Envelope, error) {
	return plexus.Answer(env, false, map[string]any{KeyError: err.Error()})
}

func (c *Core) handleIntroduce(ctx context.Context, _ *plexus.Technology, env *envelope.Envelope) (*envelope.Envelope, error) {
	origin, ok := plexus.OriginFrom(ctx)
	if !ok || origin.Endpoint == nil {
		return nil, fmt.Errorf("%w: introduce without origin", plexus.ErrUnknownEvent)
	}
	id := env.FromID
	if !endpoint.ValidateName(id) {
		return refuse(env, plexus.ErrNameInvalid)
	}

	if c.ids.Live(id) {
		c.msink.IncrCounterWithLabels(MetricRejectedCount, 1.0, c.labels)
		c.logger.Warn("introduce rejected", telemetry.LabelPeerID.L(id), telemetry.LabelError.L(ErrAlreadyIntroduced))
		return refuse(env, ErrAlreadyIntroduced)
	}

	if origin.Endpoint.Config().Web {
		if err := c.ensureWebRecord(ctx, id); err != nil {
			return nil, err
		}
	}

	if err := c.ids.Bind(id, origin.Endpoint, origin.Socket); err != nil {
		c.msink.IncrCounterWithLabels(MetricRejectedCount, 1.0, c.labels)
		c.logger.Warn("introduce rejected", telemetry.LabelPeerID.L(id), telemetry.LabelError.L(err))
		return refuse(env, err)
	}

	c.msink.IncrCounterWithLabels(MetricIntroducedCount, 1.0, c.labels)
	c.msink.SetGaugeWithLabels(MetricParticipantsGauge, float32(len(c.ids.Participants())), c.labels)
	c.logger.Info(
		"technology introduced",
		telemetry.LabelPeerID.L(id),
		telemetry.LabelEndpointName.L(origin.Endpoint.Name()),
		telemetry.LabelSocket.L(origin.Socket),
	)
	return plexus.Answer(env, true, nil)
}

func (c *Core) ensureWebRecord(ctx context.Context, id string) error {
	_, err := c.store.GetTechnology(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	err = c.store.CreateTechnology(ctx, &store.Technology{ID: id, Type: TypeWeb, Enabled: true})
	if err != nil && !errors.Is(err, store.ErrExists) {
		return err
	}
	c.logger.Info("web technology registered", telemetry.LabelPeerID.L(id))
	return nil
}

func (c *Core) handleLogin(ctx context.Context, _ *plexus.Technology, env *envelope.Envelope) (*envelope.Envelope, error) {
	id, err := c.sender(ctx, env)
	if err != nil {
		return nil, err
	}
	userID := env.String(KeyUserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingPayload, KeyUserID)
	}
	if err := c.store.SetLogin(ctx, &store.Login{TechnologyID: id, UserID: userID}); err != nil {
		return nil, err
	}
	c.logger.Info("logged in", telemetry.LabelPeerID.L(id), "user", userID)
	return plexus.Answer(env, true, nil)
}

func (c *Core) handleLogout(ctx context.Context, _ *plexus.Technology, env *envelope.Envelope) (*envelope.Envelope, error) {
	id, err := c.sender(ctx, env)
	if err != nil {
		return nil, err
	}
	if err := c.store.ClearLogin(ctx, id); err != nil {
		return nil, err
	}
	c.logger.Info("logged out", telemetry.LabelPeerID.L(id))
	return plexus.Answer(env, true, nil)
}

// technologyTarget checks the login itself: the Authorizer runs alongside
// and would only fail after the process was already started or stopped.
func (c *Core) technologyTarget(ctx context.Context, env *envelope.Envelope) (string, error) {
	sender, err := c.sender(ctx, env)
	if err != nil {
		return "", err
	}
	if err := c.requireLogin(ctx, sender); err != nil {
		return "", err
	}
	id := env.String(KeyTechnologyID)
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingPayload, KeyTechnologyID)
	}
	return id, nil
}

func (c *Core) handleStartTechnology(ctx context.Context, _ *plexus.Technology, env *envelope.Envelope) (*envelope.Envelope, error) {
	id, err := c.technologyTarget(ctx, env)
	if err != nil {
		return nil, err
	}
	desc, ok := c.reg.Technology(id)
	if !ok || desc.Type == TypeWeb || id == c.reg.Core.ID {
		c.logger.Error("cannot start technology", telemetry.LabelTechnology.L(id), telemetry.LabelError.L(ErrUnknownTechnology))
		return refuse(env, fmt.Errorf("%w: %s", ErrUnknownTechnology, id))
	}
	if err := c.sup.Start(desc); err != nil {
		return refuse(env, err)
	}
	return plexus.Answer(env, true, nil)
}

func (c *Core) handleStopTechnology(ctx context.Context, _ *plexus.Technology, env *envelope.Envelope) (*envelope.Envelope, error) {
	id, err := c.technologyTarget(ctx, env)
	if err != nil {
		return nil, err
	}
	if err := c.sup.Stop(id); err != nil {
		return refuse(env, err)
	}
	return plexus.Answer(env, true, nil)
}

func (c *Core) handleListTechnologies(_ context.Context, _ *plexus.Technology, env *envelope.Envelope) (*envelope.Envelope, error) {
	return plexus.Answer(env, c.Statuses(), nil)
}

// Statuses lists the registry Technologies followed by the participants
// the registry does not know about.
func (c *Core) Statuses() []TechnologyStatus {
	out := make([]TechnologyStatus, 0, len(c.reg.Technologies))
	known := make(map[string]struct{}, len(c.reg.Technologies))
	for _, desc := range c.reg.Technologies {
		known[desc.ID] = struct{}{}
		out = append(out, TechnologyStatus{
			ID:        desc.ID,
			Type:      desc.Type,
			Enabled:   desc.Enabled,
			Running:   c.sup.Running(desc.ID),
			Connected: c.ids.Live(desc.ID),
		})
	}
	for _, id := range c.ids.Participants() {
		if _, ok := known[id]; ok {
			continue
		}
		out = append(out, TechnologyStatus{ID: id, Connected: true})
	}
	return out
}
