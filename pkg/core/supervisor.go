package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/plexus"
	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/raskyld/plexus/pkg/envelope"
	"github.com/raskyld/plexus/pkg/telemetry"
)

var (
	MetricChildStartCount = []string{"plexus", "core", "child", "start", "count"}
	MetricChildExitCount  = []string{"plexus", "core", "child", "exit", "count"}
	MetricChildGauge      = []string{"plexus", "core", "child", "gauge"}
)

// LinkFunc returns the Endpoint a child connects back to the Core with.
type LinkFunc func() (endpoint.Config, error)

// Supervisor spawns Technologies as child processes and tracks them by id.
type Supervisor struct {
	coreID  string
	framing envelope.Framing
	link    LinkFunc
	stdout  io.Writer
	stderr  io.Writer

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	lk       sync.Mutex
	children map[string]*child
	closed   bool
	wg       sync.WaitGroup
}

type child struct {
	desc Descriptor
	cmd  *exec.Cmd
	done chan struct{}
}

func newSupervisor(coreID string, framing envelope.Framing, link LinkFunc, cfg *config) *Supervisor {
	stdout, stderr := cfg.stdout, cfg.stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &Supervisor{
		coreID:   coreID,
		framing:  framing,
		link:     link,
		stdout:   stdout,
		stderr:   stderr,
		logger:   telemetry.Logger(cfg.logHandler).With("component", "supervisor"),
		msink:    telemetry.Sink(cfg.msink),
		labels:   cfg.metricLabels,
		children: make(map[string]*child),
	}
}

// Start spawns desc. Starting a Technology already running is a no-op.
func (sup *Supervisor) Start(desc Descriptor) error {
	sup.lk.Lock()
	defer sup.lk.Unlock()

	if sup.closed {
		return ErrSupervisorShutdown
	}
	if _, running := sup.children[desc.ID]; running {
		sup.logger.Warn("technology already running", telemetry.LabelTechnology.L(desc.ID))
		return nil
	}

	link, err := sup.link()
	if err != nil {
		return err
	}
	childCfg := plexus.ChildConfig{
		ID:        desc.ID,
		Type:      desc.Type,
		CoreID:    sup.coreID,
		Framing:   sup.framing,
		Endpoints: append([]endpoint.Config{link}, desc.Endpoints...),
		Options:   desc.Options,
	}
	blob, err := childCfg.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	cmd := exec.Command(desc.Command, desc.Args...)
	cmd.Env = append(os.Environ(), plexus.EnvTechnology+"="+string(blob))
	cmd.Stdout = sup.stdout
	cmd.Stderr = sup.stderr
	if err := cmd.Start(); err != nil {
		sup.logger.Error(
			"failed to start technology",
			telemetry.LabelTechnology.L(desc.ID),
			telemetry.LabelError.L(err),
		)
		return err
	}

	c := &child{desc: desc, cmd: cmd, done: make(chan struct{})}
	sup.children[desc.ID] = c
	labels := telemetry.With(sup.labels, telemetry.LabelTechnology.M(desc.ID))
	sup.msink.IncrCounterWithLabels(MetricChildStartCount, 1.0, labels)
	sup.msink.SetGaugeWithLabels(MetricChildGauge, float32(len(sup.children)), sup.labels)
	sup.logger.Info(
		"technology started",
		telemetry.LabelTechnology.L(desc.ID),
		"pid", cmd.Process.Pid,
	)

	sup.wg.Add(1)
	go sup.wait(c, labels)
	return nil
}

func (sup *Supervisor) wait(c *child, labels []metrics.Label) {
	defer sup.wg.Done()
	err := c.cmd.Wait()

	sup.lk.Lock()
	if sup.children[c.desc.ID] == c {
		delete(sup.children, c.desc.ID)
	}
	sup.msink.SetGaugeWithLabels(MetricChildGauge, float32(len(sup.children)), sup.labels)
	sup.lk.Unlock()
	close(c.done)

	sup.msink.IncrCounterWithLabels(MetricChildExitCount, 1.0, labels)
	sup.logger.Info(
		"technology exited",
		telemetry.LabelTechnology.L(c.desc.ID),
		telemetry.LabelError.L(err),
	)
}

// Stop sends SIGTERM to the child running as id.
func (sup *Supervisor) Stop(id string) error {
	sup.lk.Lock()
	c, ok := sup.children[id]
	sup.lk.Unlock()
	if !ok {
		sup.logger.Error("cannot stop technology", telemetry.LabelTechnology.L(id), telemetry.LabelError.L(ErrUnknownTechnology))
		return fmt.Errorf("%w: %s", ErrUnknownTechnology, id)
	}

	sup.logger.Info("stopping technology", telemetry.LabelTechnology.L(id))
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	return nil
}

// StopAll terminates every child and waits for them. Children still alive
// when ctx is done are killed.
func (sup *Supervisor) StopAll(ctx context.Context) {
	sup.lk.Lock()
	sup.closed = true
	children := make([]*child, 0, len(sup.children))
	for _, c := range sup.children {
		children = append(children, c)
	}
	sup.lk.Unlock()

	for _, c := range children {
		c.cmd.Process.Signal(syscall.SIGTERM)
	}
	for _, c := range children {
		select {
		case <-c.done:
		case <-ctx.Done():
			sup.logger.Warn("killing technology", telemetry.LabelTechnology.L(c.desc.ID))
			c.cmd.Process.Kill()
			<-c.done
		}
	}
	sup.wg.Wait()
}

func (sup *Supervisor) Running(id string) bool {
	sup.lk.Lock()
	defer sup.lk.Unlock()
	_, ok := sup.children[id]
	return ok
}

// RunningIDs returns the ids of the live children, sorted.
func (sup *Supervisor) RunningIDs() []string {
	sup.lk.Lock()
	defer sup.lk.Unlock()
	out := make([]string, 0, len(sup.children))
	for id := range sup.children {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Done is closed once the child running as id exits. It returns nil when
// no such child runs.
func (sup *Supervisor) Done(id string) <-chan struct{} {
	sup.lk.Lock()
	defer sup.lk.Unlock()
	if c, ok := sup.children[id]; ok {
		return c.done
	}
	return nil
}

// DefaultStopTimeout bounds how long StopAll waits during Core shutdown.
const DefaultStopTimeout = 5 * time.Second
