// Command plexus runs the Core when given a registry, or a generic child
// Technology configured through the PLEXUS_TECHNOLOGY environment variable.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/plexus"
	"github.com/raskyld/plexus/pkg/core"
	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/raskyld/plexus/pkg/store"
)

var (
	Registry  = flag.String("registry", "", "registry file, runs the core when set")
	LogLevel  = flag.String("log-level", "info", "debug, info, warn or error")
	LogFormat = flag.String("log-format", "text", "text or json")
	Ready     = flag.Duration("ready-timeout", 30*time.Second, "how long to wait for readiness")
)

func main() {
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*LogLevel)); err != nil {
		slog.Error("invalid log level", "error", err)
		os.Exit(1)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if *LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	// Send SIGUSR1 to dump the metrics on stderr.
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(sink)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	var err error
	if *Registry != "" {
		err = runCore(ctx, handler, sink)
	} else {
		err = runChild(ctx, handler, sink)
	}
	if err != nil {
		slog.Error("terminated", "error", err)
		os.Exit(2)
	}
}

func openStore(ctx context.Context, cfg core.StoreConfig) (store.Store, error) {
	switch cfg.Kind {
	case "", "memory":
		return store.NewMemory(), nil
	case "nats":
		return store.OpenKV(ctx, cfg.URL, cfg.Bucket)
	default:
		return nil, errors.New("unknown store kind " + cfg.Kind)
	}
}

func runCore(ctx context.Context, handler slog.Handler, sink metrics.MetricSink) error {
	reg, err := core.LoadRegistry(*Registry)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, reg.Core.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	c, err := core.New(reg, st, core.WithLog(handler), core.WithMetricSink(sink))
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		c.Shutdown()
		return err
	}

	readyCtx, readyCancel := context.WithTimeout(ctx, *Ready)
	if err := c.Technology().WaitReady(readyCtx); err != nil {
		slog.Warn("core is not ready yet", "error", err)
	}
	readyCancel()

	<-ctx.Done()
	slog.Info("terminating...")
	return c.Shutdown()
}

func runChild(ctx context.Context, handler slog.Handler, sink metrics.MetricSink) error {
	cfg, err := plexus.LoadChildConfig()
	if err != nil {
		return err
	}

	opts := append(cfg.TechnologyOptions(),
		plexus.WithLog(handler),
		plexus.WithMetricSink(sink),
		plexus.WithRawHandler(logRaw),
	)
	tech, err := plexus.New(cfg.ID, opts...)
	if err != nil {
		return err
	}
	if err := tech.Start(ctx); err != nil {
		tech.Shutdown()
		return err
	}

	readyCtx, readyCancel := context.WithTimeout(ctx, *Ready)
	if err := tech.WaitReady(readyCtx); err != nil {
		slog.Warn("technology is not ready yet", "state", tech.State().String(), "error", err)
	}
	readyCancel()

	<-ctx.Done()
	slog.Info("terminating...")
	return tech.Shutdown()
}

func logRaw(_ context.Context, t *plexus.Technology, ev endpoint.Event) {
	t.Logger().Debug(
		"raw data",
		"endpoint", ev.Endpoint.Name(),
		"class", ev.Class.String(),
		"data", hex.EncodeToString(ev.Data),
	)
}
