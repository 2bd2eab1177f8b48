// Package app wires the services from configuration and runs them until the
// context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/config"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/queue"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules/archive"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules/command"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules/remote"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/stage"
)

const shutdownTimeout = 15 * time.Second

type distributor struct {
	di *dependencyInjector
}

// NewDistributor runs the delegation pipeline on the jobs destination.
func NewDistributor(cfgPath string) *distributor {
	di := newDI(cfgPath, "distributor")
	di.Logger()
	return &distributor{di: di}
}

func (a *distributor) Run(ctx context.Context) error {
	defer a.di.Close(context.Background())

	c := a.di.Consumer(ctx, domain.DestinationJobs, a.di.Delegator(ctx).Handler())
	if err := c.Run(ctx); err != nil {
		return err
	}
	defer c.Stop(ctx)
	slog.Info("distributor running...")

	return serveOps(ctx, a.di.Config().Ops.Addr, a.di.OpsHandler(ctx, false))
}

type worker struct {
	di *dependencyInjector
}

// NewWorker runs the validation and conversion stages.
func NewWorker(cfgPath string) *worker {
	di := newDI(cfgPath, "worker")
	di.Logger()
	return &worker{di: di}
}

func (a *worker) Run(ctx context.Context) error {
	defer a.di.Close(context.Background())

	cfg := a.di.Config()
	repo := a.di.Repo(ctx)
	opts := stage.Options{
		MaxParallelTasks: cfg.Worker.MaxParallelTasks,
		MaxRetries:       cfg.Pipeline.MaxRetries,
		PollInterval:     cfg.Worker.PollInterval,
		StallTimeout:     cfg.Worker.TaskTimeout,
	}

	var consumers []*queue.Consumer
	for _, s := range []domain.Stage{domain.StageValidation, domain.StageConversion} {
		w := stage.NewWorker(s, repo, a.di.Scheduler(ctx), a.di.Executor(ctx), repo, a.di.Publisher(ctx), opts)
		c := a.di.Consumer(ctx, string(s), w.Handler())
		if err := c.Run(ctx); err != nil {
			return err
		}
		consumers = append(consumers, c)
	}
	defer func() {
		for _, c := range consumers {
			c.Stop(ctx)
		}
	}()

	go a.cleanup(ctx)
	slog.Info("worker running...")

	return serveOps(ctx, cfg.Ops.Addr, a.di.OpsHandler(ctx, true))
}

// cleanup removes staged files the file cache no longer tracks.
func (a *worker) cleanup(ctx context.Context) {
	maxAge := a.di.Config().Caches.Files.TTL
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	ticker := time.NewTicker(maxAge / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.di.Staging(ctx).CleanupOlderThan(ctx, maxAge); err != nil {
				slog.Warn("staging cleanup", slog.String("error", err.Error()))
			}
		}
	}
}

type ruleRunner struct {
	di *dependencyInjector
}

// NewRuleRunner serves the rules listed in rule_runner.rules over gRPC.
func NewRuleRunner(cfgPath string) *ruleRunner {
	di := newDI(cfgPath, "rulerunner")
	di.Logger()
	return &ruleRunner{di: di}
}

func (a *ruleRunner) Run(ctx context.Context) error {
	cfg := a.di.Config()
	l := a.di.Logger()

	commands := make(map[string]config.Command, len(cfg.Runner.Commands))
	for _, c := range cfg.Runner.Commands {
		commands[c.Name] = c
	}
	hosted := make([]rules.Rule, 0, len(cfg.Runner.Rules))
	for _, name := range cfg.Runner.Rules {
		c, ok := commands[name]
		if !ok {
			hosted = append(hosted, archive.New(name))
			continue
		}
		hosted = append(hosted, command.New(command.Spec{
			Name:        c.Name,
			Path:        c.Path,
			Args:        c.Args,
			MaxParallel: c.MaxParallel,
			Packages:    c.Packages,
		}))
	}
	registry, err := rules.NewRegistry(hosted...)
	if err != nil {
		return err
	}

	srv := remote.NewGRPCServer(l, remote.NewServer(registry, cfg.BaseDir))
	lis, err := net.Listen("tcp", cfg.Runner.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("rulerunner gRPC service listening",
			slog.String("addr", cfg.Runner.Listen),
			slog.Any("rules", registry.Names()),
		)
		if err := srv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("failed to serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		l.Info("shutdown signal received, starting graceful shutdown")
	case err := <-errCh:
		l.Error("server exited with error", slog.String("error", err.Error()))
		return err
	}

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		l.Info("graceful shutdown completed")
	case <-time.After(shutdownTimeout):
		l.Warn("graceful stop timed out, forcing stop")
		srv.Stop()
	}
	return nil
}

// serveOps blocks serving the ops endpoint until ctx is cancelled.
func serveOps(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops endpoint listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, starting graceful shutdown")
	case err := <-errCh:
		slog.Error("ops endpoint exited with error", slog.String("error", err.Error()))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops shutdown: %w", err)
	}
	return nil
}
