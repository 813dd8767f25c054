package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raterudder/freephase/pkg/coordinator"
	"github.com/raterudder/freephase/pkg/cost"
	"github.com/raterudder/freephase/pkg/log"
	"github.com/raterudder/freephase/pkg/publish"
	"github.com/raterudder/freephase/pkg/server"
	"github.com/raterudder/freephase/pkg/storage"
	"github.com/raterudder/freephase/pkg/tariff"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"
)

func main() {
	// init packages
	t := tariff.Configured()
	s := storage.Configured()
	p := publish.Configured()
	coords := coordinator.Configured(t, s, p)
	costs := cost.Configured()

	// init server
	srv := server.Configured(coords, costs, s)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()
	defer func() {
		if err := p.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close publishers", "error", err)
		}
	}()

	for _, c := range coords.List() {
		c.OnSnapshot(costs.Attach(c.Region()).Notify)
	}

	// load the last known good state before the first refresh so a failing
	// API right after a restart still serves data
	coords.Restore(ctx)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return coords.Run(ctx)
	})
	eg.Go(func() error {
		return costs.Run(ctx)
	})
	eg.Go(func() error {
		// Run will block until context is canceled or error happens
		return srv.Run(ctx)
	})
	if err := eg.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	if err := coords.Close(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to close coordinators", "error", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
