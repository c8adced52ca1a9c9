package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ovoenergyau/ovoenergyau/pkg/auth"
	"github.com/ovoenergyau/ovoenergyau/pkg/common"
	"github.com/ovoenergyau/ovoenergyau/pkg/coordinator"
	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/metrics"
	"github.com/ovoenergyau/ovoenergyau/pkg/ovo"
	"github.com/ovoenergyau/ovoenergyau/pkg/publisher"
	"github.com/ovoenergyau/ovoenergyau/pkg/server"
	"github.com/ovoenergyau/ovoenergyau/pkg/storage"
)

func main() {
	// init packages
	m := metrics.New(prometheus.DefaultRegisterer)
	common.ConfigureLocation()
	s := storage.Configured()
	sess := auth.Configured(s, m)
	api := ovo.Configured(m)
	pub := publisher.Configured()
	coord := coordinator.Configured(sess, api, s, pub, m)

	// init server
	srv := server.Configured(coord, s, m)

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
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		pub.Close()
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	if err := sess.Setup(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set up session", "error", err)
		os.Exit(1)
	}

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		if err := coord.Run(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "coordinator failed", "error", err)
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		cancel()
		<-coordDone
		os.Exit(1)
	}
	<-coordDone
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
