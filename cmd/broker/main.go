package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	otellib "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	servermiddleware "github.com/bisectbot/bisectbot/cmd/broker/internal/middleware"
	"github.com/bisectbot/bisectbot/cmd/broker/internal/routes"
	routesv1 "github.com/bisectbot/bisectbot/cmd/broker/internal/routes/v1"
	"github.com/bisectbot/bisectbot/internal/auth"
	"github.com/bisectbot/bisectbot/internal/config"
	"github.com/bisectbot/bisectbot/internal/fetch"
	"github.com/bisectbot/bisectbot/internal/logger"
	"github.com/bisectbot/bisectbot/internal/logstream"
	"github.com/bisectbot/bisectbot/internal/otel"
	"github.com/bisectbot/bisectbot/internal/store"
	"github.com/bisectbot/bisectbot/internal/versions"
)

const name string = "github.com/bisectbot/bisectbot/broker"

var tracer = otellib.Tracer(name)

type server struct {
	router       *echo.Echo
	config       *config.Config
	streamer     *logstream.Streamer
	otelShutdown func(context.Context) error
}

func seedTokens(registry *auth.Registry, seeds []config.TokenSeed) error {
	for _, seed := range seeds {
		scopes := make([]auth.Scope, 0, len(seed.Scopes))
		for _, raw := range seed.Scopes {
			scope, err := auth.ParseScope(raw)
			if err != nil {
				return fmt.Errorf("token %q: %w", seed.Note, err)
			}
			scopes = append(scopes, scope)
		}
		registry.Seed(seed.Token, scopes...)
		logger.Logger.Info("seeded auth token", "note", seed.Note, "scopes", seed.Scopes)
	}
	return nil
}

func initServer(ctx context.Context) (*server, error) {
	server := new(server)

	cfg, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize server config: %w", err)
	}
	if cfg.Broker == nil {
		return nil, errors.New("config has no broker section")
	}
	server.config = cfg

	useOTLP := false
	if cfg.Logging != nil {
		useOTLP = cfg.Logging.UseOTLP
		logger.LogLevel.Set(slog.Level(cfg.Logging.App.Level))
	}

	shutdownOTel, err := otel.SetupOTelSDK(ctx, useOTLP)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OTEL SDK: %w", err)
	}
	defer func() {
		// Something failed to initialize, make sure everything gets flushed to the server
		if server.otelShutdown == nil {
			otelShutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				time.Second*time.Duration(cfg.Broker.GracefulShutdownSecs),
			)
			defer cancel()

			if err = shutdownOTel(otelShutdownCtx); err != nil {
				logger.Logger.Error("failed to flush otel data", "error", err)
			}
		}
	}()

	_, span := tracer.Start(ctx, "initServer")
	defer span.End()

	registry := auth.NewRegistry()
	if err := seedTokens(registry, cfg.Broker.Tokens); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to seed auth tokens")
		return nil, fmt.Errorf("failed to seed auth tokens: %w", err)
	}

	span.AddEvent("seeded auth registry")

	catalog := versions.New(fetch.NewRetryingHTTPFetcher(), cfg.Broker.Releases.FeedURL)
	jobStore := store.New()
	streamer := logstream.New()

	span.AddEvent("initialized job store and release catalog")

	e, err := routes.BuildEcho(logger.Logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error building router")
		return nil, fmt.Errorf("error building router: %w", err)
	}

	span.AddEvent("created echo router")

	v1Handler := routesv1.NewHandler(jobStore, registry, catalog, streamer)
	middlewareHandler := servermiddleware.Handler{Registry: registry}
	v1Handler.AddRoutes(e, &middlewareHandler)

	server.otelShutdown = shutdownOTel
	server.router = e
	server.streamer = streamer

	return server, nil
}

func (s *server) Start() error {
	logger.Logger.Info("Starting services...")

	err := s.router.Start(s.config.Broker.ListenAddress)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *server) Shutdown() error {
	var errs error

	ctx, cancelTimeout := context.WithTimeout(
		context.Background(),
		time.Second*time.Duration(s.config.Broker.GracefulShutdownSecs),
	)
	defer cancelTimeout()

	s.streamer.CloseAll()

	if err := s.router.Shutdown(ctx); err != nil {
		errs = errors.Join(errs, err)
	}

	if s.otelShutdown != nil {
		errs = errors.Join(errs, s.otelShutdown(ctx))
	}

	return errs
}

func main() {
	ctx, cancelSignal := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)

	logger.InitSlog()

	server, err := initServer(ctx)
	if err != nil {
		logger.Logger.Error(err.Error())
		cancelSignal()
		os.Exit(1)
	}

	errch := make(chan error, 1)
	go func() {
		<-ctx.Done()
		logger.Logger.Info("Got shutdown signal!")
		errch <- server.Shutdown()
		close(errch)
	}()

	if err := server.Start(); err != nil {
		logger.Logger.Error(err.Error())
		cancelSignal()
		os.Exit(1)
	}

	if err := <-errch; err != nil {
		logger.Logger.Error("Error shutting down server", "error", err)
	}

	cancelSignal()
}
