package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/bluesky-social/ozone/ozone"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "ozone",
		Usage:   "moderation event log and review state service",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string (sqlite:// or postgres://)",
			Value:   "sqlite://data/ozone/ozone.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"OZONE_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		migrateLegacyCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context) *slog.Logger {
	var level slog.Level
	switch cctx.String("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// setupOTEL enables the OTLP HTTP trace exporter when
// OTEL_EXPORTER_OTLP_ENDPOINT is set. Returns a shutdown func.
func setupOTEL(ctx context.Context) (func(), error) {
	ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if ep == "" {
		return func() {}, nil
	}
	slog.Info("setting up trace exporter", "endpoint", ep)

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("ozone"),
		)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown trace provider", "error", err)
		}
	}, nil
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the moderation service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3830",
			EnvVars: []string{"OZONE_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3831",
			EnvVars: []string{"OZONE_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "pds-host",
			Usage:   "method, hostname, and port of the PDS to send enforcement commands to (empty for no-op)",
			EnvVars: []string{"OZONE_PDS_HOST"},
		},
		&cli.StringFlag{
			Name:    "pds-admin-password",
			Usage:   "admin auth password for the enforcement PDS",
			EnvVars: []string{"OZONE_PDS_ADMIN_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "admin-password",
			Usage:   "basic auth password for the admin role",
			EnvVars: []string{"OZONE_ADMIN_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "moderator-password",
			Usage:   "basic auth password for the moderator role",
			EnvVars: []string{"OZONE_MODERATOR_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "triage-password",
			Usage:   "basic auth password for the triage role",
			EnvVars: []string{"OZONE_TRIAGE_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "service-did",
			Usage:   "DID of this moderation service, used as label source and automated actor",
			Value:   "did:plc:ozone-service",
			EnvVars: []string{"OZONE_SERVICE_DID"},
		},
		&cli.DurationFlag{
			Name:    "reversal-interval",
			Usage:   "how often to sweep for expired takedowns",
			Value:   time.Minute,
			EnvVars: []string{"OZONE_REVERSAL_INTERVAL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		logger := configLogger(cctx)

		shutdownOTEL, err := setupOTEL(ctx)
		if err != nil {
			return err
		}
		defer shutdownOTEL()

		serviceDid, err := syntax.ParseDID(cctx.String("service-did"))
		if err != nil {
			return fmt.Errorf("invalid service DID: %w", err)
		}

		db, err := ozone.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}

		var enforcement ozone.Enforcement
		if pdsHost := cctx.String("pds-host"); pdsHost != "" {
			enforcement = ozone.NewPDSEnforcement(pdsHost, cctx.String("pds-admin-password"), logger)
		} else {
			logger.Warn("no PDS host configured, enforcement commands will be dropped")
			enforcement = &ozone.NoopEnforcement{Logger: logger}
		}

		service, err := ozone.NewService(db, logger, ozone.NewStoreLabelIssuer(serviceDid.String()), enforcement)
		if err != nil {
			return err
		}

		srv := ozone.NewServer(service, ozone.ServerConfig{
			Logger:            logger,
			Bind:              cctx.String("bind"),
			AdminPassword:     cctx.String("admin-password"),
			ModeratorPassword: cctx.String("moderator-password"),
			TriagePassword:    cctx.String("triage-password"),
		})

		reversal := ozone.NewReversalWorker(db, service, logger, serviceDid, cctx.Duration("reversal-interval"))
		go reversal.Run(ctx)

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				logger.Error("metrics server shut down unexpectedly", "err", err)
			}
		}()

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.RunAPI()
		}()

		exitSignals := make(chan os.Signal, 1)
		signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-exitSignals:
			logger.Info("received OS exit signal", "signal", sig)
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second*10)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("graceful shutdown complete")
		return nil
	},
}

var migrateLegacyCmd = &cli.Command{
	Name:  "migrate-legacy",
	Usage: "backfill the unified event log and status rows from the legacy action and report tables",
	Action: func(cctx *cli.Context) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		logger := configLogger(cctx)

		db, err := ozone.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}

		return ozone.NewLegacyMigration(db, logger).Run(ctx)
	},
}
