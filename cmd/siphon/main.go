package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"siphon/internal/auth"
	"siphon/internal/config"
	"siphon/internal/cursor"
	"siphon/internal/ingest"
	"siphon/internal/logging"
	"siphon/internal/pubsub"
	"siphon/internal/schema"
	"siphon/internal/sink"
	"siphon/internal/telemetry"
	"siphon/internal/upload"

	_ "siphon/internal/sink/postgres"
	_ "siphon/internal/sink/sqlite"
)

func main() {
	cfgPath := flag.String("config", "siphon.yml", "path to config YAML")
	mode := flag.String("mode", "batch", "batch: one bounded cycle; stream: run until signalled")
	flag.Parse()

	logging.InitFromEnv()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logging.Configure(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mode); err != nil {
		log.Fatalf("siphon: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, mode string) error {
	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)
	if cfg.MetricsPort > 0 {
		telemetry.Expose(cfg.MetricsPort, reg)
	}

	plans, err := ingest.BuildPlans(cfg)
	if err != nil {
		return err
	}

	cursors, err := cursor.OpenSQLite(cfg.DBDir)
	if err != nil {
		return err
	}
	defer cursors.Close()

	snk, err := sink.New(cfg.Sink.Driver, sink.Config{Dir: cfg.Sink.Dir, DSN: cfg.Sink.DSN})
	if err != nil {
		return err
	}
	defer snk.Close()

	tokens := tokenSource(cfg)
	schemas := schema.NewCache(schemaFetcher(cfg, tokens))
	schemas.OnMiss = metrics.SchemaFetches.Inc

	factory := func(ctx context.Context, creds auth.Credentials) (pubsub.Transport, error) {
		return pubsub.New(cfg.PubSub.Driver, pubsub.DriverConfig{
			Endpoint:     cfg.PubSub.Endpoint,
			TLS:          cfg.PubSub.TLS,
			AccessToken:  creds.AccessToken,
			InstanceURL:  creds.InstanceURL,
			TenantID:     creds.TenantID,
			CallTimeout:  cfg.PubSub.CallTimeout,
			Brokers:      cfg.PubSub.Brokers,
			KafkaVersion: cfg.PubSub.KafkaVersion,
			IdleWindow:   cfg.PubSub.IdleWindow,
			FixtureDir:   cfg.PubSub.FixtureDir,
		})
	}

	switch mode {
	case "batch":
		var uploader upload.Uploader
		if cfg.Upload.Enabled && cfg.Upload.ConnectionString != "" {
			az, err := upload.NewAzureBlob(cfg.Upload.ConnectionString, cfg.Upload.Container)
			if err != nil {
				return err
			}
			uploader = az
		}
		co := ingest.NewCoordinator(tokens, factory, schemas, cursors, snk, uploader, plans, metrics)
		summary, err := co.RunCycle(ctx)
		if err != nil {
			return err
		}
		logging.L().Info("cycle complete",
			"fetched", summary.Fetched,
			"persisted", summary.Persisted,
			"advanced", len(summary.Advanced),
			"skipped", len(summary.Skipped),
			"location", summary.Location)
		for topic, reason := range summary.Skipped {
			logging.L().Warn("topic skipped", "topic", topic, "reason", reason)
		}
		return nil
	case "stream":
		sup := ingest.NewSupervisor(tokens, factory, schemas, cursors, snk, plans, metrics,
			cfg.FetchInterval, cfg.JoinTimeout)
		return sup.Run(ctx)
	default:
		return fmt.Errorf("unknown mode %q (want batch or stream)", mode)
	}
}

// tokenSource picks the credential collaborator for the configured
// transport. Only the event-bus driver authenticates; kafka and mock
// runs get empty static credentials.
func tokenSource(cfg config.Config) auth.TokenSource {
	if cfg.PubSub.Driver == "grpc" {
		return auth.NewJWTSource(auth.JWTConfig{
			LoginURL:       cfg.Auth.LoginURL,
			ClientID:       cfg.Auth.ClientID,
			Username:       cfg.Auth.Username,
			Audience:       cfg.Auth.Audience,
			PrivateKeyPath: cfg.Auth.PrivateKeyPath,
		}, nil)
	}
	return auth.Static(auth.Credentials{})
}

func schemaFetcher(cfg config.Config, tokens auth.TokenSource) schema.Fetcher {
	if cfg.SchemaDir != "" {
		return schema.FileFetcher{Dir: cfg.SchemaDir}
	}
	return schema.NewRESTFetcher(tokens, nil)
}
