package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/trigon-io/trigon/admin"
	"github.com/trigon-io/trigon/cfg"
	"github.com/trigon-io/trigon/publisher"
	_ "github.com/trigon-io/trigon/publisher/sink"
	_ "github.com/trigon-io/trigon/publisher/transformer"
	"github.com/trigon-io/trigon/telemetry"
	"github.com/trigon-io/trigon/trigger"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("instance_id", cfg.InstanceID()).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Trigon - SQL change tracking trigger engine")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	ctx := context.Background()

	// Phase 1: Connect to the database
	log.Info().Msg("Connecting to database")
	db, err := sql.Open("sqlserver", cfg.Config.ConnectionString)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
		return
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
		return
	}

	// Phase 2: Expand configured table patterns against the catalog
	tables, err := discoverTables(ctx, db, cfg.Config.Tables)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to discover tables")
		return
	}
	if len(tables) == 0 {
		log.Fatal().Strs("patterns", cfg.Config.Tables).Msg("No tables match configured patterns")
		return
	}
	log.Info().Strs("tables", tables).Msg("Watching tables")

	// Phase 3: Build the delivery side
	functionID := cfg.FunctionID()
	log.Info().
		Str("function_name", cfg.Config.FunctionName).
		Str("function_id", functionID).
		Msg("Derived function id")

	var sharedSink publisher.Sink
	var sharedTransformer publisher.Transformer
	if cfg.Config.Sink.Type != cfg.SinkLog {
		sharedSink, err = publisher.NewSink(cfg.Config.Sink)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create sink")
			return
		}
		defer sharedSink.Close()

		sharedTransformer, err = publisher.NewTransformer(cfg.Config.Sink)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create transformer")
			return
		}
	}

	// Phase 4: Start one monitor per table
	resolver, err := trigger.NewMetadataResolver(db, cfg.Config.Trigger.MetadataCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create metadata resolver")
		return
	}

	registry := trigger.NewRegistry()
	opts := trigger.Options{
		BatchSize:            cfg.Config.Trigger.BatchSize,
		MaxAttemptCount:      cfg.Config.Trigger.MaxAttemptCount,
		MaxLeaseRenewalCount: cfg.Config.Trigger.MaxLeaseRenewalCount,
		LeaseInterval:        time.Duration(cfg.Config.Trigger.LeaseIntervalSeconds) * time.Second,
		PollingInterval:      time.Duration(cfg.Config.Trigger.PollingIntervalSeconds) * time.Second,
	}

	for _, table := range tables {
		executor, err := buildExecutor(ctx, resolver, table, sharedSink, sharedTransformer)
		if err != nil {
			log.Fatal().Err(err).Str("table", table).Msg("Failed to build executor")
			return
		}

		monitor, err := trigger.StartWithDB(ctx, db, resolver, table, functionID, executor, log.Logger, opts)
		if err != nil {
			log.Fatal().Err(err).Str("table", table).Msg("Failed to start monitor")
			return
		}
		registry.Register(monitor)
	}

	// Phase 5: Admin API
	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		adminServer = admin.NewServer(cfg.Config.Admin.Address, cfg.Config.Admin.Port, registry)
		adminServer.Start()
	}

	log.Info().Int("monitors", len(tables)).Msg("Trigon started successfully")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if adminServer != nil {
		adminServer.Stop()
	}

	for _, done := range registry.StopAll() {
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			log.Warn().Msg("Monitor did not stop in time")
		}
	}

	log.Info().Msg("Trigon stopped")
}

// discoverTables expands the configured glob patterns against sys.tables.
// The engine's own schema is excluded.
func discoverTables(ctx context.Context, db *sql.DB, patterns []string) ([]string, error) {
	filter, err := publisher.NewGlobFilter(patterns)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
SELECT s.name + '.' + t.name
FROM sys.tables AS t
INNER JOIN sys.schemas AS s ON t.schema_id = s.schema_id
WHERE s.name <> 'trigon'
ORDER BY s.name, t.name;`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		if filter.Match(name) {
			tables = append(tables, name)
		}
	}
	return tables, rows.Err()
}

// buildExecutor wires the configured delivery path for one table.
func buildExecutor(ctx context.Context, resolver *trigger.MetadataResolver, table string, sink publisher.Sink, transformer publisher.Transformer) (trigger.Executor, error) {
	if sink == nil {
		return publisher.NewLogExecutor(table, log.Logger), nil
	}

	meta, err := resolver.Resolve(ctx, table)
	if err != nil {
		return nil, err
	}

	return publisher.NewSinkExecutor(publisher.SinkExecutorConfig{
		Table:       table,
		PKColumns:   meta.PKColumnNames(),
		TopicPrefix: cfg.Config.Sink.TopicPrefix,
		Sink:        sink,
		Transformer: transformer,
	})
}
