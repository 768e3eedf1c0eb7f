package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sqlbridge/sqlbridge/admin"
	"github.com/sqlbridge/sqlbridge/cdc"
	"github.com/sqlbridge/sqlbridge/cfg"
	"github.com/sqlbridge/sqlbridge/conflict"
	"github.com/sqlbridge/sqlbridge/connector"
	"github.com/sqlbridge/sqlbridge/deadletter"
	"github.com/sqlbridge/sqlbridge/offset"
	"github.com/sqlbridge/sqlbridge/pipeline"
	"github.com/sqlbridge/sqlbridge/publisher"
	"github.com/sqlbridge/sqlbridge/schema"
	"github.com/sqlbridge/sqlbridge/telemetry"

	// Sink registrations
	_ "github.com/sqlbridge/sqlbridge/publisher/sink"
)

// Exit codes
const (
	exitOK          = 0
	exitConfig      = 1
	exitSetup       = 2
	exitApplyFailed = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("sqlbridge - Bidirectional CDC Relay")
	telemetry.InitializeTelemetry(cfg.Config.Prometheus.Enabled)
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persisted state
	offsets, err := offset.Open(cfg.Config.Storage.OffsetStoragePath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open offset store")
		return exitSetup
	}

	schemaStore, err := schema.NewStore(cfg.Config.Storage.SchemaStoragePath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open schema store")
		return exitSetup
	}

	dlq, err := deadletter.Open(cfg.Config.Storage.DeadLetterPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open dead-letter log")
		return exitSetup
	}
	defer dlq.Close()

	pub, err := publisher.New(cfg.Config.Sinks)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize event sinks")
		return exitSetup
	}
	defer pub.Close()

	// Conflict machinery shared by both directions
	syncCfg := cfg.Config.Sync
	windowTTL := time.Duration(syncCfg.ConflictWindowSeconds) * time.Second
	window := conflict.NewWindow(windowTTL)
	guard := conflict.NewGuard(windowTTL)

	resolver, err := conflict.ParseStrategy(string(syncCfg.ConflictResolution),
		cfg.Config.EndpointA.ID, cfg.Config.EndpointB.ID)
	if err != nil {
		log.Error().Err(err).Msg("Invalid conflict resolution strategy")
		return exitConfig
	}

	originColumn := ""
	if syncCfg.LoopGuard == cfg.LoopGuardOriginColumn {
		originColumn = conflict.OriginColumnName
	}

	// One schema cache for the whole process: invalidation from either
	// direction's apply path is visible to the other.
	schemas := schema.NewCache(schemaStore)

	// One pipeline per direction. Each direction owns its connector
	// instances: one replication session per source, one apply session per
	// target.
	buildPipeline := func(source, target cfg.EndpointConfiguration) (*pipeline.Pipeline, error) {
		srcConn, err := connector.New(connector.Options{
			Endpoint:     source,
			Schemas:      schemas,
			Guard:        guard,
			OriginColumn: originColumn,
			PeerServerID: target.ServerID,
		})
		if err != nil {
			return nil, err
		}
		tgtConn, err := connector.New(connector.Options{
			Endpoint:     target,
			Schemas:      schemas,
			Guard:        guard,
			OriginColumn: originColumn,
			PeerServerID: source.ServerID,
		})
		if err != nil {
			return nil, err
		}

		return pipeline.New(pipeline.Config{
			Stream:             cdc.StreamName(source.ID, target.ID),
			Source:             srcConn,
			Target:             tgtConn,
			Offsets:            offsets,
			Window:             window,
			Resolver:           resolver,
			Guard:              guard,
			DeadLetter:         dlq,
			Publisher:          pub,
			Tables:             syncCfg.Tables,
			BatchSize:          syncCfg.BatchSize,
			MaxRetries:         syncCfg.MaxRetries,
			CheckpointInterval: time.Duration(syncCfg.CheckpointIntervalSeconds) * time.Second,
			OriginColumn:       originColumn,
			InitialSnapshot:    syncCfg.InitialSnapshot,
			SkipPoison:         syncCfg.SkipPoison,
		}), nil
	}

	var pipelines []*pipeline.Pipeline

	forward, err := buildPipeline(cfg.Config.EndpointA, cfg.Config.EndpointB)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build forward pipeline")
		return exitSetup
	}
	pipelines = append(pipelines, forward)

	if syncCfg.EnableBidirectional {
		reverse, err := buildPipeline(cfg.Config.EndpointB, cfg.Config.EndpointA)
		if err != nil {
			log.Error().Err(err).Msg("Failed to build reverse pipeline")
			return exitSetup
		}
		pipelines = append(pipelines, reverse)
	}

	// Admin / metrics surface
	var connectors []connector.Connector
	for _, p := range pipelines {
		connectors = append(connectors, p.Source(), p.Target())
	}

	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.Address, cfg.Config.Admin.Port)
		adminServer = admin.NewServer(addr, pipelines, connectors, dlq)
		adminServer.Start()
		defer adminServer.Stop()
	}

	log.Info().
		Str("endpoint_a", cfg.Config.EndpointA.ID).
		Str("endpoint_b", cfg.Config.EndpointB.ID).
		Bool("bidirectional", syncCfg.EnableBidirectional).
		Strs("tables", syncCfg.Tables).
		Msg("Starting synchronization")

	// Run all streams; the first fatal error stops the pair.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(pipelines))
	var wg sync.WaitGroup
	for _, p := range pipelines {
		wg.Add(1)
		go func(p *pipeline.Pipeline) {
			defer wg.Done()
			if err := p.Run(runCtx); err != nil {
				errCh <- err
				cancel()
			}
		}(p)
	}
	wg.Wait()

	for _, p := range pipelines {
		stats := p.Stats()
		log.Info().
			Str("stream", stats.Stream).
			Uint64("received", stats.Received).
			Uint64("applied", stats.Applied).
			Uint64("conflicted", stats.Conflicted).
			Uint64("skipped", stats.Skipped).
			Uint64("errors", stats.Errors).
			Msg("Final statistics")
	}

	select {
	case err := <-errCh:
		switch cdc.KindOf(err) {
		case cdc.KindConnAuth, cdc.KindConnUnreachable, cdc.KindConnProtocol, cdc.KindCDCPrecondition:
			return exitSetup
		default:
			return exitApplyFailed
		}
	default:
	}

	log.Info().Msg("Clean shutdown")
	return exitOK
}
