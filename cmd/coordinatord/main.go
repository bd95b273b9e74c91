// Command coordinatord bootstraps the Consumer Group Coordinator: it wires
// the store, coordination store, metrics and logging stacks per
// configuration, then starts serving Prometheus metrics while the
// Coordinator's background elections run. The client-facing create/join
// surface is an internal API (spec.md §6); no wire protocol is fixed here,
// so embedding applications call coordinator.Coordinator directly.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/synapse-labs/cg-coordinator/internal/config"
	"github.com/synapse-labs/cg-coordinator/internal/coord"
	"github.com/synapse-labs/cg-coordinator/internal/coordinator"
	"github.com/synapse-labs/cg-coordinator/internal/groupstore"
	"github.com/synapse-labs/cg-coordinator/internal/logging"
	"github.com/synapse-labs/cg-coordinator/internal/metrics"
	"github.com/synapse-labs/cg-coordinator/internal/model"
	"github.com/synapse-labs/cg-coordinator/internal/producerqueries"
	"github.com/synapse-labs/cg-coordinator/internal/store"
)

func main() {
	root := &cobra.Command{Use: "coordinatord"}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateLegacyCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the consumer group coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a config file (YAML/JSON/TOML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	return cmd
}

func runServe(configPath, logLevelFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.NewProduction(parseLevel(logLevelFlag))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	met := metrics.NewRegistered(reg)

	st, err := store.Dial(store.Config{
		Hosts:    []string{cfg.Scylla.Hostname},
		Keyspace: cfg.Keyspace,
		Username: cfg.Scylla.Username,
		Password: cfg.Scylla.Password,
		Timeout:  10 * time.Second,
	}, log)
	if err != nil {
		return fmt.Errorf("dialing store: %w", err)
	}
	defer st.Close()

	session := store.Session(st)
	gs := groupstore.NewGocql(session)
	pq := producerqueries.NewGocql(session)

	c, err := coord.Dial(cfg.EtcdEndpoints, 5*time.Second, log)
	if err != nil {
		return fmt.Errorf("dialing coord: %w", err)
	}
	defer c.Close()

	co := coordinator.New(st, gs, pq, c, cfg.Linger, log, met)
	defer co.Shutdown()

	var httpServer *http.Server
	if cfg.Prometheus != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpServer = &http.Server{Addr: cfg.Prometheus, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Log(logging.LevelError, "metrics server failed", "err", err)
			}
		}()
		log.Log(logging.LevelInfo, "metrics server listening", "addr", cfg.Prometheus)
	}

	log.Log(logging.LevelInfo, "coordinator started", "keyspace", cfg.Keyspace, "shard_count", cfg.ShardCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Log(logging.LevelInfo, "coordinator shutting down")
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}
	return nil
}

// migrateLegacyCmd backfills a consumer_shard_offset_v2 row from whatever
// consumer_shard_offset (legacy, single-row) data exists for one consumer,
// per SPEC_FULL.md §C.3. Operators run this once per consumer ahead of its
// first join against a group that predates the versioned offset table; the
// hot path never calls it itself.
func migrateLegacyCmd() *cobra.Command {
	var configPath, groupID, consumerID, shardsFlag string

	cmd := &cobra.Command{
		Use:   "migrate-legacy",
		Short: "backfill a consumer_shard_offset_v2 row from legacy consumer_shard_offset rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateLegacy(configPath, groupID, consumerID, shardsFlag)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a config file (YAML/JSON/TOML)")
	cmd.Flags().StringVar(&groupID, "group", "", "group id to backfill")
	cmd.Flags().StringVar(&consumerID, "consumer", "", "consumer id to backfill")
	cmd.Flags().StringVar(&shardsFlag, "shards", "", "comma-separated shard ids to check for legacy rows")
	for _, name := range []string{"group", "consumer", "shards"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runMigrateLegacy(configPath, groupID, consumerID, shardsFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.NewProduction(logging.LevelInfo)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	st, err := store.Dial(store.Config{
		Hosts:    []string{cfg.Scylla.Hostname},
		Keyspace: cfg.Keyspace,
		Username: cfg.Scylla.Username,
		Password: cfg.Scylla.Password,
		Timeout:  10 * time.Second,
	}, log)
	if err != nil {
		return fmt.Errorf("dialing store: %w", err)
	}
	defer st.Close()

	gs := groupstore.NewGocql(store.Session(st))

	reader, ok := store.NewLegacyOffsetReader(st)
	if !ok {
		return fmt.Errorf("store implementation does not support legacy reads")
	}

	ctx := context.Background()
	group, err := gs.Get(ctx, model.GroupId(groupID))
	if err != nil {
		return fmt.Errorf("loading group %s: %w", groupID, err)
	}

	var shards []model.ShardId
	for _, s := range strings.Split(shardsFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			shards = append(shards, model.ShardId(s))
		}
	}

	key := store.OffsetKey{GroupId: group.GroupId, ConsumerId: model.ConsumerId(consumerID), ExecutionId: group.ExecutionId}
	migrated, accountMap, txMap, err := store.MigrateLegacyConsumer(ctx, st, reader, key, group.ProducerId, shards)
	if err != nil {
		return fmt.Errorf("migrating legacy offsets: %w", err)
	}
	if !migrated {
		if len(accountMap) == 0 && len(txMap) == 0 {
			log.Log(logging.LevelInfo, "no legacy rows found, nothing to backfill", "group_id", groupID, "consumer_id", consumerID)
			return nil
		}
		log.Log(logging.LevelWarn, "consumer_shard_offset_v2 row already exists, legacy offsets not applied", "group_id", groupID, "consumer_id", consumerID)
		return nil
	}
	log.Log(logging.LevelInfo, "backfilled consumer_shard_offset_v2 from legacy rows",
		"group_id", groupID, "consumer_id", consumerID, "account_shards", len(accountMap), "tx_shards", len(txMap))
	return nil
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
