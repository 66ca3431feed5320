package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/invopop/jsonschema"
	"github.com/skillforge/chainsync/internal/checkpoint"
	"github.com/skillforge/chainsync/internal/common"
	"github.com/skillforge/chainsync/internal/config"
	"github.com/skillforge/chainsync/internal/db"
	"github.com/skillforge/chainsync/internal/engine"
	"github.com/skillforge/chainsync/internal/logger"
	"github.com/skillforge/chainsync/internal/metrics"
	"github.com/skillforge/chainsync/internal/migrations"
	"github.com/skillforge/chainsync/internal/projection"
	"github.com/skillforge/chainsync/internal/reorg"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chainsync",
	Short: "chainsync - chain synchronization engine",
	Long: `chainsync ingests smart-contract events from one or more chains into a
consistent, queryable local store. It tolerates reorgs, unreliable RPC
endpoints and process crashes without corrupting or duplicating data.`,
	Version: version,
	RunE:    runEngine,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync progress and reorg history per chain",
	RunE:  runStatus,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration utilities",
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database utilities",
}

var dbVacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Checkpoint the WAL and reclaim free space",
	Long: `Flushes the write-ahead log and vacuums the database file. Needs
exclusive access, so stop the engine before running it.`,
	RunE: runVacuum,
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the configuration JSON schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		schema := jsonschema.Reflect(&config.Config{})
		out, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal schema: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	configCmd.AddCommand(configSchemaCmd)
	dbCmd.AddCommand(dbVacuumCmd)
	rootCmd.AddCommand(statusCmd, configCmd, dbCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	log := logger.NewComponentLoggerFromConfig(common.ComponentEngine, cfg.Logging)

	var metricsServer *metrics.Server
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics)
		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			if err := metricsServer.Stop(ctx); err != nil {
				log.Warnf("failed to stop metrics server: %v", err)
			}
		}()
		log.Infof("metrics server started on %s%s", cfg.Metrics.ListenAddress, cfg.Metrics.Path)
	}

	log.Info("running database migrations...")
	if err := migrations.RunMigrations(cfg.DB.Path); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	database, err := db.NewSQLiteDBFromConfig(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	eng := engine.New(cfg, database, log)

	log.Info("starting chainsync...")
	if err := eng.Run(ctx); err != nil {
		return fmt.Errorf("engine failed: %w", err)
	}

	log.Info("chainsync stopped")
	return nil
}

func runVacuum(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.NewSQLiteDBFromConfig(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	before, err := db.DBTotalSize(cfg.DB.Path)
	if err != nil {
		return err
	}

	if err := db.WALCheckpoint(database, "TRUNCATE"); err != nil {
		return err
	}
	if err := db.Vacuum(database); err != nil {
		return err
	}

	after, err := db.DBTotalSize(cfg.DB.Path)
	if err != nil {
		return err
	}

	fmt.Printf("vacuum complete: %d -> %d bytes\n", before, after)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.NewSQLiteDBFromConfig(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	log := logger.NewNopLogger()
	checkpoints := checkpoint.NewStore(database, log)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHAIN\tHEIGHT\tBLOCK HASH\tRAW EVENTS\tPROFILES\tCLAIMS\tENDORSEMENTS\tVERIFIERS")

	for _, chain := range cfg.Chains {
		cp, err := checkpoints.Get(chain.ChainID)
		if err != nil {
			return err
		}

		reader := projection.NewReader(database, chain.ChainID)
		counts, err := reader.GetCounts()
		if err != nil {
			return err
		}

		height, hash := "-", "-"
		if cp != nil {
			height = fmt.Sprintf("%d", cp.Height)
			hash = cp.BlockHash.Hex()
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			chain.ChainID, height, hash,
			counts.RawEvents, counts.Profiles, counts.SkillClaims,
			counts.Endorsements, counts.Verifiers)
	}

	if err := w.Flush(); err != nil {
		return err
	}

	for _, chain := range cfg.Chains {
		detector := reorg.NewDetector(database, nil, log, chain.ChainID, chain.MaxReorgDepth)
		events, err := detector.Events(10)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			continue
		}

		fmt.Printf("\nRecent reorgs on chain %d:\n", chain.ChainID)
		for _, event := range events {
			fmt.Printf("  height %d -> ancestor %d (%d blocks rolled back)\n",
				event.DivergentHeight, event.CommonAncestorHeight, event.BlocksRolledBack)
		}
	}

	return nil
}
