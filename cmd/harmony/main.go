package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bozzfozz/harmony-sub003/cache"
	"github.com/bozzfozz/harmony-sub003/config"
	"github.com/bozzfozz/harmony-sub003/db"
	"github.com/bozzfozz/harmony-sub003/errors"
	"github.com/bozzfozz/harmony-sub003/gateway"
	"github.com/bozzfozz/harmony-sub003/handlers"
	"github.com/bozzfozz/harmony-sub003/logger"
	"github.com/bozzfozz/harmony-sub003/queue"
	"github.com/bozzfozz/harmony-sub003/watchlist"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "harmony",
	Short: "Harmony - music library sync orchestrator",
	Long: `Harmony keeps a local music library in sync with a streaming catalog.

A persistent job queue drives the work: watchlisted artists are refreshed on a
timer, new releases are discovered by diffing the catalog against the library,
and missing releases are acquired through a peer-search download provider.

Examples:
  harmony serve                  # Run the worker daemon
  harmony watchlist add ID NAME  # Watch an artist
  harmony dlq list               # Inspect dead-lettered jobs
  harmony stats                  # Show queue statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Initialize(false)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(watchlistCmd)

	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openEnv loads config and opens the migrated database. Every subcommand
// starts here.
func openEnv() (*config.Config, *viper.Viper, *sql.DB, error) {
	cfg, v, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to load config")
	}

	if err := logger.Initialize(cfg.Logging.JSON); err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to initialize logger")
	}
	log := logger.Logger

	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Migrate(conn, log); err != nil {
		conn.Close()
		return nil, nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	return cfg, v, conn, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Harmony worker daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, v, conn, err := openEnv()
		if err != nil {
			return err
		}
		defer conn.Close()
		log := logger.Logger

		policies := queue.NewPolicyProvider(v, log)
		emitter := queue.NewZapEmitter(log)
		store := queue.NewStore(conn, policies, emitter, log)
		registry := queue.NewRegistry()

		wlStore := watchlist.NewStore(conn)
		respCache := cache.NewStore(conn, log)

		handlers.RegisterAll(registry, handlers.Deps{
			Queue:      store,
			Watchlist:  wlStore,
			Catalog:    gateway.NewCatalogClient(cfg.Providers.Catalog, log),
			PeerSearch: gateway.NewPeerSearchClient(cfg.Providers.PeerSearch, log),
			Cache:      respCache,
			Cooldown:   cfg.Watchlist.Cooldown,
			RetryCeil:  cfg.Watchlist.RetryCeiling,
			Log:        log.Named("handlers"),
		})

		scheduler := queue.NewScheduler(store, registry, queue.SchedulerConfig{
			PollInterval:      cfg.Queue.PollInterval,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			ShutdownGrace:     cfg.Queue.ShutdownGrace,
			CleanupRetention:  cfg.Queue.CleanupRetention,
			Concurrency:       cfg.Queue.Concurrency,
		}, log)

		timer := watchlist.NewTimer(wlStore, store, watchlist.TimerConfig{
			Interval:     cfg.Watchlist.Interval,
			BatchSize:    cfg.Watchlist.BatchSize,
			RetryCeiling: cfg.Watchlist.RetryCeiling,
			Cooldown:     cfg.Watchlist.Cooldown,
		}, log)

		// Reload retry policies when the config file changes on disk.
		if cfgFile := v.ConfigFileUsed(); cfgFile != "" {
			watcher, err := config.NewWatcher(cfgFile, log)
			if err != nil {
				log.Warnw("Config watcher unavailable", "error", err)
			} else {
				watcher.OnReload(func() {
					if err := v.ReadInConfig(); err != nil {
						log.Warnw("Config reload failed", "error", err)
						return
					}
					policies.Refresh()
					log.Infow("Configuration reloaded")
				})
				watcher.Start()
				defer watcher.Stop()
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		timer.Start()
		defer timer.Stop()

		log.Infow("Harmony started", "database", cfg.Database.Path)

		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Infow("Harmony stopped")
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, v, conn, err := openEnv()
		if err != nil {
			return err
		}
		defer conn.Close()
		log := logger.Logger

		store := queue.NewStore(conn, queue.NewPolicyProvider(v, log), queue.NopEmitter{}, log)
		stats, err := store.GetStats(cmd.Context())
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage dead-lettered jobs",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, v, conn, err := openEnv()
		if err != nil {
			return err
		}
		defer conn.Close()
		log := logger.Logger

		jobType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		store := queue.NewStore(conn, queue.NewPolicyProvider(v, log), queue.NopEmitter{}, log)
		dlq := queue.NewDLQ(conn, store, queue.NopEmitter{}, log)

		entries, err := dlq.List(cmd.Context(), queue.DLQFilter{JobType: jobType, Limit: limit})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Dead letter queue is empty")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tATTEMPT\tREASON\tENTERED\tERROR")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
				e.ID, e.JobType, e.Attempt, e.MaxAttempts, e.Reason,
				e.EnteredAt.Format(time.RFC3339), truncate(e.LastError, 60))
		}
		return w.Flush()
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue ENTRY_ID",
	Short: "Requeue a dead-lettered job with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, v, conn, err := openEnv()
		if err != nil {
			return err
		}
		defer conn.Close()
		log := logger.Logger

		store := queue.NewStore(conn, queue.NewPolicyProvider(v, log), queue.NewZapEmitter(log), log)
		dlq := queue.NewDLQ(conn, store, queue.NewZapEmitter(log), log)

		jobID, err := dlq.Requeue(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Requeued as job %s\n", jobID)
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge ENTRY_ID",
	Short: "Delete a dead-lettered job permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, v, conn, err := openEnv()
		if err != nil {
			return err
		}
		defer conn.Close()
		log := logger.Logger

		store := queue.NewStore(conn, queue.NewPolicyProvider(v, log), queue.NopEmitter{}, log)
		dlq := queue.NewDLQ(conn, store, queue.NopEmitter{}, log)

		if err := dlq.Purge(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Purged")
		return nil
	},
}

var watchlistCmd = &cobra.Command{
	Use:   "watchlist",
	Short: "Manage watched artists",
}

var watchlistAddCmd = &cobra.Command{
	Use:   "add ENTITY_ID NAME",
	Short: "Add an artist to the watchlist",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, conn, err := openEnv()
		if err != nil {
			return err
		}
		defer conn.Close()

		entry, err := watchlist.NewStore(conn).Add(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Watching %s (%s)\n", entry.Name, entry.EntityID)
		return nil
	},
}

var watchlistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watched artists",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, conn, err := openEnv()
		if err != nil {
			return err
		}
		defer conn.Close()

		entries, err := watchlist.NewStore(conn).List(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Watchlist is empty")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ENTITY\tNAME\tLAST CHECKED\tFAILURES\tSTATE")
		for _, e := range entries {
			lastChecked := "never"
			if e.LastChecked != nil {
				lastChecked = e.LastChecked.Format(time.RFC3339)
			}
			state := "active"
			if e.Paused {
				state = "paused"
			} else if e.CooldownUntil != nil && e.CooldownUntil.After(time.Now()) {
				state = "cooling down"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", e.EntityID, e.Name, lastChecked, e.RetryCount, state)
		}
		return w.Flush()
	},
}

var watchlistPauseCmd = &cobra.Command{
	Use:   "pause ENTITY_ID",
	Short: "Pause refreshes for an artist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(cmd, args[0], true)
	},
}

var watchlistResumeCmd = &cobra.Command{
	Use:   "resume ENTITY_ID",
	Short: "Resume refreshes for an artist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(cmd, args[0], false)
	},
}

var watchlistRemoveCmd = &cobra.Command{
	Use:   "remove ENTITY_ID",
	Short: "Remove an artist from the watchlist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, conn, err := openEnv()
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := watchlist.NewStore(conn).Remove(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Removed")
		return nil
	},
}

func setPaused(cmd *cobra.Command, entityID string, paused bool) error {
	_, _, conn, err := openEnv()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := watchlist.NewStore(conn).SetPaused(cmd.Context(), entityID, paused); err != nil {
		return err
	}
	if paused {
		fmt.Println("Paused")
	} else {
		fmt.Println("Resumed")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func init() {
	dlqListCmd.Flags().String("type", "", "filter by job type")
	dlqListCmd.Flags().Int("limit", 100, "max entries to show")

	dlqCmd.AddCommand(dlqListCmd, dlqRequeueCmd, dlqPurgeCmd)
	watchlistCmd.AddCommand(watchlistAddCmd, watchlistListCmd, watchlistPauseCmd, watchlistResumeCmd, watchlistRemoveCmd)
}
