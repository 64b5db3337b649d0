package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cozy-sync/internal/checksumqueue"
	"github.com/tonimelisma/cozy-sync/internal/config"
	"github.com/tonimelisma/cozy-sync/internal/engine"
	"github.com/tonimelisma/cozy-sync/internal/localwatcher"
	"github.com/tonimelisma/cozy-sync/internal/merge"
	"github.com/tonimelisma/cozy-sync/internal/metadata"
)

func newWatchCmd() *cobra.Command {
	var pidPath string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the local watcher and reconciler against the configured sync root",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, pidPath)
		},
	}

	cmd.Flags().StringVar(&pidPath, "pidfile", "", "PID file path (defaults under the data directory)")

	return cmd
}

func runWatch(cmd *cobra.Command, pidPath string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	if cc.Cfg.SyncPath == "" {
		return fmt.Errorf("watch: sync_path is not configured")
	}

	if pidPath == "" {
		pidPath = config.DefaultPidFilePath()
	}

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	store, err := metadata.Open(ctx, config.DefaultDatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("watch: opening metadata store: %w", err)
	}
	defer store.Close()

	clock := time.Now
	m := merge.New(store, logger, clock)

	eng := engine.New(m, logger, 0)
	eng.Start(ctx)
	defer eng.Stop()

	prep := engine.NewPrep(eng)
	dispatcher := engine.NewLocalDispatcher(prep)

	queue := checksumqueue.New(logger)
	queue.Start(ctx)
	defer queue.Stop()

	watcher, err := localwatcher.New(localwatcher.Options{
		SyncRoot:        cc.Cfg.SyncPath,
		IgnoredPatterns: cc.Cfg.IgnoredPatterns,
	}, dispatcher, queue, store, logger)
	if err != nil {
		return fmt.Errorf("watch: constructing local watcher: %w", err)
	}

	logger.Info("watch starting", "sync_path", cc.Cfg.SyncPath, "pidfile", pidPath)

	runErr := watcher.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	watcher.Stop(stopCtx)

	if runErr != nil && ctx.Err() == nil {
		return fmt.Errorf("watch: %w", runErr)
	}

	logger.Info("watch stopped")

	return nil
}
