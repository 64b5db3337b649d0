package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cozy-sync/internal/config"
	"github.com/tonimelisma/cozy-sync/internal/docid"
	"github.com/tonimelisma/cozy-sync/internal/metadata"
)

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [path-prefix]",
		Short: "Print every journal entry under a path prefix, for debugging",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runReplay,
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	var prefix docid.ID
	if len(args) == 1 && args[0] != "" {
		prefix = docid.New(args[0])
	}

	store, err := metadata.Open(cmd.Context(), config.DefaultDatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("replay: opening metadata store: %w", err)
	}
	defer store.Close()

	docs, err := store.ByRecursivePath(cmd.Context(), prefix)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	for _, doc := range docs {
		state := "live"

		switch {
		case doc.Deleted:
			state = "tombstone"
		case doc.Trashed:
			state = "trashed"
		}

		fmt.Printf("%-8s %-6s %-50s rev=%-20s sides=%v\n", state, doc.Type, doc.Path, doc.Rev, doc.Sides)
	}

	return nil
}
