package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cozy-sync/internal/config"
	"github.com/tonimelisma/cozy-sync/internal/metadata"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a summary of the metadata journal",
		RunE:  runStatus,
	}
}

// statusReport is the JSON/text-printable shape of a Stats snapshot.
type statusReport struct {
	LiveFiles      int    `json:"live_files"`
	LiveFolders    int    `json:"live_folders"`
	LiveSize       string `json:"live_size"`
	Tombstones     int    `json:"tombstones"`
	PendingDeletes int    `json:"pending_deletes"`
	Trashed        int    `json:"trashed"`
	ErrorDocuments int    `json:"error_documents"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	store, err := metadata.Open(cmd.Context(), config.DefaultDatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("status: opening metadata store: %w", err)
	}
	defer store.Close()

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	report := statusReport{
		LiveFiles:      stats.LiveFiles,
		LiveFolders:    stats.LiveFolders,
		LiveSize:       humanize.Bytes(uint64(stats.LiveBytes)), //nolint:gosec // stats never negative
		Tombstones:     stats.Tombstones,
		PendingDeletes: stats.PendingDeletes,
		Trashed:        stats.Trashed,
		ErrorDocuments: stats.ErrorDocuments,
	}

	if flagJSON {
		return printStatusJSON(report)
	}

	printStatusText(report)

	return nil
}

func printStatusJSON(report statusReport) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("status: encoding JSON output: %w", err)
	}

	return nil
}

func printStatusText(report statusReport) {
	fmt.Printf("Live:            %s files, %s folders (%s)\n",
		humanize.Comma(int64(report.LiveFiles)), humanize.Comma(int64(report.LiveFolders)), report.LiveSize)
	fmt.Printf("Tombstones:      %s\n", humanize.Comma(int64(report.Tombstones)))
	fmt.Printf("Pending deletes: %s\n", humanize.Comma(int64(report.PendingDeletes)))
	fmt.Printf("Trashed:         %s\n", humanize.Comma(int64(report.Trashed)))
	fmt.Printf("With errors:     %s\n", humanize.Comma(int64(report.ErrorDocuments)))
}
