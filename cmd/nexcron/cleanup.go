package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Prune agent transcripts once",
		Long: `Trim job transcripts to transcripts.max_messages and delete transcripts
of removed jobs older than transcripts.orphan_ttl_days.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				stats, err := newCleanupRunner(a.cfg).Run(a.cfg.TranscriptsDir(), a.activeJobs(), a.log)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "🧹 Transcript cleanup completed")
				fmt.Fprintf(out, "  Trimmed:  %d (%d messages dropped)\n", stats.TranscriptsTrimmed, stats.MessagesDropped)
				fmt.Fprintf(out, "  Deleted:  %d\n", stats.TranscriptsDeleted)
				fmt.Fprintf(out, "  Freed:    %d bytes\n", stats.BytesFreed)
				fmt.Fprintf(out, "  Took:     %s\n", stats.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
}
