package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexcron/internal/runlog"
)

// historyPage is the encoded form of one page of run history.
type historyPage struct {
	Slug    string         `json:"slug" yaml:"slug"`
	OwnerID string         `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	Total   int            `json:"total" yaml:"total"`
	Offset  int            `json:"offset" yaml:"offset"`
	Runs    []runlog.Entry `json:"runs" yaml:"runs"`
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		owner  string
		limit  int
		offset int
		output string
	)

	cmd := &cobra.Command{
		Use:   "history <slug>",
		Short: "Show the run history of a job",
		Long: `Show recorded runs of a job, most recent first. Without --owner the
runs of every owner that has a job with this slug are listed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseOutputFormat(output)
			if err != nil {
				return err
			}
			if limit < 0 || offset < 0 {
				return fmt.Errorf("--limit and --offset cannot be negative")
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				entries, total, err := a.service.History(ctx, runlog.Query{
					Slug:    args[0],
					OwnerID: owner,
					Limit:   limit,
					Offset:  offset,
				})
				if err != nil {
					return err
				}

				if format != outputTable {
					return encode(cmd.OutOrStdout(), format, historyPage{
						Slug:    args[0],
						OwnerID: owner,
						Total:   total,
						Offset:  offset,
						Runs:    entries,
					})
				}
				if len(entries) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "📭 No runs recorded for %s\n", args[0])
					return nil
				}
				return printHistory(cmd.OutOrStdout(), entries, total, offset)
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only show runs of this owner")
	cmd.Flags().IntVarP(&limit, "limit", "n", runlog.DefaultLimit, fmt.Sprintf("page size (max %d)", runlog.MaxLimit))
	cmd.Flags().IntVar(&offset, "offset", 0, "number of most recent runs to skip")
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, json or yaml")
	return cmd
}
