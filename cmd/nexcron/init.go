package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexcron/internal/workspace"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace with default files",
		Long: `Create the workspace directory, its cron directory and default
HEARTBEAT.md and AGENTS.md files. Existing files are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}

			ws := workspace.New(cfg.Workspace.Path)
			written, err := ws.Init()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "📁 Workspace: %s\n", ws.Path())
			if len(written) == 0 {
				fmt.Fprintln(out, "Nothing to do, all files exist")
				return nil
			}
			for _, path := range written {
				fmt.Fprintf(out, "  + %s\n", path)
			}
			return nil
		},
	}
}
