package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexcron/internal/cron"
	"github.com/aatumaykin/nexcron/internal/guard"
	"github.com/aatumaykin/nexcron/internal/logger"
)

// withApp wires the components for a one-shot command and loads the jobs.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := opts.cliLogger()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, log, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.load(ctx); err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	return fn(ctx, a)
}

// scheduleFlags are the mutually exclusive ways to set a schedule.
type scheduleFlags struct {
	at     string
	every  string
	anchor string
	expr   string
	tz     string
}

func (f *scheduleFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.at, "at", "", "run once at an RFC 3339 time or after a duration (e.g. 20m)")
	fl.StringVar(&f.every, "every", "", "run at a fixed interval (e.g. 30m, 1h)")
	fl.StringVar(&f.anchor, "anchor", "", "RFC 3339 time the --every grid is aligned to (default: now)")
	fl.StringVar(&f.expr, "cron", "", "run on a 5-field cron expression")
	fl.StringVar(&f.tz, "tz", "", "IANA time zone for --cron (default: local)")
}

func (f *scheduleFlags) set() bool {
	return f.at != "" || f.every != "" || f.expr != ""
}

// parse builds the schedule chosen by the flags relative to now.
func (f *scheduleFlags) parse(now time.Time) (cron.Schedule, error) {
	chosen := 0
	for _, v := range []string{f.at, f.every, f.expr} {
		if v != "" {
			chosen++
		}
	}
	if chosen != 1 {
		return cron.Schedule{}, fmt.Errorf("exactly one of --at, --every or --cron is required")
	}
	if f.anchor != "" && f.every == "" {
		return cron.Schedule{}, fmt.Errorf("--anchor is only valid with --every")
	}
	if f.tz != "" && f.expr == "" {
		return cron.Schedule{}, fmt.Errorf("--tz is only valid with --cron")
	}

	switch {
	case f.at != "":
		at, err := parseWhen(f.at, now)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid --at: %w", err)
		}
		return cron.AtSchedule(at), nil

	case f.every != "":
		every, err := time.ParseDuration(f.every)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid --every: %w", err)
		}
		if f.anchor == "" {
			return cron.EverySchedule(every), nil
		}
		anchor, err := time.Parse(time.RFC3339, f.anchor)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid --anchor: %w", err)
		}
		return cron.AnchoredEverySchedule(every, anchor), nil

	default:
		return cron.CronSchedule(f.expr, f.tz), nil
	}
}

// parseWhen accepts an RFC 3339 time or a duration from now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(strings.TrimPrefix(s, "+"))
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither an RFC 3339 time nor a duration", s)
	}
	return now.Add(d), nil
}

type payloadFlags struct {
	heartbeat bool
	message   string
	noDeliver bool
}

func (f *payloadFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.BoolVar(&f.heartbeat, "heartbeat", false, "wake the owner for a heartbeat check")
	fl.StringVarP(&f.message, "message", "m", "", "prompt of an agent turn")
	fl.BoolVar(&f.noDeliver, "no-deliver", false, "keep agent turn output out of delivery")
}

func (f *payloadFlags) set() bool {
	return f.heartbeat || f.message != ""
}

func (f *payloadFlags) parse() (cron.Payload, error) {
	switch {
	case f.heartbeat && f.message != "":
		return cron.Payload{}, fmt.Errorf("--heartbeat and --message are mutually exclusive")
	case f.heartbeat:
		return cron.Payload{Kind: cron.PayloadHeartbeat}, nil
	case f.message != "":
		p := cron.Payload{Kind: cron.PayloadAgentTurn, Message: f.message}
		if f.noDeliver {
			p.Deliver = cron.BoolPtr(false)
		}
		return p, nil
	default:
		return cron.Payload{}, fmt.Errorf("one of --heartbeat or --message is required")
	}
}

// warnRiskyMessage flags agent turn prompts that look like prompt injection.
// The job is still saved.
func warnRiskyMessage(cmd *cobra.Command, p cron.Payload) {
	if p.Kind != cron.PayloadAgentTurn {
		return
	}
	if res := guard.New(guard.Config{}).Screen(p.Message); !res.Safe {
		fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  Message looks like prompt injection: %s\n", res)
	}
}

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"cron"},
		Short:   "Manage scheduled jobs",
	}
	cmd.AddCommand(
		newJobsAddCmd(opts),
		newJobsUpdateCmd(opts),
		newJobsRemoveCmd(opts),
		newJobsListCmd(opts),
		newJobsGetCmd(opts),
		newJobsRunCmd(opts),
	)
	return cmd
}

func newJobsAddCmd(opts *rootOptions) *cobra.Command {
	var (
		sched        scheduleFlags
		payload      payloadFlags
		name         string
		disabled     bool
		keepAfterRun bool
	)

	cmd := &cobra.Command{
		Use:   "add <owner> <slug>",
		Short: "Add a scheduled job",
		Example: `  nexcron jobs add main daily-report --cron "0 9 * * 1-5" --tz Europe/Moscow -m "Summarize yesterday"
  nexcron jobs add main heartbeat --every 30m --heartbeat
  nexcron jobs add main reminder --at 20m -m "Remind me to stretch"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				s, err := sched.parse(time.Now())
				if err != nil {
					return err
				}
				p, err := payload.parse()
				if err != nil {
					return err
				}
				warnRiskyMessage(cmd, p)
				def := cron.Definition{
					Name:     name,
					Schedule: s,
					Enabled:  !disabled,
					Payload:  p,
				}
				if keepAfterRun {
					def.DeleteAfterRun = cron.BoolPtr(false)
				}

				job, err := a.service.Add(ctx, args[0], args[1], def)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Job added: %s\n", job.Key())
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}

	sched.register(cmd)
	payload.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "human readable name")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the job disabled")
	cmd.Flags().BoolVar(&keepAfterRun, "keep-after-run", false, "keep a one-shot job enabled after it succeeds")
	return cmd
}

func newJobsUpdateCmd(opts *rootOptions) *cobra.Command {
	var (
		sched        scheduleFlags
		payload      payloadFlags
		name         string
		enable       bool
		disable      bool
		deliver      bool
		keepAfterRun bool
	)

	cmd := &cobra.Command{
		Use:   "update <owner> <slug>",
		Short: "Change a scheduled job",
		Long: `Change the given fields of a job. Changing the schedule or enabling
the job recomputes its next run.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			var patch cron.Patch

			if flags.Changed("name") {
				patch.Name = &name
			}
			switch {
			case enable && disable:
				return fmt.Errorf("--enable and --disable are mutually exclusive")
			case enable:
				patch.Enabled = cron.BoolPtr(true)
			case disable:
				patch.Enabled = cron.BoolPtr(false)
			}
			if sched.set() || sched.anchor != "" || sched.tz != "" {
				s, err := sched.parse(time.Now())
				if err != nil {
					return err
				}
				patch.Schedule = &s
			}
			if payload.set() {
				p, err := payload.parse()
				if err != nil {
					return err
				}
				warnRiskyMessage(cmd, p)
				patch.Payload = &p
			}
			if flags.Changed("deliver") {
				patch.Deliver = cron.BoolPtr(deliver)
			}
			if flags.Changed("keep-after-run") {
				patch.DeleteAfterRun = cron.BoolPtr(!keepAfterRun)
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				job, err := a.service.Update(ctx, args[0], args[1], patch)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Job updated: %s\n", job.Key())
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}

	sched.register(cmd)
	payload.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "human readable name")
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the job")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the job")
	cmd.Flags().BoolVar(&deliver, "deliver", true, "deliver agent turn output")
	cmd.Flags().BoolVar(&keepAfterRun, "keep-after-run", false, "keep a one-shot job enabled after it succeeds")
	return cmd
}

func newJobsRemoveCmd(opts *rootOptions) *cobra.Command {
	var keepTranscript bool

	cmd := &cobra.Command{
		Use:     "remove <owner> <slug>",
		Aliases: []string{"rm"},
		Short:   "Remove a scheduled job",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.service.Remove(ctx, args[0], args[1]); err != nil {
					return err
				}
				if !keepTranscript {
					if err := a.sessions.Delete(args[0], args[1]); err != nil {
						a.log.Warn("failed to delete job transcript",
							logger.Field{Key: "job", Value: args[0] + "/" + args[1]},
							logger.Field{Key: "error", Value: err.Error()})
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "🗑  Job removed: %s/%s\n", args[0], args[1])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&keepTranscript, "keep-transcript", false, "keep the agent transcript of the job")
	return cmd
}

func newJobsListCmd(opts *rootOptions) *cobra.Command {
	var (
		owner  string
		output string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List scheduled jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseOutputFormat(output)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				jobs := a.service.List(owner)
				if format != outputTable {
					return encode(cmd.OutOrStdout(), format, jobs)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "📭 No jobs found")
					return nil
				}
				return printJobTable(cmd.OutOrStdout(), jobs)
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only list jobs of this owner")
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, json or yaml")
	return cmd
}

func newJobsGetCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <owner> <slug>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseOutputFormat(output)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				job, err := a.service.Get(args[0], args[1])
				if err != nil {
					return err
				}
				if format != outputTable {
					return encode(cmd.OutOrStdout(), format, job)
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, json or yaml")
	return cmd
}

func newJobsRunCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "run <owner> <slug>",
		Short: "Run a job now",
		Long: `Run a job outside its schedule. Without --force the job only runs
when it is enabled, idle and due.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := cron.RunModeDue
			if force {
				mode = cron.RunModeForce
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.service.RunNow(ctx, args[0], args[1], mode)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !res.Ran {
					fmt.Fprintf(out, "⏭  Not run: %s (use --force to run anyway)\n", res.Reason)
					return nil
				}

				a.log.Debug("manual run finished",
					logger.Field{Key: "owner_id", Value: args[0]},
					logger.Field{Key: "slug", Value: args[1]},
					logger.Field{Key: "status", Value: string(res.Outcome.Status)})

				printOutcome(out, res.Outcome)
				if res.Outcome.Status == cron.StatusError {
					return fmt.Errorf("job failed: %s", res.Outcome.Error)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "run even if the job is disabled or not due")
	return cmd
}
