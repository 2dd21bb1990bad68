package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rongwang/fieldops-server/internal/models"
)

// NewScanCommand creates the scan command group.
func NewScanCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a compliance scan over all active users",
	}

	cmd.AddCommand(newScanSubcommand(rootOpts, connect, "daily-logs",
		"Flag users with consecutive missed daily logs",
		func(ctx context.Context, env *Env, actor models.Actor) (*models.ScanResponse, error) {
			return env.Service.RunDailyLogCheck(ctx, actor)
		}))
	cmd.AddCommand(newScanSubcommand(rootOpts, connect, "weekly",
		"Apply the weekly plan and report policy",
		func(ctx context.Context, env *Env, actor models.Actor) (*models.ScanResponse, error) {
			return env.Service.RunWeeklyComplianceCheck(ctx, actor)
		}))

	return cmd
}

type scanFunc func(ctx context.Context, env *Env, actor models.Actor) (*models.ScanResponse, error)

func newScanSubcommand(opts *RootOptions, connect Connector, use, short string, run scanFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return withEnv(cmd, opts, connect, func(ctx context.Context, env *Env, actor models.Actor) error {
				resp, err := run(ctx, env, actor)
				if err != nil {
					return out.Failure(err)
				}
				if err := out.Success(resp, func(w io.Writer) { printScan(w, resp, opts.Verbose) }); err != nil {
					return err
				}
				if resp.Failed > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d users could not be checked", resp.Failed))
				}
				return nil
			})
		},
	}
}

func printScan(w io.Writer, resp *models.ScanResponse, verbose bool) {
	fmt.Fprintf(w, "checked=%d generated=%d skipped=%d failed=%d\n",
		resp.Checked, resp.Generated, resp.Skipped, resp.Failed)
	for _, d := range resp.Details {
		if d.Duplicate && !verbose {
			continue
		}
		line := fmt.Sprintf("  %s %s %s", d.RecordID, d.UserID, d.QueryType)
		if d.Missed > 0 {
			line += fmt.Sprintf(" missed=%d", d.Missed)
		}
		if d.Violations > 0 {
			line += fmt.Sprintf(" violations=%d deduction=%s%%", d.Violations, d.DeductionPct.String())
		}
		if d.TerminationFlag {
			line += " termination"
		}
		if d.PrivilegesLocked {
			line += " privileges-locked"
		}
		if d.Duplicate {
			line += " (existing)"
		}
		fmt.Fprintln(w, line)
	}
}
