// Package cli implements compliancectl, the command line used by schedulers
// and operators to run compliance scans and close payroll.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/service"
)

// SystemActor is the --actor value that runs with admin rights without a
// directory entry. Schedulers use it.
const SystemActor = "system"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Actor   string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// UserLookup resolves the --actor flag.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// Env is the service stack a command runs against.
type Env struct {
	Service service.Service
	Users   UserLookup
	Close   func() error
}

// Connector builds an Env. The server's config and bootstrap are used in
// production; tests pass an in-memory stack.
type Connector func(opts *RootOptions) (*Env, error)

// NewRootCommand creates the root command for compliancectl.
func NewRootCommand(connect Connector) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "compliancectl",
		Short: "Run compliance scans and payroll jobs",
		Long:  "compliancectl runs the field operations compliance scans and payroll close against the configured database.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Actor == "" {
				return fmt.Errorf("--actor must not be empty")
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Actor, "actor", SystemActor, "user id to act as")

	cmd.AddCommand(NewScanCommand(opts, connect))
	cmd.AddCommand(NewPayrollCommand(opts, connect))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// resolveActor maps --actor to the caller a service operation runs as.
func resolveActor(ctx context.Context, users UserLookup, id string) (models.Actor, error) {
	if id == SystemActor {
		return models.Actor{UserID: SystemActor, Role: models.RoleAdmin}, nil
	}
	user, err := users.GetUserByID(ctx, id)
	if err != nil {
		return models.Actor{}, WrapExitError(ExitCommandError, "failed to look up actor", err)
	}
	if user == nil || !user.IsActive {
		return models.Actor{}, NewExitError(ExitCommandError, fmt.Sprintf("actor %q is not an active user", id))
	}
	return models.Actor{UserID: user.ID, Role: user.Role}, nil
}

// withEnv connects, resolves the actor and runs fn, closing the Env after.
func withEnv(cmd *cobra.Command, opts *RootOptions, connect Connector, fn func(ctx context.Context, env *Env, actor models.Actor) error) error {
	env, err := connect(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	if env.Close != nil {
		defer env.Close()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	actor, err := resolveActor(ctx, env.Users, opts.Actor)
	if err != nil {
		return err
	}
	return fn(ctx, env, actor)
}
