package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/rongwang/fieldops-server/internal/models"
)

// PayrollCalculateOptions holds flags for payroll calculate.
type PayrollCalculateOptions struct {
	*RootOptions
	UserID  string
	Month   int
	Year    int
	Notes   string
	Amounts map[string]*string
}

// amountFlags are the decimal pay components, in flag order.
var amountFlags = []struct {
	name  string
	usage string
}{
	{"salary-base", "base salary"},
	{"kpi-bonus", "KPI bonus"},
	{"call-allowance", "call allowance"},
	{"transport-allowance", "transport allowance"},
	{"other-allowances", "other allowances"},
	{"tax", "tax deduction"},
	{"insurance", "insurance deduction"},
	{"other-deductions", "other deductions"},
}

// NewPayrollCommand creates the payroll command group.
func NewPayrollCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payroll",
		Short: "Calculate and approve payroll",
	}
	cmd.AddCommand(newPayrollCalculateCommand(rootOpts, connect))
	cmd.AddCommand(newPayrollApproveCommand(rootOpts, connect))
	return cmd
}

func newPayrollCalculateCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	opts := &PayrollCalculateOptions{RootOptions: rootOpts, Amounts: map[string]*string{}}

	cmd := &cobra.Command{
		Use:   "calculate",
		Short: "Calculate one user's payroll for a month",
		Long: `Calculate one user's payroll for a month, applying the largest unconsumed
compliance deduction of that month to the base salary.

Example:
  compliancectl payroll calculate --user u-42 --month 3 --year 2024 --salary-base 1000 --tax 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid flags", err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return withEnv(cmd, rootOpts, connect, func(ctx context.Context, env *Env, actor models.Actor) error {
				rec, err := env.Service.CalculatePayroll(ctx, actor, req)
				if err != nil {
					return out.Failure(err)
				}
				return out.Success(rec, func(w io.Writer) { printPayroll(w, rec) })
			})
		},
	}

	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id (required)")
	cmd.Flags().IntVar(&opts.Month, "month", 0, "month 1-12 (required)")
	cmd.Flags().IntVar(&opts.Year, "year", 0, "year (required)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes stored on the payroll")
	for _, f := range amountFlags {
		opts.Amounts[f.name] = cmd.Flags().String(f.name, "0", f.usage)
	}
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("month")
	_ = cmd.MarkFlagRequired("year")

	return cmd
}

func (o *PayrollCalculateOptions) request() (models.PayrollCalculateRequest, error) {
	amounts := make(map[string]decimal.Decimal, len(o.Amounts))
	for name, raw := range o.Amounts {
		d, err := decimal.NewFromString(*raw)
		if err != nil {
			return models.PayrollCalculateRequest{}, fmt.Errorf("--%s: %w", name, err)
		}
		amounts[name] = d
	}
	return models.PayrollCalculateRequest{
		UserID:             o.UserID,
		Month:              o.Month,
		Year:               o.Year,
		SalaryBase:         amounts["salary-base"],
		KPIBonus:           amounts["kpi-bonus"],
		CallAllowance:      amounts["call-allowance"],
		TransportAllowance: amounts["transport-allowance"],
		OtherAllowances:    amounts["other-allowances"],
		TaxDeduction:       amounts["tax"],
		InsuranceDeduction: amounts["insurance"],
		OtherDeductions:    amounts["other-deductions"],
		Notes:              o.Notes,
	}, nil
}

func newPayrollApproveCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a calculated payroll (admin only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return withEnv(cmd, rootOpts, connect, func(ctx context.Context, env *Env, actor models.Actor) error {
				rec, err := env.Service.ApprovePayroll(ctx, actor, id)
				if err != nil {
					return out.Failure(err)
				}
				return out.Success(rec, func(w io.Writer) { printPayroll(w, rec) })
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "payroll id or PAY- reference (required)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func printPayroll(w io.Writer, rec *models.PayrollRecord) {
	fmt.Fprintf(w, "%s %s %04d-%02d status=%s\n", rec.PayrollID, rec.UserID, rec.Year, rec.Month, rec.Status)
	fmt.Fprintf(w, "  gross=%s deductions=%s net=%s\n",
		rec.GrossPay.StringFixed(2), rec.TotalDeductions.StringFixed(2), rec.NetPay.StringFixed(2))
	if len(rec.DeductionTriggers) > 0 {
		fmt.Fprintf(w, "  compliance=%s (%s%%) from %d records\n",
			rec.ComplianceDeduction.StringFixed(2), rec.ComplianceDeductionPct.String(), len(rec.DeductionTriggers))
	}
}
