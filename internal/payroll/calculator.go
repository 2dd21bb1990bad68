// Package payroll computes a monthly payroll from pay components and the
// compliance deductions that apply to the month.
package payroll

import (
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/rongwang/fieldops-server/internal/errors"
	"github.com/rongwang/fieldops-server/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Components are the inputs supplied by HR for one user and month.
type Components struct {
	SalaryBase         decimal.Decimal
	KPIBonus           decimal.Decimal
	CallAllowance      decimal.Decimal
	TransportAllowance decimal.Decimal
	OtherAllowances    decimal.Decimal
	TaxDeduction       decimal.Decimal
	InsuranceDeduction decimal.Decimal
	OtherDeductions    decimal.Decimal
}

// Validate rejects negative amounts, naming the first offending field.
func (c Components) Validate() error {
	fields := []struct {
		name  string
		value decimal.Decimal
	}{
		{"salary_base", c.SalaryBase},
		{"kpi_bonus", c.KPIBonus},
		{"call_allowance", c.CallAllowance},
		{"transport_allowance", c.TransportAllowance},
		{"other_allowances", c.OtherAllowances},
		{"tax_deduction", c.TaxDeduction},
		{"insurance_deduction", c.InsuranceDeduction},
		{"other_deductions", c.OtherDeductions},
	}
	for _, f := range fields {
		if f.value.IsNegative() {
			return apperrors.Newf(apperrors.ErrValidation, "%s must not be negative", f.name)
		}
	}
	return nil
}

// Gross is the sum of all earning components.
func (c Components) Gross() decimal.Decimal {
	return c.SalaryBase.
		Add(c.KPIBonus).
		Add(c.CallAllowance).
		Add(c.TransportAllowance).
		Add(c.OtherAllowances)
}

// Result is the computed payroll.
type Result struct {
	MaxPct              decimal.Decimal
	ComplianceDeduction decimal.Decimal
	Gross               decimal.Decimal
	TotalDeductions     decimal.Decimal
	Net                 decimal.Decimal
}

// Compute applies the worst single deduction percentage among triggers to the
// base salary. Percentages do not stack. Net pay never goes below zero.
func Compute(c Components, triggers models.DeductionTriggers) Result {
	maxPct := decimal.Zero
	for _, t := range triggers {
		if t.Pct.GreaterThan(maxPct) {
			maxPct = t.Pct
		}
	}

	compliance := c.SalaryBase.Mul(maxPct).Div(hundred).Round(2)
	gross := c.Gross()
	total := compliance.
		Add(c.TaxDeduction).
		Add(c.InsuranceDeduction).
		Add(c.OtherDeductions)

	net := gross.Sub(total)
	if net.IsNegative() {
		net = decimal.Zero
	}

	return Result{
		MaxPct:              maxPct,
		ComplianceDeduction: compliance,
		Gross:               gross,
		TotalDeductions:     total,
		Net:                 net,
	}
}

// Apply copies components and result onto rec.
func Apply(rec *models.PayrollRecord, c Components, triggers models.DeductionTriggers, res Result) {
	rec.SalaryBase = c.SalaryBase
	rec.KPIBonus = c.KPIBonus
	rec.CallAllowance = c.CallAllowance
	rec.TransportAllowance = c.TransportAllowance
	rec.OtherAllowances = c.OtherAllowances
	rec.TaxDeduction = c.TaxDeduction
	rec.InsuranceDeduction = c.InsuranceDeduction
	rec.OtherDeductions = c.OtherDeductions
	rec.DeductionTriggers = triggers
	rec.ComplianceDeductionPct = res.MaxPct
	rec.ComplianceDeduction = res.ComplianceDeduction
	rec.GrossPay = res.Gross
	rec.TotalDeductions = res.TotalDeductions
	rec.NetPay = res.Net
	rec.Status = models.PayrollCalculated
}

// TriggersFrom converts unconsumed disciplinary records into deduction triggers.
func TriggersFrom(records []models.DisciplinaryRecord) models.DeductionTriggers {
	out := make(models.DeductionTriggers, 0, len(records))
	for _, r := range records {
		if !r.HasDeduction() {
			continue
		}
		out = append(out, models.DeductionTrigger{
			DisciplinaryID: r.ID,
			RecordID:       r.RecordID,
			Pct:            r.PayrollDeductionPercentage,
		})
	}
	return out
}

// Window is the [Start, End) period a payroll covers.
type Window struct {
	UserID string
	Month  int
	Year   int
	Start  time.Time
	End    time.Time
}

// MonthWindow returns the payroll window for month/year in loc.
func MonthWindow(userID string, month, year int, loc *time.Location) (Window, error) {
	if month < 1 || month > 12 {
		return Window{}, apperrors.Newf(apperrors.ErrValidation, "month must be between 1 and 12, got %d", month)
	}
	if year < 1 {
		return Window{}, apperrors.Newf(apperrors.ErrValidation, "invalid year %d", year)
	}
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, loc)
	return Window{
		UserID: userID,
		Month:  month,
		Year:   year,
		Start:  start,
		End:    start.AddDate(0, 1, 0),
	}, nil
}
