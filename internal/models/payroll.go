package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PayrollStatus is the lifecycle of a PayrollRecord.
type PayrollStatus string

const (
	PayrollDraft      PayrollStatus = "draft"
	PayrollCalculated PayrollStatus = "calculated"
	PayrollApproved   PayrollStatus = "approved"
	PayrollPaid       PayrollStatus = "paid"
	PayrollDisputed   PayrollStatus = "disputed"
)

// Immutable reports whether the record may no longer be recalculated.
func (s PayrollStatus) Immutable() bool {
	return s == PayrollApproved || s == PayrollPaid
}

// ErrPayrollImmutable is returned when changing an approved or paid payroll.
var ErrPayrollImmutable = errors.New("payroll record is approved and immutable")

// DeductionTrigger references a disciplinary record consumed by a payroll.
type DeductionTrigger struct {
	DisciplinaryID string          `json:"disciplinary_id"`
	RecordID       string          `json:"record_id"`
	Pct            decimal.Decimal `json:"pct"`
}

// DeductionTriggers is stored as a JSON column.
type DeductionTriggers []DeductionTrigger

// Value implements driver.Valuer.
func (d DeductionTriggers) Value() (driver.Value, error) {
	if d == nil {
		return []byte("[]"), nil
	}
	return jsonValue([]DeductionTrigger(d))
}

// Scan implements sql.Scanner.
func (d *DeductionTriggers) Scan(src interface{}) error {
	return jsonScan(src, (*[]DeductionTrigger)(d))
}

// PayrollRecord is the computed pay of one user for one month.
type PayrollRecord struct {
	ID        string `db:"id" json:"id"`
	PayrollID string `db:"payroll_id" json:"payroll_id"`
	UserID    string `db:"user_id" json:"user_id"`
	Month     int    `db:"month" json:"month"`
	Year      int    `db:"year" json:"year"`

	SalaryBase         decimal.Decimal `db:"salary_base" json:"salary_base"`
	KPIBonus           decimal.Decimal `db:"kpi_bonus" json:"kpi_bonus"`
	CallAllowance      decimal.Decimal `db:"call_allowance" json:"call_allowance"`
	TransportAllowance decimal.Decimal `db:"transport_allowance" json:"transport_allowance"`
	OtherAllowances    decimal.Decimal `db:"other_allowances" json:"other_allowances"`

	ComplianceDeduction    decimal.Decimal   `db:"compliance_deduction" json:"compliance_deduction"`
	ComplianceDeductionPct decimal.Decimal   `db:"compliance_deduction_pct" json:"compliance_deduction_pct"`
	TaxDeduction           decimal.Decimal   `db:"tax_deduction" json:"tax_deduction"`
	InsuranceDeduction     decimal.Decimal   `db:"insurance_deduction" json:"insurance_deduction"`
	OtherDeductions        decimal.Decimal   `db:"other_deductions" json:"other_deductions"`
	DeductionTriggers      DeductionTriggers `db:"deduction_triggers" json:"deduction_triggers"`

	GrossPay        decimal.Decimal `db:"gross_pay" json:"gross_pay"`
	TotalDeductions decimal.Decimal `db:"total_deductions" json:"total_deductions"`
	NetPay          decimal.Decimal `db:"net_pay" json:"net_pay"`

	Status     PayrollStatus `db:"status" json:"status"`
	ApprovedBy *string       `db:"approved_by" json:"approved_by"`
	ApprovedAt *time.Time    `db:"approved_at" json:"approved_at"`
	PaidAt     *time.Time    `db:"paid_at" json:"paid_at"`
	Notes      string        `db:"notes" json:"notes"`

	Version      int64     `db:"version" json:"version"`
	LastModified time.Time `db:"last_modified" json:"last_modified"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Approve freezes a calculated payroll.
func (p *PayrollRecord) Approve(actorID string, at time.Time) error {
	if p.Status.Immutable() {
		return ErrPayrollImmutable
	}
	if p.Status != PayrollCalculated {
		return fmt.Errorf("cannot approve payroll in status %s", p.Status)
	}
	p.Status = PayrollApproved
	p.ApprovedBy = &actorID
	p.ApprovedAt = &at
	p.Version++
	p.LastModified = at
	return nil
}

// MarkPaid records disbursement of an approved payroll.
func (p *PayrollRecord) MarkPaid(at time.Time) error {
	if p.Status != PayrollApproved {
		return fmt.Errorf("cannot mark payroll paid in status %s", p.Status)
	}
	p.Status = PayrollPaid
	p.PaidAt = &at
	p.Version++
	p.LastModified = at
	return nil
}

// Dispute flags a calculated payroll as contested by the employee or HR.
func (p *PayrollRecord) Dispute(notes string, at time.Time) error {
	if p.Status != PayrollCalculated {
		return fmt.Errorf("cannot dispute payroll in status %s", p.Status)
	}
	p.Status = PayrollDisputed
	if notes != "" {
		p.Notes = notes
	}
	p.Version++
	p.LastModified = at
	return nil
}

// TriggerIDs returns the disciplinary ids consumed by the payroll.
func (p *PayrollRecord) TriggerIDs() []string {
	ids := make([]string, 0, len(p.DeductionTriggers))
	for _, t := range p.DeductionTriggers {
		ids = append(ids, t.DisciplinaryID)
	}
	return ids
}
