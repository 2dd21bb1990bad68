package service_test

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rongwang/fieldops-server/internal/errors"
	"github.com/rongwang/fieldops-server/internal/models"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func assertDec(t *testing.T, want int64, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "%s: want %d, got %s", msg, want, got.String())
}

func marchPayroll(userID string) models.PayrollCalculateRequest {
	return models.PayrollCalculateRequest{
		UserID:       userID,
		Month:        3,
		Year:         2024,
		SalaryBase:   dec(1000),
		KPIBonus:     dec(200),
		TaxDeduction: dec(50),
	}
}

// weeklyTrigger gives the user a 20% weekly compliance deduction in March.
func (f *fixture) weeklyTrigger(t *testing.T, worker models.Actor) string {
	t.Helper()
	f.weeklyViolations(t, worker, 2, 0)
	resp, err := f.svc.RunWeeklyComplianceCheck(f.ctx, f.admin)
	require.NoError(t, err)
	finding := findingFor(resp, worker.UserID)
	require.NotNil(t, finding)
	return finding.RecordID
}

func TestCalculatePayrollConsumesTriggersOnce(t *testing.T) {
	f := newFixture(t, nil)
	worker := f.user(t, "w1", models.RoleSalesManager)
	triggerID := f.weeklyTrigger(t, worker)

	first, err := f.svc.CalculatePayroll(f.ctx, f.hr, marchPayroll(worker.UserID))
	require.NoError(t, err)
	assert.Regexp(t, `^PAY-[0-9A-F]{8}$`, first.PayrollID)
	assert.Equal(t, models.PayrollCalculated, first.Status)
	assertDec(t, 20, first.ComplianceDeductionPct, "pct")
	assertDec(t, 200, first.ComplianceDeduction, "compliance deduction")
	assertDec(t, 1200, first.GrossPay, "gross")
	assertDec(t, 250, first.TotalDeductions, "total deductions")
	assertDec(t, 950, first.NetPay, "net")
	require.Len(t, first.DeductionTriggers, 1)
	assert.Equal(t, triggerID, first.DeductionTriggers[0].RecordID)

	trigger, _ := f.repo.GetDisciplinaryRecord(f.ctx, triggerID)
	assert.True(t, trigger.DeductionApplied)

	second, err := f.svc.CalculatePayroll(f.ctx, f.hr, marchPayroll(worker.UserID))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.PayrollID, second.PayrollID)
	assert.Equal(t, int64(2), second.Version)
	assert.Len(t, second.DeductionTriggers, 1, "already consumed triggers are not billed again")
	assertDec(t, 200, second.ComplianceDeduction, "recalculated deduction")

	projected, _ := f.repo.GetRecord(f.ctx, models.TablePayroll, first.PayrollID)
	require.NotNil(t, projected)
	assert.Equal(t, worker.UserID, projected.OwnerID)
}

func TestCalculatePayrollTakesMaximumNotSum(t *testing.T) {
	f := newFixture(t, nil)
	worker := f.user(t, "w1", models.RoleSalesManager)
	f.weeklyTrigger(t, worker)

	for _, pct := range []int64{10, 50} {
		_, err := f.svc.CreateManualRecord(f.ctx, f.hr, models.CreateDisciplinaryRequest{
			UserID:                     worker.UserID,
			QueryType:                  models.QueryPolicyViolation,
			Description:                "violation",
			PayrollDeductionPercentage: dec(pct),
		})
		require.NoError(t, err)
	}

	rec, err := f.svc.CalculatePayroll(f.ctx, f.hr, marchPayroll(worker.UserID))
	require.NoError(t, err)
	assert.Len(t, rec.DeductionTriggers, 3)
	assertDec(t, 50, rec.ComplianceDeductionPct, "pct")
	assertDec(t, 500, rec.ComplianceDeduction, "deduction")
}

func TestCalculatePayrollNetNeverNegative(t *testing.T) {
	f := newFixture(t, nil)
	worker := f.user(t, "w1", models.RoleSalesManager)

	req := marchPayroll(worker.UserID)
	req.TaxDeduction = dec(5000)
	rec, err := f.svc.CalculatePayroll(f.ctx, f.hr, req)
	require.NoError(t, err)
	assert.True(t, rec.NetPay.IsZero())
	assert.Empty(t, rec.DeductionTriggers)
}

func TestCalculatePayrollValidation(t *testing.T) {
	f := newFixture(t, nil)
	worker := f.user(t, "w1", models.RoleSalesManager)

	_, err := f.svc.CalculatePayroll(f.ctx, worker, marchPayroll(worker.UserID))
	assertCode(t, err, apperrors.ErrPermission)

	req := marchPayroll(worker.UserID)
	req.SalaryBase = dec(-1)
	_, err = f.svc.CalculatePayroll(f.ctx, f.hr, req)
	assertCode(t, err, apperrors.ErrValidation)

	req = marchPayroll(worker.UserID)
	req.Month = 13
	_, err = f.svc.CalculatePayroll(f.ctx, f.hr, req)
	assertCode(t, err, apperrors.ErrValidation)

	_, err = f.svc.CalculatePayroll(f.ctx, f.hr, marchPayroll("nobody"))
	assertCode(t, err, apperrors.ErrNotFound)
}

func TestConcurrentPayrollCalculation(t *testing.T) {
	f := newFixture(t, nil)
	worker := f.user(t, "w1", models.RoleSalesManager)
	f.weeklyTrigger(t, worker)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CalculatePayroll(f.ctx, f.admin, marchPayroll(worker.UserID))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records, err := f.svc.ListPayroll(f.ctx, f.admin, models.PayrollListRequest{UserID: worker.UserID, Page: 1, PageSize: 50})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Len(t, records[0].DeductionTriggers, 1)
	assert.Equal(t, int64(callers), records[0].Version)
}

func TestPayrollApprovalLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	worker := f.user(t, "w1", models.RoleSalesManager)

	rec, err := f.svc.CalculatePayroll(f.ctx, f.hr, marchPayroll(worker.UserID))
	require.NoError(t, err)

	_, err = f.svc.ApprovePayroll(f.ctx, f.hr, rec.PayrollID)
	assertCode(t, err, apperrors.ErrPermission)

	_, err = f.svc.MarkPayrollPaid(f.ctx, f.admin, rec.PayrollID)
	assertCode(t, err, apperrors.ErrInvalidTransition)

	approved, err := f.svc.ApprovePayroll(f.ctx, f.admin, rec.PayrollID)
	require.NoError(t, err)
	assert.Equal(t, models.PayrollApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, f.admin.UserID, *approved.ApprovedBy)

	_, err = f.svc.CalculatePayroll(f.ctx, f.hr, marchPayroll(worker.UserID))
	assertCode(t, err, apperrors.ErrImmutable)

	_, err = f.svc.DisputePayroll(f.ctx, worker, rec.PayrollID, "too low")
	assertCode(t, err, apperrors.ErrImmutable)

	paid, err := f.svc.MarkPayrollPaid(f.ctx, f.admin, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayrollPaid, paid.Status)
	assert.NotNil(t, paid.PaidAt)

	_, err = f.svc.ApprovePayroll(f.ctx, f.admin, "PAY-MISSING0")
	assertCode(t, err, apperrors.ErrNotFound)
}

func TestDisputePayroll(t *testing.T) {
	f := newFixture(t, nil)
	worker := f.user(t, "w1", models.RoleSalesManager)
	other := f.user(t, "w2", models.RoleSalesManager)

	rec, err := f.svc.CalculatePayroll(f.ctx, f.hr, marchPayroll(worker.UserID))
	require.NoError(t, err)

	_, err = f.svc.DisputePayroll(f.ctx, other, rec.PayrollID, "not mine")
	assertCode(t, err, apperrors.ErrPermission)

	disputed, err := f.svc.DisputePayroll(f.ctx, worker, rec.PayrollID, "bonus missing")
	require.NoError(t, err)
	assert.Equal(t, models.PayrollDisputed, disputed.Status)
	assert.Equal(t, "bonus missing", disputed.Notes)

	// A disputed payroll can be recalculated.
	req := marchPayroll(worker.UserID)
	req.KPIBonus = dec(400)
	recalculated, err := f.svc.CalculatePayroll(f.ctx, f.hr, req)
	require.NoError(t, err)
	assert.Equal(t, models.PayrollCalculated, recalculated.Status)
	assertDec(t, 1400, recalculated.GrossPay, "gross")
}

func TestListPayrollScope(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.user(t, "alice", models.RoleMarketer)
	bob := f.user(t, "bob", models.RoleMarketer)

	for _, u := range []models.Actor{alice, bob} {
		_, err := f.svc.CalculatePayroll(f.ctx, f.hr, marchPayroll(u.UserID))
		require.NoError(t, err)
	}
	feb := marchPayroll(alice.UserID)
	feb.Month = 2
	_, err := f.svc.CalculatePayroll(f.ctx, f.hr, feb)
	require.NoError(t, err)

	mine, err := f.svc.ListPayroll(f.ctx, alice, models.PayrollListRequest{Page: 1, PageSize: 50})
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	assert.Equal(t, 3, mine[0].Month, "newest period first")

	_, err = f.svc.ListPayroll(f.ctx, alice, models.PayrollListRequest{UserID: bob.UserID, Page: 1, PageSize: 50})
	assertCode(t, err, apperrors.ErrPermission)

	march, err := f.svc.ListPayroll(f.ctx, f.admin, models.PayrollListRequest{Month: 3, Year: 2024, Page: 1, PageSize: 50})
	require.NoError(t, err)
	assert.Len(t, march, 2)
}
