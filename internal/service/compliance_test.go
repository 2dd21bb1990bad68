package service_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rongwang/fieldops-server/internal/errors"
	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/repository"
)

func (f *fixture) logDays(t *testing.T, actor models.Actor, dates ...string) {
	t.Helper()
	records := make([]models.Payload, 0, len(dates))
	for _, d := range dates {
		records = append(records, models.Payload{"id": actor.UserID + "-" + d, "log_date": d, "status": "submitted"})
	}
	resp := f.push(t, actor, "dev-"+actor.UserID, models.TableDailyLogs, records...)
	require.Empty(t, resp.Errors)
}

func (f *fixture) weeklyViolations(t *testing.T, actor models.Actor, plans, reports int) {
	t.Helper()
	var planRecs, reportRecs []models.Payload
	for i := 0; i < plans; i++ {
		planRecs = append(planRecs, models.Payload{
			"id":              fmt.Sprintf("%s-plan-%d", actor.UserID, i),
			"status":          "missed",
			"week_start_date": time.Date(2024, 2, 5+7*i, 0, 0, 0, 0, time.UTC).Format("2006-01-02"),
		})
	}
	for i := 0; i < reports; i++ {
		reportRecs = append(reportRecs, models.Payload{
			"id":              fmt.Sprintf("%s-report-%d", actor.UserID, i),
			"status":          "late",
			"week_start_date": time.Date(2024, 1, 8+7*i, 0, 0, 0, 0, time.UTC).Format("2006-01-02"),
		})
	}
	if len(planRecs) > 0 {
		f.push(t, actor, "dev-"+actor.UserID, models.TableWeeklyPlans, planRecs...)
	}
	if len(reportRecs) > 0 {
		f.push(t, actor, "dev-"+actor.UserID, models.TableWeeklyReports, reportRecs...)
	}
}

func findingFor(resp *models.ScanResponse, userID string) *models.ComplianceFinding {
	for i := range resp.Details {
		if resp.Details[i].UserID == userID {
			return &resp.Details[i]
		}
	}
	return nil
}

func TestDailyLogScanEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	missing := f.user(t, "w1", models.RoleMarketer)
	diligent := f.user(t, "w2", models.RoleMarketer)

	// Logs on Monday and Tuesday, nothing on Wednesday or Thursday.
	f.logDays(t, missing, "2024-03-11", "2024-03-12")
	f.logDays(t, diligent, "2024-03-11", "2024-03-12", "2024-03-13", "2024-03-14")

	resp, err := f.svc.RunDailyLogCheck(f.ctx, f.admin)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Checked)
	assert.Equal(t, 1, resp.Generated)
	assert.Zero(t, resp.Failed)

	finding := findingFor(resp, missing.UserID)
	require.NotNil(t, finding)
	assert.Equal(t, 2, finding.Missed)
	assert.Equal(t, models.QueryMissedDailyLog, finding.QueryType)
	assert.Nil(t, findingFor(resp, diligent.UserID))

	records, err := f.repo.ListDisciplinaryRecords(f.ctx, repository.DisciplinaryFilter{UserID: missing.UserID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, finding.RecordID, rec.RecordID)
	assert.Regexp(t, `^QRY-[0-9A-F]{8}$`, rec.RecordID)
	assert.True(t, rec.AutoGenerated)
	assert.Equal(t, models.DisciplinaryIssued, rec.Status)
	assert.Equal(t, 2, rec.ConsecutiveCount)
	assert.True(t, rec.PayrollDeductionPercentage.IsZero())
	assert.Equal(t, []interface{}{"2024-03-14", "2024-03-13"}, rec.TriggerData["missed_dates"])

	projected, err := f.repo.GetRecord(f.ctx, models.TableDisciplinaryActions, rec.RecordID)
	require.NoError(t, err)
	require.NotNil(t, projected, "disciplinary records are pullable by devices")
	assert.Equal(t, missing.UserID, projected.OwnerID)
}

func TestDailyLogScanSkipsWeekends(t *testing.T) {
	f := newFixture(t, nil)
	worker := f.user(t, "w1", models.RoleMarketer)

	// Logged Friday; scanning Monday sees one miss, the weekend is ignored.
	f.logDays(t, worker, "2024-03-08")
	f.clock.Set(time.Date(2024, 3, 11, 18, 0, 0, 0, time.UTC))

	resp, err := f.svc.RunDailyLogCheck(f.ctx, f.admin)
	require.NoError(t, err)
	assert.Zero(t, resp.Generated)

	// Tuesday makes it two weekday misses.
	f.clock.Set(time.Date(2024, 3, 12, 18, 0, 0, 0, time.UTC))
	resp, err = f.svc.RunDailyLogCheck(f.ctx, f.admin)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Generated)
	assert.Equal(t, 2, resp.Details[0].Missed)
}

func TestDailyLogScanIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.user(t, "w1", models.RoleMarketer)

	first, err := f.svc.RunDailyLogCheck(f.ctx, f.admin)
	require.NoError(t, err)
	require.Equal(t, 1, first.Generated)

	second, err := f.svc.RunDailyLogCheck(f.ctx, f.admin)
	require.NoError(t, err)
	assert.Zero(t, second.Generated)
	assert.Equal(t, 1, second.Skipped)
	require.Len(t, second.Details, 1)
	assert.True(t, second.Details[0].Duplicate)
	assert.Equal(t, first.Details[0].RecordID, second.Details[0].RecordID)

	records, _ := f.repo.ListDisciplinaryRecords(f.ctx, repository.DisciplinaryFilter{})
	assert.Len(t, records, 1)
}

func TestConcurrentScansCreateOneRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.user(t, "w1", models.RoleMarketer)

	const runs = 6
	var wg sync.WaitGroup
	generated := make(chan int, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.svc.RunDailyLogCheck(f.ctx, f.admin)
			assert.NoError(t, err)
			generated <- resp.Generated
		}()
	}
	wg.Wait()
	close(generated)

	total := 0
	for g := range generated {
		total += g
	}
	assert.Equal(t, 1, total)
}

func TestMonthlyQueryCapLocksPrivileges(t *testing.T) {
	f := newFixture(t, nil)
	worker := f.user(t, "w1", models.RoleMarketer)

	scanDays := []time.Time{
		time.Date(2024, 3, 14, 18, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 18, 18, 0, 0, 0, time.UTC),
	}
	var locked []bool
	for _, day := range scanDays {
		f.clock.Set(day)
		resp, err := f.svc.RunDailyLogCheck(f.ctx, f.admin)
		require.NoError(t, err)
		require.Equal(t, 1, resp.Generated)
		finding := findingFor(resp, worker.UserID)
		require.NotNil(t, finding)
		locked = append(locked, finding.PrivilegesLocked)
	}
	assert.Equal(t, []bool{false, false, true}, locked)

	records, _ := f.repo.ListDisciplinaryRecords(f.ctx, repository.DisciplinaryFilter{UserID: worker.UserID})
	require.Len(t, records, 3)
	newest := records[0]
	assert.True(t, newest.PrivilegesLocked)
	assert.True(t, newest.RequiresManagementConfirmation)
	assert.ElementsMatch(t, models.Privileges{models.PrivilegeSensitiveDataAccess, models.PrivilegeFinancialOperations}, newest.LockedPrivileges)

	// A new month starts a new count.
	f.clock.Set(time.Date(2024, 4, 2, 18, 0, 0, 0, time.UTC))
	resp, err := f.svc.RunDailyLogCheck(f.ctx, f.admin)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Generated)
	assert.False(t, resp.Details[0].PrivilegesLocked)
}

func TestWeeklyComplianceScanPolicy(t *testing.T) {
	f := newFixture(t, nil)
	one := f.user(t, "one", models.RoleSalesManager)
	two := f.user(t, "two", models.RoleSalesManager)
	three := f.user(t, "three", models.RoleSalesManager)
	clean := f.user(t, "clean", models.RoleSalesManager)

	f.weeklyViolations(t, one, 1, 0)
	f.weeklyViolations(t, two, 1, 1)
	f.weeklyViolations(t, three, 2, 1)
	f.push(t, clean, "dev-clean", models.TableWeeklyPlans, models.Payload{"id": "ok", "status": "submitted", "week_start_date": "2024-03-04"})

	resp, err := f.svc.RunWeeklyComplianceCheck(f.ctx, f.hr)
	require.NoError(t, err)
	assert.Equal(t, 4, resp.Checked)
	assert.Equal(t, 3, resp.Generated)
	assert.Nil(t, findingFor(resp, clean.UserID))

	cases := []struct {
		user        models.Actor
		violations  int
		pct         int64
		termination bool
	}{
		{one, 1, 5, false},
		{two, 2, 20, false},
		{three, 3, 20, true},
	}
	for _, tc := range cases {
		t.Run(tc.user.UserID, func(t *testing.T) {
			finding := findingFor(resp, tc.user.UserID)
			require.NotNil(t, finding)
			assert.Equal(t, tc.violations, finding.Violations)
			assert.True(t, decimal.NewFromInt(tc.pct).Equal(finding.DeductionPct), finding.DeductionPct.String())
			assert.Equal(t, tc.termination, finding.TerminationFlag)

			rec, err := f.repo.GetDisciplinaryRecord(f.ctx, finding.RecordID)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Regexp(t, `^WKQ-`, rec.RecordID)
			assert.Equal(t, tc.termination, rec.RequiresManagementConfirmation)
			assert.False(t, rec.DeductionApplied)
		})
	}

	again, err := f.svc.RunWeeklyComplianceCheck(f.ctx, f.hr)
	require.NoError(t, err)
	assert.Zero(t, again.Generated)
	assert.Equal(t, 3, again.Skipped)

	// The window rolls daily but the finding is per ISO week.
	f.clock.Set(thursday.AddDate(0, 0, 1))
	nextDay, err := f.svc.RunWeeklyComplianceCheck(f.ctx, f.hr)
	require.NoError(t, err)
	assert.Zero(t, nextDay.Generated)
	assert.Equal(t, 3, nextDay.Skipped)

	f.clock.Set(thursday.AddDate(0, 0, 4))
	nextWeek, err := f.svc.RunWeeklyComplianceCheck(f.ctx, f.hr)
	require.NoError(t, err)
	assert.Equal(t, 3, nextWeek.Generated)
}

func TestScansRequireManagement(t *testing.T) {
	f := newFixture(t, nil)
	worker := f.user(t, "w1", models.RoleCustomerCare)

	_, err := f.svc.RunDailyLogCheck(f.ctx, worker)
	assertCode(t, err, apperrors.ErrPermission)
	_, err = f.svc.RunWeeklyComplianceCheck(f.ctx, worker)
	assertCode(t, err, apperrors.ErrPermission)
}

func TestInactiveUsersAreNotScanned(t *testing.T) {
	f := newFixture(t, nil)
	f.createUser(t, &models.User{ID: "gone", Email: "gone@example.com", Name: "Gone", Role: models.RoleMarketer, IsActive: false})

	resp, err := f.svc.RunDailyLogCheck(f.ctx, f.admin)
	require.NoError(t, err)
	assert.Zero(t, resp.Checked)
	assert.Empty(t, resp.Details)
}
