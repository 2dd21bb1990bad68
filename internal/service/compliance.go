package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rongwang/fieldops-server/internal/compliance"
	"github.com/rongwang/fieldops-server/internal/lock"
	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/utils"
)

// userCheck evaluates one user and returns a finding, or nil when the user
// is compliant.
type userCheck func(ctx context.Context, user models.User, now time.Time) (*models.ComplianceFinding, error)

// RunDailyLogCheck raises a missed_daily_log query for every active user
// whose current streak of missed weekday logs reaches the threshold.
func (s *DefaultService) RunDailyLogCheck(ctx context.Context, actor models.Actor) (*models.ScanResponse, error) {
	if err := requireManagement(actor); err != nil {
		return nil, err
	}
	return s.scan(ctx, actor, "daily_logs", s.checkDailyLogs)
}

// RunWeeklyComplianceCheck raises a weekly compliance query for every
// active user with late or missed weekly plans or reports in the window.
func (s *DefaultService) RunWeeklyComplianceCheck(ctx context.Context, actor models.Actor) (*models.ScanResponse, error) {
	if err := requireManagement(actor); err != nil {
		return nil, err
	}
	return s.scan(ctx, actor, "weekly_compliance", s.checkWeekly)
}

func (s *DefaultService) checkDailyLogs(ctx context.Context, user models.User, now time.Time) (*models.ComplianceFinding, error) {
	start, today := s.rules.DailyWindow(now)
	logged, err := s.repo.ListDailyLogDates(ctx, user.ID, start, today)
	if err != nil {
		return nil, err
	}

	finding := s.rules.EvaluateDaily(user.ID, now, logged)
	if finding == nil {
		return nil, nil
	}

	rec, created, err := s.createAutoRecord(ctx, user.ID, finding.IdempotencyKey(), now, finding.Record)
	if err != nil {
		return nil, err
	}
	return &models.ComplianceFinding{
		UserID:           user.ID,
		UserName:         user.Name,
		RecordID:         rec.RecordID,
		QueryType:        rec.QueryType,
		Missed:           finding.Evidence.ConsecutiveMissed,
		DeductionPct:     rec.PayrollDeductionPercentage,
		PrivilegesLocked: rec.PrivilegesLocked,
		Duplicate:        !created,
	}, nil
}

func (s *DefaultService) checkWeekly(ctx context.Context, user models.User, now time.Time) (*models.ComplianceFinding, error) {
	start, _ := s.rules.WeeklyWindow(now)
	counts, err := s.repo.CountWeeklyViolations(ctx, user.ID, start)
	if err != nil {
		return nil, err
	}

	finding := s.rules.EvaluateWeekly(user.ID, now, counts)
	if finding == nil {
		return nil, nil
	}

	rec, created, err := s.createAutoRecord(ctx, user.ID, finding.IdempotencyKey(), now, finding.Record)
	if err != nil {
		return nil, err
	}
	return &models.ComplianceFinding{
		UserID:           user.ID,
		UserName:         user.Name,
		RecordID:         rec.RecordID,
		QueryType:        rec.QueryType,
		Violations:       finding.Evidence.TotalViolations,
		DeductionPct:     rec.PayrollDeductionPercentage,
		TerminationFlag:  finding.RequiresConfirmation,
		PrivilegesLocked: rec.PrivilegesLocked,
		Duplicate:        !created,
	}, nil
}

// scan runs check for every active user on a bounded pool. Users are
// independent: one user's failure is logged and counted, not fatal.
func (s *DefaultService) scan(ctx context.Context, actor models.Actor, name string, check userCheck) (*models.ScanResponse, error) {
	users, err := s.repo.ListActiveUsers(ctx)
	if err != nil {
		return nil, mapError(err, "failed to list users")
	}

	now := s.now()
	findings := make([]*models.ComplianceFinding, len(users))
	failed := make([]bool, len(users))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.scanWorkers)
	for i, user := range users {
		i, user := i, user
		g.Go(func() error {
			err := lock.With(gctx, s.locker, "compliance:"+user.ID, s.lockTTL, s.logReleaseError, func() error {
				f, err := check(gctx, user, now)
				findings[i] = f
				return err
			})
			if err != nil {
				failed[i] = true
				utils.LogError(s.logger, "compliance", name, "user check failed", map[string]string{"user_id": user.ID}, err)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resp := &models.ScanResponse{
		Checked: len(users),
		Details: []models.ComplianceFinding{},
	}
	for i, f := range findings {
		if failed[i] {
			resp.Failed++
			continue
		}
		if f == nil {
			continue
		}
		if f.Duplicate {
			resp.Skipped++
		} else {
			resp.Generated++
		}
		resp.Details = append(resp.Details, *f)
	}

	s.audit(ctx, actor, "compliance_scan", "scan", name, "", map[string]int{
		"checked":   resp.Checked,
		"generated": resp.Generated,
		"skipped":   resp.Skipped,
		"failed":    resp.Failed,
	})
	s.logger.WithFields(logrus.Fields{
		"scan":      name,
		"checked":   resp.Checked,
		"generated": resp.Generated,
		"skipped":   resp.Skipped,
		"failed":    resp.Failed,
	}).Info("compliance scan completed")

	return resp, nil
}

// createAutoRecord stores a scanner finding. The monthly cap is decided
// inside the repository transaction so two concurrent scans cannot both
// miss or both cross it.
func (s *DefaultService) createAutoRecord(
	ctx context.Context,
	userID string,
	idempotencyKey string,
	now time.Time,
	build func(time.Time) (*models.DisciplinaryRecord, error),
) (*models.DisciplinaryRecord, bool, error) {
	monthStart, _ := compliance.MonthBounds(s.rules.Day(now))

	rec, created, err := s.repo.CreateDisciplinaryRecord(ctx, userID, idempotencyKey, monthStart, func(prior int) (*models.DisciplinaryRecord, error) {
		rec, err := build(now)
		if err != nil {
			return nil, err
		}
		compliance.ApplyMonthlyCap(rec, prior, s.rules.MonthlyQueryCap)
		return rec, nil
	})
	if err != nil {
		return nil, false, mapError(err, "failed to create disciplinary record")
	}

	if created {
		system := models.Actor{UserID: models.SystemActorID, Role: models.RoleAdmin}
		s.audit(ctx, system, "disciplinary_created", "disciplinary_record", rec.RecordID, "", map[string]interface{}{
			"user_id":           rec.UserID,
			"query_type":        rec.QueryType,
			"deduction_pct":     rec.PayrollDeductionPercentage,
			"privileges_locked": rec.PrivilegesLocked,
		})
		s.projectDisciplinary(ctx, rec)
	}
	return rec, created, nil
}
