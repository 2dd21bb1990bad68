package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	apperrors "github.com/rongwang/fieldops-server/internal/errors"
	"github.com/rongwang/fieldops-server/internal/lock"
	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/payroll"
	"github.com/rongwang/fieldops-server/internal/repository"
)

// CalculatePayroll computes (or recomputes) the payroll of one user and
// month. Triggers consumed by an earlier calculation stay on the record;
// only triggers not yet billed are marked consumed by this call.
func (s *DefaultService) CalculatePayroll(ctx context.Context, actor models.Actor, req models.PayrollCalculateRequest) (*models.PayrollRecord, error) {
	if err := requireManagement(actor); err != nil {
		return nil, err
	}

	components := payroll.Components{
		SalaryBase:         req.SalaryBase,
		KPIBonus:           req.KPIBonus,
		CallAllowance:      req.CallAllowance,
		TransportAllowance: req.TransportAllowance,
		OtherAllowances:    req.OtherAllowances,
		TaxDeduction:       req.TaxDeduction,
		InsuranceDeduction: req.InsuranceDeduction,
		OtherDeductions:    req.OtherDeductions,
	}
	if err := components.Validate(); err != nil {
		return nil, err
	}
	window, err := payroll.MonthWindow(req.UserID, req.Month, req.Year, s.rules.Location)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetUserByID(ctx, req.UserID)
	if err != nil {
		return nil, mapError(err, "failed to load user")
	}
	if user == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "user %s not found", req.UserID)
	}

	var rec *models.PayrollRecord
	var newly int
	key := fmt.Sprintf("payroll:%s:%d:%d", window.UserID, window.Month, window.Year)
	err = lock.With(ctx, s.locker, key, s.lockTTL, s.logReleaseError, func() error {
		var err error
		rec, err = s.repo.CalculatePayroll(ctx, window, func(existing *models.PayrollRecord, unconsumed []models.DisciplinaryRecord) (*models.PayrollRecord, error) {
			fresh := payroll.TriggersFrom(unconsumed)
			newly = len(fresh)

			triggers := models.DeductionTriggers{}
			now := s.now()
			out := &models.PayrollRecord{
				PayrollID: models.NewHumanID(models.PrefixPayroll),
				UserID:    window.UserID,
				Month:     window.Month,
				Year:      window.Year,
				Version:   1,
				CreatedAt: now,
			}
			if existing != nil {
				copied := *existing
				out = &copied
				out.Version = existing.Version + 1
				triggers = append(triggers, existing.DeductionTriggers...)
			}
			triggers = append(triggers, fresh...)

			payroll.Apply(out, components, triggers, payroll.Compute(components, triggers))
			if req.Notes != "" {
				out.Notes = req.Notes
			}
			out.LastModified = now
			return out, nil
		})
		return err
	})
	if err != nil {
		return nil, mapError(err, "failed to calculate payroll")
	}

	s.audit(ctx, actor, "payroll_calculated", "payroll_record", rec.PayrollID, "", map[string]interface{}{
		"user_id":              rec.UserID,
		"month":                rec.Month,
		"year":                 rec.Year,
		"compliance_deduction": rec.ComplianceDeduction,
		"net_pay":              rec.NetPay,
		"new_triggers":         newly,
	})
	s.projectPayroll(ctx, rec)

	s.logger.WithFields(logrus.Fields{
		"payroll_id":   rec.PayrollID,
		"user_id":      rec.UserID,
		"month":        rec.Month,
		"year":         rec.Year,
		"triggers":     len(rec.DeductionTriggers),
		"new_triggers": newly,
	}).Info("payroll calculated")

	return rec, nil
}

// ApprovePayroll freezes a calculated payroll. Admin only.
func (s *DefaultService) ApprovePayroll(ctx context.Context, actor models.Actor, id string) (*models.PayrollRecord, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.updatePayroll(ctx, actor, id, "payroll_approved", func(rec *models.PayrollRecord) error {
		return rec.Approve(actor.UserID, s.now())
	})
}

// MarkPayrollPaid records disbursement of an approved payroll. Admin only.
func (s *DefaultService) MarkPayrollPaid(ctx context.Context, actor models.Actor, id string) (*models.PayrollRecord, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.updatePayroll(ctx, actor, id, "payroll_paid", func(rec *models.PayrollRecord) error {
		return rec.MarkPaid(s.now())
	})
}

// DisputePayroll flags a calculated payroll. The employee it belongs to or
// management may dispute it.
func (s *DefaultService) DisputePayroll(ctx context.Context, actor models.Actor, id, notes string) (*models.PayrollRecord, error) {
	return s.updatePayroll(ctx, actor, id, "payroll_disputed", func(rec *models.PayrollRecord) error {
		if rec.UserID != actor.UserID && !actor.Role.IsManagement() {
			return apperrors.New(apperrors.ErrPermission, "cannot dispute another user's payroll")
		}
		return rec.Dispute(notes, s.now())
	})
}

// ListPayroll lists payroll records, newest period first. Non-management
// callers only see their own.
func (s *DefaultService) ListPayroll(ctx context.Context, actor models.Actor, req models.PayrollListRequest) ([]models.PayrollRecord, error) {
	userID, err := scopeToSelf(actor, req.UserID)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.ListPayrollRecords(ctx, repository.PayrollFilter{
		UserID: userID,
		Month:  req.Month,
		Year:   req.Year,
		Limit:  req.PageSize,
		Offset: pageOffset(req.Page, req.PageSize),
	})
	if err != nil {
		return nil, mapError(err, "failed to list payroll records")
	}
	return records, nil
}

func (s *DefaultService) updatePayroll(
	ctx context.Context,
	actor models.Actor,
	id string,
	action string,
	apply func(*models.PayrollRecord) error,
) (*models.PayrollRecord, error) {
	var from models.PayrollStatus
	rec, err := s.repo.UpdatePayrollRecord(ctx, id, func(rec *models.PayrollRecord) error {
		from = rec.Status
		err := apply(rec)
		if err == nil || apperrors.CodeOf(err) != apperrors.ErrInternal {
			return err
		}
		if rec.Status.Immutable() {
			return apperrors.Wrap(apperrors.ErrImmutable, err.Error(), err)
		}
		return apperrors.Wrap(apperrors.ErrInvalidTransition, err.Error(), err)
	})
	if err != nil {
		return nil, mapError(err, "failed to update payroll")
	}

	s.audit(ctx, actor, action, "payroll_record", rec.PayrollID, "", map[string]interface{}{
		"from": from,
		"to":   rec.Status,
	})
	s.projectPayroll(ctx, rec)
	return rec, nil
}
