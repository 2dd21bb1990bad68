package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rongwang/fieldops-server/internal/compliance"
	apperrors "github.com/rongwang/fieldops-server/internal/errors"
	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/repository"
)

var maxDeductionPct = decimal.NewFromInt(100)

// CreateManualRecord lets HR or an admin raise a query by hand.
func (s *DefaultService) CreateManualRecord(ctx context.Context, actor models.Actor, req models.CreateDisciplinaryRequest) (*models.DisciplinaryRecord, error) {
	if err := requireManagement(actor); err != nil {
		return nil, err
	}
	if !req.QueryType.Valid() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown query type %q", req.QueryType)
	}
	if req.PayrollDeductionPercentage.IsNegative() || req.PayrollDeductionPercentage.GreaterThan(maxDeductionPct) {
		return nil, apperrors.New(apperrors.ErrValidation, "payroll_deduction_percentage must be between 0 and 100")
	}

	user, err := s.repo.GetUserByID(ctx, req.UserID)
	if err != nil {
		return nil, mapError(err, "failed to load user")
	}
	if user == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "user %s not found", req.UserID)
	}

	now := s.now()
	monthStart, _ := compliance.MonthBounds(s.rules.Day(now))
	rec, _, err := s.repo.CreateDisciplinaryRecord(ctx, user.ID, "", monthStart, func(int) (*models.DisciplinaryRecord, error) {
		return &models.DisciplinaryRecord{
			RecordID:                       models.NewHumanID(models.PrefixManualQuery),
			UserID:                         user.ID,
			QueryType:                      req.QueryType,
			Description:                    req.Description,
			Status:                         models.DisciplinaryIssued,
			TriggerData:                    models.Payload{"issued_by": actor.UserID},
			PayrollDeductionPercentage:     req.PayrollDeductionPercentage,
			RequiresManagementConfirmation: req.RequiresManagementConfirmation,
			Version:                        1,
			LastModified:                   now,
			CreatedAt:                      now,
		}, nil
	})
	if err != nil {
		return nil, mapError(err, "failed to create disciplinary record")
	}

	s.audit(ctx, actor, "disciplinary_created", "disciplinary_record", rec.RecordID, "", map[string]interface{}{
		"user_id":       rec.UserID,
		"query_type":    rec.QueryType,
		"deduction_pct": rec.PayrollDeductionPercentage,
	})
	s.projectDisciplinary(ctx, rec)
	return rec, nil
}

// ListDisciplinaryRecords lists records, newest first. Non-management
// callers only see their own.
func (s *DefaultService) ListDisciplinaryRecords(ctx context.Context, actor models.Actor, req models.DisciplinaryListRequest) ([]models.DisciplinaryRecord, error) {
	userID, err := scopeToSelf(actor, req.UserID)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.ListDisciplinaryRecords(ctx, repository.DisciplinaryFilter{
		UserID: userID,
		Limit:  req.PageSize,
		Offset: pageOffset(req.Page, req.PageSize),
	})
	if err != nil {
		return nil, mapError(err, "failed to list disciplinary records")
	}
	return records, nil
}

// Acknowledge records the subject's signed acknowledgement.
func (s *DefaultService) Acknowledge(ctx context.Context, actor models.Actor, id string, req models.AcknowledgeRequest) (*models.TransitionResponse, error) {
	return s.transition(ctx, actor, id, "disciplinary_acknowledged", "Record acknowledged", func(rec *models.DisciplinaryRecord) error {
		return rec.Acknowledge(actor.UserID, req.DigitalSignature, s.now())
	})
}

// Appeal records the subject's appeal.
func (s *DefaultService) Appeal(ctx context.Context, actor models.Actor, id string, req models.AppealRequest) (*models.TransitionResponse, error) {
	return s.transition(ctx, actor, id, "disciplinary_appealed", "Appeal submitted", func(rec *models.DisciplinaryRecord) error {
		if err := rec.Appeal(actor.UserID, req.AppealText, s.now()); err != nil {
			return err
		}
		if req.DigitalSignature != "" {
			sig := req.DigitalSignature
			rec.DigitalSignature = &sig
		}
		return nil
	})
}

// StartReview puts an appealed record under management review.
func (s *DefaultService) StartReview(ctx context.Context, actor models.Actor, id string) (*models.TransitionResponse, error) {
	if err := requireManagement(actor); err != nil {
		return nil, err
	}
	return s.transition(ctx, actor, id, "disciplinary_review_started", "Appeal under review", func(rec *models.DisciplinaryRecord) error {
		return rec.StartReview(s.now())
	})
}

// ManagementConfirm closes a record: confirmed escalates it, otherwise it is
// resolved.
func (s *DefaultService) ManagementConfirm(ctx context.Context, actor models.Actor, id string, req models.ManagementConfirmRequest) (*models.TransitionResponse, error) {
	if err := requireManagement(actor); err != nil {
		return nil, err
	}
	if req.Confirmed == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "confirmed is required")
	}
	confirmed := *req.Confirmed
	message := "Record resolved"
	if confirmed {
		message = "Record escalated"
	}
	return s.transition(ctx, actor, id, "disciplinary_management_confirmed", message, func(rec *models.DisciplinaryRecord) error {
		return rec.ManagementConfirm(actor.UserID, confirmed, req.Notes, s.now())
	})
}

func (s *DefaultService) transition(
	ctx context.Context,
	actor models.Actor,
	id string,
	action string,
	message string,
	apply func(*models.DisciplinaryRecord) error,
) (*models.TransitionResponse, error) {
	var from models.DisciplinaryStatus
	rec, err := s.repo.UpdateDisciplinaryRecord(ctx, id, func(rec *models.DisciplinaryRecord) error {
		from = rec.Status
		return apply(rec)
	})
	if err != nil {
		return nil, mapError(err, "failed to update disciplinary record")
	}

	s.audit(ctx, actor, action, "disciplinary_record", rec.RecordID, "", map[string]interface{}{
		"from": from,
		"to":   rec.Status,
	})
	s.projectDisciplinary(ctx, rec)

	return &models.TransitionResponse{
		Status:   "success",
		Message:  message,
		RecordID: rec.RecordID,
		State:    rec.Status,
	}, nil
}
