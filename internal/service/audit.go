package service

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx/types"

	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/utils"
)

// audit appends to the audit trail after the business write has committed.
// Failures are logged and never returned.
func (s *DefaultService) audit(ctx context.Context, actor models.Actor, action, resourceType, resourceID, deviceID string, details interface{}) {
	raw, err := json.Marshal(details)
	if err != nil {
		utils.LogError(s.logger, "audit", "audit", "marshal details", action, err)
		raw = []byte("{}")
	}
	entry := &models.AuditEntry{
		UserID:       actor.UserID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      types.JSONText(raw),
		DeviceID:     deviceID,
		Timestamp:    s.now(),
	}
	if err := s.repo.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		utils.LogError(s.logger, "audit", "audit", "append audit entry", entry, err)
	}
}

// projectDisciplinary mirrors a disciplinary record into the syncable
// disciplinary_actions table so devices can pull it.
func (s *DefaultService) projectDisciplinary(ctx context.Context, rec *models.DisciplinaryRecord) {
	s.project(ctx, models.TableDisciplinaryActions, rec.RecordID, rec.UserID, rec)
}

// projectPayroll mirrors a payroll record into the syncable payroll table.
func (s *DefaultService) projectPayroll(ctx context.Context, rec *models.PayrollRecord) {
	s.project(ctx, models.TablePayroll, rec.PayrollID, rec.UserID, rec)
}

func (s *DefaultService) project(ctx context.Context, table models.TableName, recordID, ownerID string, v interface{}) {
	payload, err := models.PayloadFrom(v)
	if err != nil {
		utils.LogError(s.logger, "projection", "project", "encode payload", recordID, err)
		return
	}
	payload["id"] = recordID
	rec := &models.SyncableRecord{
		TableName:    table,
		RecordID:     recordID,
		Payload:      payload,
		OwnerID:      ownerID,
		DeviceID:     "server",
		LastModified: s.now(),
	}
	if err := s.repo.UpsertProjection(context.WithoutCancel(ctx), rec); err != nil {
		utils.LogError(s.logger, "projection", "project", "upsert projection", map[string]string{
			"table":     string(table),
			"record_id": recordID,
		}, err)
	}
}
