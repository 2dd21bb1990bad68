package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rongwang/fieldops-server/internal/conflict"
	apperrors "github.com/rongwang/fieldops-server/internal/errors"
	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/repository"
	"github.com/rongwang/fieldops-server/internal/utils"
)

// pushResult is what happened to one pushed record.
type pushResult struct {
	synced   bool
	conflict *models.SyncConflict
}

// Push applies a batch of offline changes. Individual record failures are
// reported in the response; the call itself only fails for an unknown table,
// a device the caller may not use, or when the session cannot be recorded.
func (s *DefaultService) Push(ctx context.Context, actor models.Actor, req models.PushRequest) (*models.PushResponse, error) {
	table, ok := models.ParseTableName(req.TableName)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownTable, "unknown table %q", req.TableName)
	}
	if err := s.ensureDevice(ctx, actor, req.DeviceID); err != nil {
		return nil, err
	}

	event := &models.SyncEvent{
		ID:        uuid.New().String(),
		DeviceID:  req.DeviceID,
		UserID:    actor.UserID,
		Direction: models.DirectionPush,
		TableName: table,
		Errors:    models.RecordErrors{},
		StartedAt: s.now(),
	}
	var conflicts []models.SyncConflict

	for i, payload := range req.Records {
		if err := ctx.Err(); err != nil {
			for _, rest := range req.Records[i:] {
				id, _ := rest.RecordID()
				event.Errors = append(event.Errors, models.RecordError{RecordID: id, Error: "not processed: " + err.Error()})
			}
			break
		}

		recordID, _ := payload.RecordID()
		res, err := s.pushRecord(ctx, actor, req.DeviceID, table, payload)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"device_id": req.DeviceID,
				"table":     table,
				"record_id": recordID,
			}).WithError(err).Warn("push record failed")
			event.Errors = append(event.Errors, models.RecordError{RecordID: recordID, Error: apperrors.MessageOf(err)})
			continue
		}
		if res.synced {
			event.RecordsSynced++
		}
		if res.conflict != nil {
			res.conflict.SyncEventID = event.ID
			conflicts = append(conflicts, *res.conflict)
			event.ConflictsDetected++
			if res.conflict.Resolved() {
				event.ConflictsResolved++
			}
		}
	}

	completed := s.now()
	event.CompletedAt = &completed
	event.Success = len(event.Errors) == 0

	// The session row is written even when the request was cancelled so the
	// already-applied records stay accounted for.
	if err := s.repo.RecordSyncSession(context.WithoutCancel(ctx), event, conflicts); err != nil {
		return nil, mapError(err, "failed to record sync session")
	}
	s.touchDevice(ctx, req.DeviceID, completed)
	s.audit(ctx, actor, "sync_push", "sync_event", event.ID, req.DeviceID, map[string]interface{}{
		"table_name":         table,
		"records_synced":     event.RecordsSynced,
		"conflicts_detected": event.ConflictsDetected,
		"conflicts_resolved": event.ConflictsResolved,
		"errors":             len(event.Errors),
	})

	s.logger.WithFields(logrus.Fields{
		"sync_event_id": event.ID,
		"device_id":     req.DeviceID,
		"table":         table,
		"synced":        event.RecordsSynced,
		"conflicts":     event.ConflictsDetected,
		"errors":        len(event.Errors),
	}).Info("push completed")

	return &models.PushResponse{
		SyncEventID:       event.ID,
		RecordsSynced:     event.RecordsSynced,
		Conflicts:         event.ConflictsDetected,
		ConflictsResolved: event.ConflictsResolved,
		Errors:            event.Errors,
	}, nil
}

// pushRecord classifies one record against the stored copy and applies it
// with a check-and-set, retrying when another writer got there first.
func (s *DefaultService) pushRecord(
	ctx context.Context,
	actor models.Actor,
	deviceID string,
	table models.TableName,
	payload models.Payload,
) (pushResult, error) {
	recordID, err := payload.RecordID()
	if err != nil {
		return pushResult{}, apperrors.Wrap(apperrors.ErrValidation, err.Error(), err)
	}
	clientVersion, err := payload.Version()
	if err != nil {
		return pushResult{}, apperrors.Wrap(apperrors.ErrValidation, err.Error(), err)
	}
	if table.ServerManaged() {
		return pushResult{}, apperrors.Newf(apperrors.ErrPermission, "table %s is maintained by the server and cannot be pushed", table)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxApplyAttempts; attempt++ {
		current, err := s.repo.GetRecord(ctx, table, recordID)
		if err != nil {
			return pushResult{}, mapError(err, "failed to read record")
		}

		var serverVersion *int64
		if current != nil {
			if current.OwnerID != actor.UserID && !actor.Role.IsManagement() {
				return pushResult{}, apperrors.Newf(apperrors.ErrPermission, "record %s belongs to another user", recordID)
			}
			v := current.Version
			serverVersion = &v
		}

		now := s.now()
		decision := conflict.Classify(table, clientVersion, serverVersion)

		if !decision.Conflict {
			rec := &models.SyncableRecord{
				TableName:    table,
				RecordID:     recordID,
				Version:      conflict.NextVersion(clientVersion, serverVersion),
				Payload:      payload.Clone(),
				OwnerID:      actor.UserID,
				DeviceID:     deviceID,
				LastModified: now,
			}
			if current == nil {
				err = s.repo.CreateRecord(ctx, rec)
			} else {
				rec.OwnerID = current.OwnerID
				err = s.repo.UpdateRecord(ctx, rec, current.Version)
			}
			if errors.Is(err, repository.ErrVersionMismatch) {
				lastErr = err
				continue
			}
			if err != nil {
				return pushResult{}, mapError(err, "failed to apply record")
			}
			return pushResult{synced: true}, nil
		}

		outcome := s.resolver.Resolve(&conflict.Conflict{
			Table:         table,
			RecordID:      recordID,
			ClientVersion: clientVersion,
			ServerVersion: current.Version,
			ClientData:    payload,
			ServerData:    current.Payload,
			Category:      decision.Category,
		})

		sc := &models.SyncConflict{
			ID:            uuid.New().String(),
			TableName:     table,
			RecordID:      recordID,
			ClientVersion: clientVersion,
			ServerVersion: current.Version,
			ClientData:    payload.Clone(),
			ServerData:    current.Payload.Clone(),
			Resolution:    outcome.Resolution,
			IsFinancial:   table.IsFinancial(),
			CreatedAt:     now,
		}
		if outcome.Pending {
			return pushResult{conflict: sc}, nil
		}

		rec := &models.SyncableRecord{
			TableName:    table,
			RecordID:     recordID,
			Version:      outcome.Version,
			Payload:      outcome.Payload,
			OwnerID:      current.OwnerID,
			DeviceID:     deviceID,
			LastModified: now,
		}
		err = s.repo.UpdateRecord(ctx, rec, current.Version)
		if errors.Is(err, repository.ErrVersionMismatch) {
			lastErr = err
			continue
		}
		if err != nil {
			return pushResult{}, mapError(err, "failed to apply record")
		}

		resolvedBy := models.SystemActorID
		sc.ResolvedData = outcome.Payload.Clone()
		sc.ResolvedBy = &resolvedBy
		sc.ResolvedAt = &now
		return pushResult{synced: true, conflict: sc}, nil
	}

	return pushResult{}, apperrors.Wrap(apperrors.ErrConcurrency,
		fmt.Sprintf("record %s changed concurrently %d times, retry later", recordID, s.maxApplyAttempts), lastErr)
}

// Pull returns the records of a table changed after the caller's last sync.
// Management roles see every owner's records; everyone else sees their own.
func (s *DefaultService) Pull(ctx context.Context, actor models.Actor, req models.PullRequest) (*models.PullResponse, error) {
	table, ok := models.ParseTableName(req.TableName)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownTable, "unknown table %q", req.TableName)
	}
	if req.DeviceID != "" {
		if err := s.ensureDevice(ctx, actor, req.DeviceID); err != nil {
			return nil, err
		}
	}

	var since time.Time
	if req.LastSync != nil {
		since = *req.LastSync
	}
	owner := actor.UserID
	if actor.Role.IsManagement() {
		owner = ""
	}

	// Taken before the read so nothing written during the read is skipped by
	// the client's next pull.
	started := s.now()
	serverTimestamp := started

	cursor := repository.RecordCursor{Since: since, AfterID: req.AfterID}
	records, err := s.repo.ListRecordsSince(ctx, table, owner, cursor, s.pullLimit+1)
	if err != nil {
		return nil, mapError(err, "failed to list records")
	}

	// A truncated page hands back the position of its last row instead, so
	// the next pull resumes there rather than skipping the remainder.
	var nextAfterID string
	hasMore := len(records) > s.pullLimit
	if hasMore {
		records = records[:s.pullLimit]
		last := records[len(records)-1]
		serverTimestamp = last.LastModified
		nextAfterID = last.RecordID
	}

	completed := s.now()
	event := &models.SyncEvent{
		ID:            uuid.New().String(),
		DeviceID:      req.DeviceID,
		UserID:        actor.UserID,
		Direction:     models.DirectionPull,
		TableName:     table,
		RecordsSynced: len(records),
		Errors:        models.RecordErrors{},
		StartedAt:     started,
		CompletedAt:   &completed,
		Success:       true,
	}
	if err := s.repo.RecordSyncSession(context.WithoutCancel(ctx), event, nil); err != nil {
		return nil, mapError(err, "failed to record sync session")
	}
	if req.DeviceID != "" {
		s.touchDevice(ctx, req.DeviceID, completed)
	}

	return &models.PullResponse{
		SyncEventID:     event.ID,
		TableName:       table,
		Records:         records,
		ServerTimestamp: serverTimestamp,
		HasMore:         hasMore,
		NextAfterID:     nextAfterID,
	}, nil
}

// ListConflicts returns the unresolved conflicts, optionally for one table.
func (s *DefaultService) ListConflicts(ctx context.Context, actor models.Actor, table string) ([]models.ConflictSummary, error) {
	if err := requireManagement(actor); err != nil {
		return nil, err
	}

	var t models.TableName
	if table != "" {
		parsed, ok := models.ParseTableName(table)
		if !ok {
			return nil, apperrors.Newf(apperrors.ErrUnknownTable, "unknown table %q", table)
		}
		t = parsed
	}

	conflicts, err := s.repo.ListUnresolvedConflicts(ctx, t, 0)
	if err != nil {
		return nil, mapError(err, "failed to list conflicts")
	}

	out := make([]models.ConflictSummary, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, models.ConflictSummary{
			ID:            c.ID,
			TableName:     c.TableName,
			RecordID:      c.RecordID,
			ClientVersion: c.ClientVersion,
			ServerVersion: c.ServerVersion,
			IsFinancial:   c.IsFinancial,
			CreatedAt:     c.CreatedAt,
		})
	}
	return out, nil
}

// ResolveConflict applies a human decision to a pending conflict. The record
// write and the conflict update happen in one transaction.
func (s *DefaultService) ResolveConflict(
	ctx context.Context,
	actor models.Actor,
	conflictID string,
	req models.ResolveConflictRequest,
) (*models.ResolveConflictResponse, error) {
	if err := requireManagement(actor); err != nil {
		return nil, err
	}

	var written int64
	resolved, err := s.repo.ResolveConflict(ctx, conflictID, func(c *models.SyncConflict, current *models.SyncableRecord) (*repository.ConflictUpdate, error) {
		outcome, err := conflict.ResolveManual(c, req.Resolution, req.ResolvedData)
		if err != nil {
			return nil, err
		}

		now := s.now()
		update := &repository.ConflictUpdate{
			Resolution:   outcome.Resolution,
			ResolvedData: outcome.Data,
			ResolvedBy:   actor.UserID,
			ResolvedAt:   now,
		}
		if !outcome.WriteRecord {
			if current != nil {
				written = current.Version
			}
			return update, nil
		}

		rec := &models.SyncableRecord{
			TableName:    c.TableName,
			RecordID:     c.RecordID,
			Version:      1,
			Payload:      outcome.Data,
			OwnerID:      actor.UserID,
			DeviceID:     "server",
			LastModified: now,
		}
		if current != nil {
			rec.Version = current.Version + 1
			rec.OwnerID = current.OwnerID
		}
		written = rec.Version
		update.Record = rec
		return update, nil
	})
	if err != nil {
		return nil, mapError(err, "failed to resolve conflict")
	}

	s.audit(ctx, actor, "conflict_resolved", "sync_conflict", resolved.ID, "", map[string]interface{}{
		"table_name": resolved.TableName,
		"record_id":  resolved.RecordID,
		"resolution": resolved.Resolution,
		"version":    written,
	})

	return &models.ResolveConflictResponse{
		Status:     "success",
		Message:    "Conflict resolved",
		Resolution: resolved.Resolution,
		Version:    written,
	}, nil
}

func (s *DefaultService) touchDevice(ctx context.Context, deviceID string, at time.Time) {
	if err := s.repo.TouchDevice(context.WithoutCancel(ctx), deviceID, at); err != nil {
		utils.LogError(s.logger, "sync", "touchDevice", "update last_sync_at", deviceID, err)
	}
}
