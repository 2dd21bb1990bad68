package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/payroll"
)

var t0 = time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

func newRecord(table models.TableName, id, owner string, version int64, payload models.Payload, at time.Time) *models.SyncableRecord {
	return &models.SyncableRecord{
		TableName:    table,
		RecordID:     id,
		Version:      version,
		Payload:      payload,
		OwnerID:      owner,
		DeviceID:     "dev-1",
		LastModified: at,
	}
}

func TestMemoryRecordCAS(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	rec := newRecord(models.TableDailyLogs, "r1", "u1", 1, models.Payload{"id": "r1", "note": "a"}, t0)
	require.NoError(t, repo.CreateRecord(ctx, rec))
	assert.ErrorIs(t, repo.CreateRecord(ctx, rec), ErrVersionMismatch)

	got, err := repo.GetRecord(ctx, models.TableDailyLogs, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Version)

	// Mutating the returned copy must not leak into the store.
	got.Payload["note"] = "mutated"
	again, _ := repo.GetRecord(ctx, models.TableDailyLogs, "r1")
	assert.Equal(t, "a", again.Payload["note"])

	upd := newRecord(models.TableDailyLogs, "r1", "u1", 2, models.Payload{"id": "r1", "note": "b"}, t0.Add(time.Minute))
	assert.ErrorIs(t, repo.UpdateRecord(ctx, upd, 5), ErrVersionMismatch)
	require.NoError(t, repo.UpdateRecord(ctx, upd, 1))

	again, _ = repo.GetRecord(ctx, models.TableDailyLogs, "r1")
	assert.Equal(t, int64(2), again.Version)
	assert.Equal(t, "b", again.Payload["note"])

	missing, err := repo.GetRecord(ctx, models.TableOrders, "r1")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryListRecordsSince(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	require.NoError(t, repo.CreateRecord(ctx, newRecord(models.TableOrders, "o1", "u1", 1, models.Payload{}, t0)))
	require.NoError(t, repo.CreateRecord(ctx, newRecord(models.TableOrders, "o2", "u2", 1, models.Payload{}, t0.Add(time.Hour))))
	require.NoError(t, repo.CreateRecord(ctx, newRecord(models.TableOrders, "o3", "u1", 1, models.Payload{}, t0.Add(2*time.Hour))))

	all, err := repo.ListRecordsSince(ctx, models.TableOrders, "", RecordCursor{Since: t0}, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "o2", all[0].RecordID)
	assert.Equal(t, "o3", all[1].RecordID)

	mine, err := repo.ListRecordsSince(ctx, models.TableOrders, "u1", RecordCursor{}, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	limited, err := repo.ListRecordsSince(ctx, models.TableOrders, "", RecordCursor{}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryListRecordsSinceCursorTies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.CreateRecord(ctx, newRecord(models.TableDailyLogs, id, "u1", 1, models.Payload{}, t0)))
	}

	page, err := repo.ListRecordsSince(ctx, models.TableDailyLogs, "", RecordCursor{Since: t0.Add(-time.Second)}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[1].RecordID)

	rest, err := repo.ListRecordsSince(ctx, models.TableDailyLogs, "", RecordCursor{Since: page[1].LastModified, AfterID: page[1].RecordID}, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].RecordID)

	none, err := repo.ListRecordsSince(ctx, models.TableDailyLogs, "", RecordCursor{Since: t0}, 2)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryUpsertProjection(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	rec := newRecord(models.TablePayroll, "PAY-1", "u1", 0, models.Payload{"status": "calculated"}, t0)
	require.NoError(t, repo.UpsertProjection(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	rec = newRecord(models.TablePayroll, "PAY-1", "u1", 0, models.Payload{"status": "approved"}, t0.Add(time.Hour))
	require.NoError(t, repo.UpsertProjection(ctx, rec))
	assert.Equal(t, int64(2), rec.Version)

	got, _ := repo.GetRecord(ctx, models.TablePayroll, "PAY-1")
	assert.Equal(t, "approved", got.Payload["status"])
}

func TestMemoryResolveConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	require.NoError(t, repo.CreateRecord(ctx, newRecord(models.TableOrders, "o1", "u1", 2, models.Payload{"qty": 1.0}, t0)))

	event := &models.SyncEvent{DeviceID: "dev-1", UserID: "u1", Direction: models.DirectionPush, TableName: models.TableOrders, StartedAt: t0}
	conflicts := []models.SyncConflict{{
		TableName:     models.TableOrders,
		RecordID:      "o1",
		ClientVersion: 2,
		ServerVersion: 2,
		ClientData:    models.Payload{"qty": 5.0},
		ServerData:    models.Payload{"qty": 1.0},
		Resolution:    models.ResolutionManualReview,
		IsFinancial:   true,
		CreatedAt:     t0,
	}}
	require.NoError(t, repo.RecordSyncSession(ctx, event, conflicts))
	require.NotEmpty(t, event.ID)
	require.NotEmpty(t, conflicts[0].ID)

	pending, err := repo.ListUnresolvedConflicts(ctx, models.TableOrders, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, event.ID, pending[0].SyncEventID)

	resolved, err := repo.ResolveConflict(ctx, conflicts[0].ID, func(c *models.SyncConflict, current *models.SyncableRecord) (*ConflictUpdate, error) {
		require.NotNil(t, current)
		next := *current
		next.Version = current.Version + 1
		next.Payload = c.ClientData.Clone()
		return &ConflictUpdate{
			Resolution:   models.ResolutionClientWins,
			ResolvedData: c.ClientData,
			ResolvedBy:   "admin-1",
			ResolvedAt:   t0.Add(time.Hour),
			Record:       &next,
		}, nil
	})
	require.NoError(t, err)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, models.ResolutionClientWins, resolved.Resolution)

	rec, _ := repo.GetRecord(ctx, models.TableOrders, "o1")
	assert.Equal(t, int64(3), rec.Version)
	assert.Equal(t, 5.0, rec.Payload["qty"])

	pending, _ = repo.ListUnresolvedConflicts(ctx, "", 0)
	assert.Empty(t, pending)

	_, err = repo.ResolveConflict(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDevices(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	dev, created, err := repo.RegisterDevice(ctx, &models.DeviceRegistration{DeviceID: "d1", UserID: "u1", RegisteredAt: t0})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, dev.IsActive)

	again, created, err := repo.RegisterDevice(ctx, &models.DeviceRegistration{DeviceID: "d1", UserID: "u2", RegisteredAt: t0})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "u1", again.UserID)

	require.NoError(t, repo.TouchDevice(ctx, "d1", t0.Add(time.Hour)))
	require.NoError(t, repo.RevokeDevice(ctx, "d1", t0.Add(2*time.Hour)))
	assert.ErrorIs(t, repo.TouchDevice(ctx, "d1", t0), ErrNotFound)
	assert.ErrorIs(t, repo.RevokeDevice(ctx, "nope", t0), ErrNotFound)

	got, err := repo.GetDevice(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.RevokedAt)
	require.NotNil(t, got.LastSyncAt)

	list, err := repo.ListDevices(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryComplianceInputs(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	for i, d := range []string{"2024-03-10", "2024-03-12", "2024-03-20"} {
		id := string(rune('a' + i))
		require.NoError(t, repo.CreateRecord(ctx, newRecord(models.TableDailyLogs, id, "u1", 1, models.Payload{"log_date": d}, t0)))
	}
	require.NoError(t, repo.CreateRecord(ctx, newRecord(models.TableDailyLogs, "x", "u2", 1, models.Payload{"log_date": "2024-03-11"}, t0)))

	dates, err := repo.ListDailyLogDates(ctx, "u1",
		time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"2024-03-10": true, "2024-03-12": true}, dates)

	weekly := []struct {
		table  models.TableName
		id     string
		status string
		week   string
	}{
		{models.TableWeeklyPlans, "p1", "missed", "2024-03-04"},
		{models.TableWeeklyPlans, "p2", "submitted", "2024-03-11"},
		{models.TableWeeklyReports, "w1", "late", "2024-03-11"},
		{models.TableWeeklyReports, "w2", "missed", "2024-02-01"},
	}
	for _, w := range weekly {
		p := models.Payload{"status": w.status, "week_start_date": w.week}
		require.NoError(t, repo.CreateRecord(ctx, newRecord(w.table, w.id, "u1", 1, p, t0)))
	}

	counts, err := repo.CountWeeklyViolations(ctx, "u1", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Plans)
	assert.Equal(t, 1, counts.Reports)
	assert.Equal(t, 2, counts.Total())
}

func TestMemoryCreateDisciplinaryIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	monthStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var calls int
	build := func(prior int) (*models.DisciplinaryRecord, error) {
		calls++
		return &models.DisciplinaryRecord{
			RecordID:      models.NewHumanID(models.PrefixDailyQuery),
			UserID:        "u1",
			QueryType:     models.QueryMissedDailyLog,
			Status:        models.DisciplinaryIssued,
			AutoGenerated: true,
			Version:       1,
			CreatedAt:     t0,
			LastModified:  t0,
		}, nil
	}

	key := "u1:missed_daily_log:2024-03-13:2024-03-15"
	var wg sync.WaitGroup
	results := make([]*models.DisciplinaryRecord, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := key
			rec, _, err := repo.CreateDisciplinaryRecord(ctx, "u1", k, monthStart, func(prior int) (*models.DisciplinaryRecord, error) {
				rec, err := build(prior)
				if rec != nil {
					rec.IdempotencyKey = &k
				}
				return rec, err
			})
			assert.NoError(t, err)
			results[i] = rec
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	for _, r := range results {
		assert.Equal(t, results[0].ID, r.ID)
	}

	// A different key sees one prior auto record this month.
	_, created, err := repo.CreateDisciplinaryRecord(ctx, "u1", "other", monthStart, func(prior int) (*models.DisciplinaryRecord, error) {
		assert.Equal(t, 1, prior)
		return build(prior)
	})
	require.NoError(t, err)
	assert.True(t, created)

	list, err := repo.ListDisciplinaryRecords(ctx, DisciplinaryFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestMemoryUpdateDisciplinary(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	rec, _, err := repo.CreateDisciplinaryRecord(ctx, "u1", "", t0, func(int) (*models.DisciplinaryRecord, error) {
		return &models.DisciplinaryRecord{RecordID: "DSC-00000001", UserID: "u1", Status: models.DisciplinaryIssued, Version: 1, CreatedAt: t0}, nil
	})
	require.NoError(t, err)

	updated, err := repo.UpdateDisciplinaryRecord(ctx, "DSC-00000001", func(d *models.DisciplinaryRecord) error {
		return d.Acknowledge("u1", "sig", t0.Add(time.Hour))
	})
	require.NoError(t, err)
	assert.Equal(t, models.DisciplinaryAcknowledged, updated.Status)
	assert.Equal(t, int64(2), updated.Version)

	_, err = repo.UpdateDisciplinaryRecord(ctx, rec.ID, func(d *models.DisciplinaryRecord) error {
		return d.Acknowledge("u1", "sig", t0)
	})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	stored, _ := repo.GetDisciplinaryRecord(ctx, rec.ID)
	assert.Equal(t, int64(2), stored.Version)

	_, err = repo.UpdateDisciplinaryRecord(ctx, "missing", func(*models.DisciplinaryRecord) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCalculatePayroll(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	window, err := payroll.MonthWindow("u1", 3, 2024, time.UTC)
	require.NoError(t, err)

	_, _, err = repo.CreateDisciplinaryRecord(ctx, "u1", "", window.Start, func(int) (*models.DisciplinaryRecord, error) {
		return &models.DisciplinaryRecord{
			RecordID:                   "WKQ-00000001",
			UserID:                     "u1",
			Status:                     models.DisciplinaryIssued,
			PayrollDeductionPercentage: decimal.NewFromInt(5),
			Version:                    1,
			CreatedAt:                  t0,
		}, nil
	})
	require.NoError(t, err)

	build := func(existing *models.PayrollRecord, unconsumed []models.DisciplinaryRecord) (*models.PayrollRecord, error) {
		rec := &models.PayrollRecord{PayrollID: "PAY-00000001", UserID: "u1", Month: 3, Year: 2024, Status: models.PayrollCalculated, LastModified: t0}
		if existing != nil {
			rec.DeductionTriggers = existing.DeductionTriggers
		}
		rec.DeductionTriggers = append(rec.DeductionTriggers, payroll.TriggersFrom(unconsumed)...)
		return rec, nil
	}

	first, err := repo.CalculatePayroll(ctx, window, build)
	require.NoError(t, err)
	require.Len(t, first.DeductionTriggers, 1)

	d, _ := repo.GetDisciplinaryRecord(ctx, "WKQ-00000001")
	assert.True(t, d.DeductionApplied)

	second, err := repo.CalculatePayroll(ctx, window, build)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.DeductionTriggers, 1)

	_, err = repo.UpdatePayrollRecord(ctx, "PAY-00000001", func(p *models.PayrollRecord) error {
		return p.Approve("admin", t0)
	})
	require.NoError(t, err)

	_, err = repo.CalculatePayroll(ctx, window, build)
	assert.ErrorIs(t, err, models.ErrPayrollImmutable)

	list, err := repo.ListPayrollRecords(ctx, PayrollFilter{UserID: "u1", Year: 2024})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
