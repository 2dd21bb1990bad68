package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/payroll"
)

var (
	// ErrNotFound is returned by mutating methods when the target row is absent.
	// Plain getters return (nil, nil) instead.
	ErrNotFound = errors.New("not found")
	// ErrVersionMismatch is returned when a check-and-set lost a race.
	ErrVersionMismatch = errors.New("version mismatch")
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("duplicate")
)

// ConflictUpdate is what a conflict resolution writes back.
type ConflictUpdate struct {
	Resolution   models.ConflictResolution
	ResolvedData models.Payload
	ResolvedBy   string
	ResolvedAt   time.Time
	// Record, when set, replaces the stored copy in the same transaction.
	Record *models.SyncableRecord
}

// ResolveConflictFunc decides a resolution while the conflict and its record
// are locked. current is nil when the record does not exist.
type ResolveConflictFunc func(c *models.SyncConflict, current *models.SyncableRecord) (*ConflictUpdate, error)

// DisciplinaryBuildFunc builds a new record given how many auto-generated
// records the user already has this month.
type DisciplinaryBuildFunc func(priorAutoCount int) (*models.DisciplinaryRecord, error)

// PayrollBuildFunc computes the payroll for a locked (user, month). existing
// is nil on first calculation; unconsumed are the deduction triggers not yet
// billed by any payroll.
type PayrollBuildFunc func(existing *models.PayrollRecord, unconsumed []models.DisciplinaryRecord) (*models.PayrollRecord, error)

// DisciplinaryFilter narrows ListDisciplinaryRecords.
type DisciplinaryFilter struct {
	UserID string
	Limit  int
	Offset int
}

// PayrollFilter narrows ListPayrollRecords. Zero values match everything.
type PayrollFilter struct {
	UserID string
	Month  int
	Year   int
	Limit  int
	Offset int
}

// RecordCursor positions a pull in (last_modified, record_id) order. Rows
// after Since are returned; when AfterID is set, rows at exactly Since with a
// greater record_id are returned too.
type RecordCursor struct {
	Since   time.Time
	AfterID string
}

// after reports whether rec sorts after the cursor.
func (c RecordCursor) after(rec models.SyncableRecord) bool {
	if rec.LastModified.After(c.Since) {
		return true
	}
	return c.AfterID != "" && rec.LastModified.Equal(c.Since) && rec.RecordID > c.AfterID
}

// Repository interface defines the methods that any repository implementation must satisfy
type Repository interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	ListActiveUsers(ctx context.Context) ([]models.User, error)

	// Record store
	GetRecord(ctx context.Context, table models.TableName, recordID string) (*models.SyncableRecord, error)
	CreateRecord(ctx context.Context, rec *models.SyncableRecord) error
	UpdateRecord(ctx context.Context, rec *models.SyncableRecord, expectedVersion int64) error
	UpsertProjection(ctx context.Context, rec *models.SyncableRecord) error
	ListRecordsSince(ctx context.Context, table models.TableName, ownerID string, cursor RecordCursor, limit int) ([]models.SyncableRecord, error)

	// Sync sessions and conflicts
	RecordSyncSession(ctx context.Context, event *models.SyncEvent, conflicts []models.SyncConflict) error
	GetSyncEvent(ctx context.Context, id string) (*models.SyncEvent, error)
	GetConflict(ctx context.Context, id string) (*models.SyncConflict, error)
	ListUnresolvedConflicts(ctx context.Context, table models.TableName, limit int) ([]models.SyncConflict, error)
	ResolveConflict(ctx context.Context, id string, resolve ResolveConflictFunc) (*models.SyncConflict, error)

	// Devices
	RegisterDevice(ctx context.Context, dev *models.DeviceRegistration) (*models.DeviceRegistration, bool, error)
	GetDevice(ctx context.Context, deviceID string) (*models.DeviceRegistration, error)
	TouchDevice(ctx context.Context, deviceID string, at time.Time) error
	ListDevices(ctx context.Context, userID string) ([]models.DeviceRegistration, error)
	RevokeDevice(ctx context.Context, deviceID string, at time.Time) error

	// Compliance inputs
	ListDailyLogDates(ctx context.Context, userID string, from, to time.Time) (map[string]bool, error)
	CountWeeklyViolations(ctx context.Context, userID string, since time.Time) (models.WeeklyViolationCounts, error)

	// Disciplinary records
	CreateDisciplinaryRecord(ctx context.Context, userID, idempotencyKey string, monthStart time.Time, build DisciplinaryBuildFunc) (*models.DisciplinaryRecord, bool, error)
	GetDisciplinaryRecord(ctx context.Context, id string) (*models.DisciplinaryRecord, error)
	ListDisciplinaryRecords(ctx context.Context, filter DisciplinaryFilter) ([]models.DisciplinaryRecord, error)
	UpdateDisciplinaryRecord(ctx context.Context, id string, mutate func(*models.DisciplinaryRecord) error) (*models.DisciplinaryRecord, error)

	// Payroll
	CalculatePayroll(ctx context.Context, window payroll.Window, build PayrollBuildFunc) (*models.PayrollRecord, error)
	GetPayrollRecord(ctx context.Context, id string) (*models.PayrollRecord, error)
	ListPayrollRecords(ctx context.Context, filter PayrollFilter) ([]models.PayrollRecord, error)
	UpdatePayrollRecord(ctx context.Context, id string, mutate func(*models.PayrollRecord) error) (*models.PayrollRecord, error)

	// Audit trail
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
}

const defaultListLimit = 50

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
