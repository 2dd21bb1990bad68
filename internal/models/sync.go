package models

import (
	"database/sql/driver"
	"time"
)

// TableName is one of the fixed syncable tables.
type TableName string

const (
	TableDailyLogs           TableName = "daily_logs"
	TableWeeklyPlans         TableName = "weekly_plans"
	TableWeeklyReports       TableName = "weekly_reports"
	TableInventory           TableName = "inventory"
	TableTransfers           TableName = "transfers"
	TableOrders              TableName = "orders"
	TablePayroll             TableName = "payroll"
	TableDisciplinaryActions TableName = "disciplinary_actions"
)

// SyncableTables is the push/pull whitelist.
var SyncableTables = []TableName{
	TableDailyLogs, TableWeeklyPlans, TableWeeklyReports,
	TableInventory, TableTransfers, TableOrders,
	TablePayroll, TableDisciplinaryActions,
}

// ParseTableName validates s against the whitelist.
func ParseTableName(s string) (TableName, bool) {
	for _, t := range SyncableTables {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// IsFinancial reports whether conflicts on t must never be auto-merged.
func (t TableName) IsFinancial() bool {
	switch t {
	case TableOrders, TableTransfers, TablePayroll, TableInventory:
		return true
	}
	return false
}

// ServerManaged reports whether t mirrors server-side records. Devices pull
// these tables but never push to them.
func (t TableName) ServerManaged() bool {
	return t == TablePayroll || t == TableDisciplinaryActions
}

// SyncDirection of a sync session.
type SyncDirection string

const (
	DirectionPush SyncDirection = "push"
	DirectionPull SyncDirection = "pull"
)

// ConflictResolution is the outcome recorded on a SyncConflict.
type ConflictResolution string

const (
	ResolutionLastWriteWins ConflictResolution = "last_write_wins"
	ResolutionManualReview  ConflictResolution = "manual_review"
	ResolutionClientWins    ConflictResolution = "client_wins"
	ResolutionServerWins    ConflictResolution = "server_wins"
	ResolutionMerged        ConflictResolution = "merged"
)

// ConflictChoice is what a human resolver picks for a pending conflict.
type ConflictChoice string

const (
	ChoiceClient ConflictChoice = "client"
	ChoiceServer ConflictChoice = "server"
	ChoiceMerge  ConflictChoice = "merge"
)

// SyncableRecord is the authoritative server copy of a synced business row.
type SyncableRecord struct {
	TableName    TableName `db:"table_name" json:"table_name"`
	RecordID     string    `db:"record_id" json:"record_id"`
	Version      int64     `db:"version" json:"version"`
	Payload      Payload   `db:"payload" json:"payload"`
	OwnerID      string    `db:"owner_id" json:"owner_id"`
	DeviceID     string    `db:"device_id" json:"device_id"`
	LastModified time.Time `db:"last_modified" json:"last_modified"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Financial reports whether the record belongs to a financial table.
func (r *SyncableRecord) Financial() bool {
	return r.TableName.IsFinancial()
}

// RecordError is a per-record failure inside a push batch.
type RecordError struct {
	RecordID string `json:"record_id"`
	Error    string `json:"error"`
}

// RecordErrors is stored as a JSON column.
type RecordErrors []RecordError

// Value implements driver.Valuer.
func (e RecordErrors) Value() (driver.Value, error) {
	if e == nil {
		return []byte("[]"), nil
	}
	return jsonValue([]RecordError(e))
}

// Scan implements sql.Scanner.
func (e *RecordErrors) Scan(src interface{}) error {
	return jsonScan(src, (*[]RecordError)(e))
}

// SyncEvent is the audit record of one push or pull session.
type SyncEvent struct {
	ID                string        `db:"id" json:"id"`
	DeviceID          string        `db:"device_id" json:"device_id"`
	UserID            string        `db:"user_id" json:"user_id"`
	Direction         SyncDirection `db:"direction" json:"direction"`
	TableName         TableName     `db:"table_name" json:"table_name"`
	RecordsSynced     int           `db:"records_synced" json:"records_synced"`
	ConflictsDetected int           `db:"conflicts_detected" json:"conflicts_detected"`
	ConflictsResolved int           `db:"conflicts_resolved" json:"conflicts_resolved"`
	Errors            RecordErrors  `db:"errors" json:"errors"`
	StartedAt         time.Time     `db:"started_at" json:"started_at"`
	CompletedAt       *time.Time    `db:"completed_at" json:"completed_at"`
	Success           bool          `db:"success" json:"success"`
}

// SyncConflict holds both sides of a version conflict.
type SyncConflict struct {
	ID            string             `db:"id" json:"id"`
	SyncEventID   string             `db:"sync_event_id" json:"sync_event_id"`
	TableName     TableName          `db:"table_name" json:"table_name"`
	RecordID      string             `db:"record_id" json:"record_id"`
	ClientVersion int64              `db:"client_version" json:"client_version"`
	ServerVersion int64              `db:"server_version" json:"server_version"`
	ClientData    Payload            `db:"client_data" json:"client_data"`
	ServerData    Payload            `db:"server_data" json:"server_data"`
	Resolution    ConflictResolution `db:"resolution" json:"resolution"`
	ResolvedData  Payload            `db:"resolved_data" json:"resolved_data,omitempty"`
	ResolvedBy    *string            `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time         `db:"resolved_at" json:"resolved_at,omitempty"`
	IsFinancial   bool               `db:"is_financial" json:"is_financial"`
	CreatedAt     time.Time          `db:"created_at" json:"created_at"`
}

// Resolved reports whether the conflict has been closed.
func (c *SyncConflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// DeviceRegistration binds a physical device to a user.
type DeviceRegistration struct {
	ID           string     `db:"id" json:"id"`
	DeviceID     string     `db:"device_id" json:"device_id"`
	UserID       string     `db:"user_id" json:"user_id"`
	DeviceName   string     `db:"device_name" json:"device_name"`
	DeviceType   string     `db:"device_type" json:"device_type"`
	OSInfo       string     `db:"os_info" json:"os_info"`
	BrowserInfo  string     `db:"browser_info" json:"browser_info"`
	IsActive     bool       `db:"is_active" json:"is_active"`
	LastSyncAt   *time.Time `db:"last_sync_at" json:"last_sync_at"`
	RegisteredAt time.Time  `db:"registered_at" json:"registered_at"`
	RevokedAt    *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// SubmissionStatus is the lifecycle of daily logs and weekly plans/reports.
type SubmissionStatus string

const (
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionValidated SubmissionStatus = "validated"
	SubmissionReviewed  SubmissionStatus = "reviewed"
	SubmissionLate      SubmissionStatus = "late"
	SubmissionMissed    SubmissionStatus = "missed"
)

// IsViolation reports whether the status counts against weekly compliance.
func (s SubmissionStatus) IsViolation() bool {
	return s == SubmissionLate || s == SubmissionMissed
}

// WeeklyViolationCounts are the late or missed weekly submissions of one
// user inside the compliance window.
type WeeklyViolationCounts struct {
	Plans   int `db:"plans" json:"missed_plans"`
	Reports int `db:"reports" json:"missed_reports"`
}

// Total is the combined violation count.
func (c WeeklyViolationCounts) Total() int {
	return c.Plans + c.Reports
}
