package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Request models
type PushRequest struct {
	DeviceID          string     `json:"device_id" binding:"required"`
	TableName         string     `json:"table_name" binding:"required"`
	Records           []Payload  `json:"records" binding:"required"`
	LastSyncTimestamp *time.Time `json:"last_sync_timestamp,omitempty"`
}

type PullRequest struct {
	TableName string     `form:"table_name" binding:"required"`
	LastSync  *time.Time `form:"last_sync" time_format:"2006-01-02T15:04:05Z07:00"`
	AfterID   string     `form:"after_id"`
	DeviceID  string     `form:"device_id"`
}

type ResolveConflictRequest struct {
	Resolution   ConflictChoice `json:"resolution" binding:"required,oneof=client server merge"`
	ResolvedData Payload        `json:"resolved_data,omitempty"`
}

type RegisterDeviceRequest struct {
	DeviceID    string `json:"device_id" binding:"required,max=255"`
	DeviceName  string `json:"device_name" binding:"max=255"`
	DeviceType  string `json:"device_type" binding:"max=100"`
	OSInfo      string `json:"os_info" binding:"max=255"`
	BrowserInfo string `json:"browser_info" binding:"max=255"`
}

type AcknowledgeRequest struct {
	DigitalSignature string `json:"digital_signature" binding:"required"`
}

type AppealRequest struct {
	AppealText       string `json:"appeal_text" binding:"required"`
	DigitalSignature string `json:"digital_signature"`
}

type ManagementConfirmRequest struct {
	Confirmed *bool  `json:"confirmed" binding:"required"`
	Notes     string `json:"notes"`
}

type CreateDisciplinaryRequest struct {
	UserID                         string          `json:"user_id" binding:"required"`
	QueryType                      QueryType       `json:"query_type" binding:"required"`
	Description                    string          `json:"description" binding:"required"`
	PayrollDeductionPercentage     decimal.Decimal `json:"payroll_deduction_percentage"`
	RequiresManagementConfirmation bool            `json:"requires_management_confirmation"`
}

type DisciplinaryListRequest struct {
	UserID   string `form:"user_id"`
	Page     int    `form:"page,default=1" binding:"min=1"`
	PageSize int    `form:"page_size,default=50" binding:"min=1,max=200"`
}

type PayrollCalculateRequest struct {
	UserID             string          `json:"user_id" binding:"required"`
	Month              int             `json:"month" binding:"required,min=1,max=12"`
	Year               int             `json:"year" binding:"required,min=2020"`
	SalaryBase         decimal.Decimal `json:"salary_base"`
	KPIBonus           decimal.Decimal `json:"kpi_bonus"`
	CallAllowance      decimal.Decimal `json:"call_allowance"`
	TransportAllowance decimal.Decimal `json:"transport_allowance"`
	OtherAllowances    decimal.Decimal `json:"other_allowances"`
	TaxDeduction       decimal.Decimal `json:"tax_deduction"`
	InsuranceDeduction decimal.Decimal `json:"insurance_deduction"`
	OtherDeductions    decimal.Decimal `json:"other_deductions"`
	Notes              string          `json:"notes"`
}

type PayrollListRequest struct {
	UserID   string `form:"user_id"`
	Month    int    `form:"month" binding:"min=0,max=12"`
	Year     int    `form:"year"`
	Page     int    `form:"page,default=1" binding:"min=1"`
	PageSize int    `form:"page_size,default=50" binding:"min=1,max=200"`
}

// Response models
type PushResponse struct {
	SyncEventID       string        `json:"sync_event_id"`
	RecordsSynced     int           `json:"records_synced"`
	Conflicts         int           `json:"conflicts"`
	ConflictsResolved int           `json:"conflicts_resolved"`
	Errors            []RecordError `json:"errors"`
}

// PullResponse is one page of changes. HasMore is set when the page was cut
// at the pull limit; pass server_timestamp and next_after_id back to continue.
type PullResponse struct {
	SyncEventID     string           `json:"sync_event_id"`
	TableName       TableName        `json:"table_name"`
	Records         []SyncableRecord `json:"records"`
	ServerTimestamp time.Time        `json:"server_timestamp"`
	HasMore         bool             `json:"has_more"`
	NextAfterID     string           `json:"next_after_id,omitempty"`
}

type ConflictSummary struct {
	ID            string    `json:"id"`
	TableName     TableName `json:"table_name"`
	RecordID      string    `json:"record_id"`
	ClientVersion int64     `json:"client_version"`
	ServerVersion int64     `json:"server_version"`
	IsFinancial   bool      `json:"is_financial"`
	CreatedAt     time.Time `json:"created_at"`
}

type ResolveConflictResponse struct {
	Status     string             `json:"status"`
	Message    string             `json:"message"`
	Resolution ConflictResolution `json:"resolution"`
	Version    int64              `json:"version,omitempty"`
}

type DeviceResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	DeviceID string `json:"device_id"`
}

// ComplianceFinding is one per-user line of a compliance scan.
type ComplianceFinding struct {
	UserID           string          `json:"user_id"`
	UserName         string          `json:"user"`
	RecordID         string          `json:"record_id"`
	QueryType        QueryType       `json:"query_type"`
	Missed           int             `json:"missed,omitempty"`
	Violations       int             `json:"violations,omitempty"`
	DeductionPct     decimal.Decimal `json:"deduction_pct"`
	TerminationFlag  bool            `json:"termination_flag"`
	PrivilegesLocked bool            `json:"privileges_locked"`
	Duplicate        bool            `json:"duplicate"`
}

type ScanResponse struct {
	Checked   int                 `json:"checked_users"`
	Generated int                 `json:"generated"`
	Skipped   int                 `json:"skipped"`
	Failed    int                 `json:"failed"`
	Details   []ComplianceFinding `json:"details"`
}

type TransitionResponse struct {
	Status   string             `json:"status"`
	Message  string             `json:"message"`
	RecordID string             `json:"record_id"`
	State    DisciplinaryStatus `json:"state"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
