package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// QueryType classifies why a disciplinary record was raised.
type QueryType string

const (
	QueryMissedDailyLog            QueryType = "missed_daily_log"
	QueryMissedWeeklyPlan          QueryType = "missed_weekly_plan"
	QueryMissedWeeklyReport        QueryType = "missed_weekly_report"
	QueryPerformanceBelowThreshold QueryType = "performance_below_threshold"
	QueryPolicyViolation           QueryType = "policy_violation"
	QueryCustom                    QueryType = "custom"
)

// Valid reports whether q is a known query type.
func (q QueryType) Valid() bool {
	switch q {
	case QueryMissedDailyLog, QueryMissedWeeklyPlan, QueryMissedWeeklyReport,
		QueryPerformanceBelowThreshold, QueryPolicyViolation, QueryCustom:
		return true
	}
	return false
}

// DisciplinaryStatus is the state of a DisciplinaryRecord.
type DisciplinaryStatus string

const (
	DisciplinaryIssued       DisciplinaryStatus = "issued"
	DisciplinaryAcknowledged DisciplinaryStatus = "acknowledged"
	DisciplinaryAppealed     DisciplinaryStatus = "appealed"
	DisciplinaryUnderReview  DisciplinaryStatus = "under_review"
	DisciplinaryResolved     DisciplinaryStatus = "resolved"
	DisciplinaryEscalated    DisciplinaryStatus = "escalated"
)

var disciplinaryTransitions = map[DisciplinaryStatus][]DisciplinaryStatus{
	DisciplinaryIssued: {
		DisciplinaryAcknowledged, DisciplinaryAppealed,
		DisciplinaryResolved, DisciplinaryEscalated,
	},
	DisciplinaryAcknowledged: {
		DisciplinaryAppealed, DisciplinaryResolved, DisciplinaryEscalated,
	},
	DisciplinaryAppealed: {
		DisciplinaryAcknowledged, DisciplinaryUnderReview,
		DisciplinaryResolved, DisciplinaryEscalated,
	},
	DisciplinaryUnderReview: {
		DisciplinaryResolved, DisciplinaryEscalated,
	},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s DisciplinaryStatus) CanTransitionTo(next DisciplinaryStatus) bool {
	for _, allowed := range disciplinaryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s DisciplinaryStatus) Terminal() bool {
	return s == DisciplinaryResolved || s == DisciplinaryEscalated
}

// Privilege is a capability that can be locked by repeated violations.
type Privilege string

const (
	PrivilegeSensitiveDataAccess Privilege = "sensitive_data_access"
	PrivilegeFinancialOperations Privilege = "financial_operations"
)

// LockablePrivileges is the fixed set revoked by the monthly query cap.
var LockablePrivileges = []Privilege{PrivilegeSensitiveDataAccess, PrivilegeFinancialOperations}

// Privileges is stored as a JSON column.
type Privileges []Privilege

// Value implements driver.Valuer.
func (p Privileges) Value() (driver.Value, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return jsonValue([]Privilege(p))
}

// Scan implements sql.Scanner.
func (p *Privileges) Scan(src interface{}) error {
	return jsonScan(src, (*[]Privilege)(p))
}

var (
	// ErrInvalidTransition is returned for a state change the machine forbids.
	ErrInvalidTransition = errors.New("invalid disciplinary transition")
	// ErrNotSubject is returned when someone other than the subject acts on a record.
	ErrNotSubject = errors.New("only the subject of the record may perform this action")
)

// DisciplinaryRecord is a query or disciplinary action against one user.
type DisciplinaryRecord struct {
	ID             string             `db:"id" json:"id"`
	RecordID       string             `db:"record_id" json:"record_id"`
	UserID         string             `db:"user_id" json:"user_id"`
	QueryType      QueryType          `db:"query_type" json:"query_type"`
	Description    string             `db:"description" json:"description"`
	Status         DisciplinaryStatus `db:"status" json:"status"`
	AutoGenerated  bool               `db:"auto_generated" json:"auto_generated"`
	IdempotencyKey *string            `db:"idempotency_key" json:"-"`

	TriggerData      Payload `db:"trigger_data" json:"trigger_data"`
	ConsecutiveCount int     `db:"consecutive_count" json:"consecutive_count"`

	PayrollDeductionPercentage decimal.Decimal `db:"payroll_deduction_percentage" json:"payroll_deduction_percentage"`
	DeductionApplied           bool            `db:"deduction_applied" json:"deduction_applied"`

	PrivilegesLocked bool       `db:"privileges_locked" json:"privileges_locked"`
	LockedPrivileges Privileges `db:"locked_privileges" json:"locked_privileges"`

	AppealSubmitted bool       `db:"appeal_submitted" json:"appeal_submitted"`
	AppealText      *string    `db:"appeal_text" json:"appeal_text"`
	AppealDate      *time.Time `db:"appeal_date" json:"appeal_date"`

	RequiresManagementConfirmation bool       `db:"requires_management_confirmation" json:"requires_management_confirmation"`
	ManagementConfirmed            bool       `db:"management_confirmed" json:"management_confirmed"`
	ManagementConfirmedBy          *string    `db:"management_confirmed_by" json:"management_confirmed_by"`
	ManagementConfirmedAt          *time.Time `db:"management_confirmed_at" json:"management_confirmed_at"`
	ManagementNotes                *string    `db:"management_notes" json:"management_notes"`

	AcknowledgedAt   *time.Time `db:"acknowledged_at" json:"acknowledged_at"`
	DigitalSignature *string    `db:"digital_signature" json:"digital_signature,omitempty"`

	Version      int64     `db:"version" json:"version"`
	LastModified time.Time `db:"last_modified" json:"last_modified"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

func (r *DisciplinaryRecord) transition(next DisciplinaryStatus, at time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	r.Version++
	r.LastModified = at
	return nil
}

// Acknowledge records the subject's signed acknowledgement.
func (r *DisciplinaryRecord) Acknowledge(actorID, signature string, at time.Time) error {
	if actorID != r.UserID {
		return ErrNotSubject
	}
	if err := r.transition(DisciplinaryAcknowledged, at); err != nil {
		return err
	}
	r.AcknowledgedAt = &at
	r.DigitalSignature = &signature
	return nil
}

// Appeal records the subject's appeal.
func (r *DisciplinaryRecord) Appeal(actorID, text string, at time.Time) error {
	if actorID != r.UserID {
		return ErrNotSubject
	}
	if err := r.transition(DisciplinaryAppealed, at); err != nil {
		return err
	}
	r.AppealSubmitted = true
	r.AppealText = &text
	r.AppealDate = &at
	return nil
}

// StartReview moves an appealed record under management review.
func (r *DisciplinaryRecord) StartReview(at time.Time) error {
	return r.transition(DisciplinaryUnderReview, at)
}

// ManagementConfirm closes the record: confirmed escalates, otherwise resolves.
func (r *DisciplinaryRecord) ManagementConfirm(actorID string, confirmed bool, notes string, at time.Time) error {
	next := DisciplinaryResolved
	if confirmed {
		next = DisciplinaryEscalated
	}
	if err := r.transition(next, at); err != nil {
		return err
	}
	r.ManagementConfirmed = confirmed
	r.ManagementConfirmedBy = &actorID
	r.ManagementConfirmedAt = &at
	if notes != "" {
		r.ManagementNotes = &notes
	}
	return nil
}

// LockPrivileges applies the fixed privilege lock and the confirmation gate.
func (r *DisciplinaryRecord) LockPrivileges() {
	r.PrivilegesLocked = true
	r.LockedPrivileges = append(Privileges(nil), LockablePrivileges...)
	r.RequiresManagementConfirmation = true
}

// HasDeduction reports whether the record carries an unconsumed payroll deduction.
func (r *DisciplinaryRecord) HasDeduction() bool {
	return r.PayrollDeductionPercentage.IsPositive() && !r.DeductionApplied
}
