package compliance

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	apperrors "github.com/rongwang/fieldops-server/internal/errors"
	"github.com/rongwang/fieldops-server/internal/models"
)

var validate = validator.New()

// DailyLogEvidence is the trigger_data of a missed_daily_log record.
type DailyLogEvidence struct {
	ConsecutiveMissed int      `json:"consecutive_missed" validate:"min=1"`
	MissedDates       []string `json:"missed_dates" validate:"required,min=1,dive,datetime=2006-01-02"`
	CheckDate         string   `json:"check_date" validate:"required,datetime=2006-01-02"`
	WindowStart       string   `json:"window_start" validate:"required,datetime=2006-01-02"`
}

// WeeklyEvidence is the trigger_data of a weekly compliance record.
type WeeklyEvidence struct {
	MissedPlans     int    `json:"missed_plans" validate:"min=0"`
	MissedReports   int    `json:"missed_reports" validate:"min=0"`
	TotalViolations int    `json:"total_violations" validate:"min=1"`
	WindowDays      int    `json:"window_days" validate:"min=1"`
	WindowStart     string `json:"window_start" validate:"required,datetime=2006-01-02"`
	CheckDate       string `json:"check_date" validate:"required,datetime=2006-01-02"`
}

// ValidateEvidence checks an evidence struct before it is stored.
func ValidateEvidence(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s:%s", fe.Field(), fe.Tag()))
			}
			return apperrors.Wrap(apperrors.ErrValidation, "invalid trigger evidence: "+strings.Join(fields, ","), err)
		}
		return apperrors.Wrap(apperrors.ErrValidation, "invalid trigger evidence", err)
	}
	return nil
}

// DailyFinding is a user who crossed the consecutive-miss threshold.
type DailyFinding struct {
	UserID      string
	Evidence    DailyLogEvidence
	WindowStart time.Time
	WindowEnd   time.Time
}

// EvaluateDaily returns a finding when the user's current miss streak reaches
// the threshold, or nil.
func (r Rules) EvaluateDaily(userID string, now time.Time, logged map[string]bool) *DailyFinding {
	start, today := r.DailyWindow(now)
	count, dates := ConsecutiveMisses(today, logged, r.DailyLookbackDays)
	if count < r.ConsecutiveMissThreshold {
		return nil
	}
	return &DailyFinding{
		UserID: userID,
		Evidence: DailyLogEvidence{
			ConsecutiveMissed: count,
			MissedDates:       dates,
			CheckDate:         today.Format(DateLayout),
			WindowStart:       start.Format(DateLayout),
		},
		WindowStart: start,
		WindowEnd:   today,
	}
}

// IdempotencyKey of the finding.
func (f *DailyFinding) IdempotencyKey() string {
	return IdempotencyKey(f.UserID, models.QueryMissedDailyLog, f.WindowStart, f.WindowEnd)
}

// Record builds the disciplinary record for the finding.
func (f *DailyFinding) Record(at time.Time) (*models.DisciplinaryRecord, error) {
	if err := ValidateEvidence(f.Evidence); err != nil {
		return nil, err
	}
	data, err := models.PayloadFrom(f.Evidence)
	if err != nil {
		return nil, err
	}
	key := f.IdempotencyKey()
	return &models.DisciplinaryRecord{
		RecordID:                   models.NewHumanID(models.PrefixDailyQuery),
		UserID:                     f.UserID,
		QueryType:                  models.QueryMissedDailyLog,
		Description:                fmt.Sprintf("%d consecutive missed daily logs detected.", f.Evidence.ConsecutiveMissed),
		Status:                     models.DisciplinaryIssued,
		AutoGenerated:              true,
		IdempotencyKey:             &key,
		TriggerData:                data,
		ConsecutiveCount:           f.Evidence.ConsecutiveMissed,
		PayrollDeductionPercentage: decimal.Zero,
		Version:                    1,
		LastModified:               at,
		CreatedAt:                  at,
	}, nil
}

// WeeklyFinding is a user with late or missed weekly submissions.
type WeeklyFinding struct {
	UserID               string
	Evidence             WeeklyEvidence
	DeductionPct         decimal.Decimal
	RequiresConfirmation bool
	WindowStart          time.Time
	WindowEnd            time.Time
}

// EvaluateWeekly applies the weekly policy to the user's violation counts.
func (r Rules) EvaluateWeekly(userID string, now time.Time, counts models.WeeklyViolationCounts) *WeeklyFinding {
	pct, confirm, ok := WeeklyPolicy(counts.Total())
	if !ok {
		return nil
	}
	start, today := r.WeeklyWindow(now)
	return &WeeklyFinding{
		UserID: userID,
		Evidence: WeeklyEvidence{
			MissedPlans:     counts.Plans,
			MissedReports:   counts.Reports,
			TotalViolations: counts.Total(),
			WindowDays:      r.WeeklyWindowDays,
			WindowStart:     start.Format(DateLayout),
			CheckDate:       today.Format(DateLayout),
		},
		DeductionPct:         pct,
		RequiresConfirmation: confirm,
		WindowStart:          start,
		WindowEnd:            today,
	}
}

// IdempotencyKey of the finding. The rolling window moves every day, so the
// key is the ISO week of the scan: one weekly finding per user per week.
func (f *WeeklyFinding) IdempotencyKey() string {
	year, week := f.WindowEnd.ISOWeek()
	return fmt.Sprintf("%s:%s:%04d-W%02d", f.UserID, models.QueryMissedWeeklyPlan, year, week)
}

// Record builds the disciplinary record for the finding.
func (f *WeeklyFinding) Record(at time.Time) (*models.DisciplinaryRecord, error) {
	if err := ValidateEvidence(f.Evidence); err != nil {
		return nil, err
	}
	data, err := models.PayloadFrom(f.Evidence)
	if err != nil {
		return nil, err
	}
	desc := fmt.Sprintf("%d weekly compliance violations in last %d days.", f.Evidence.TotalViolations, f.Evidence.WindowDays)
	if f.RequiresConfirmation {
		desc += " FLAGGED FOR TERMINATION REVIEW."
	}
	key := f.IdempotencyKey()
	return &models.DisciplinaryRecord{
		RecordID:                       models.NewHumanID(models.PrefixWeeklyQuery),
		UserID:                         f.UserID,
		QueryType:                      models.QueryMissedWeeklyPlan,
		Description:                    desc,
		Status:                         models.DisciplinaryIssued,
		AutoGenerated:                  true,
		IdempotencyKey:                 &key,
		TriggerData:                    data,
		ConsecutiveCount:               f.Evidence.TotalViolations,
		PayrollDeductionPercentage:     f.DeductionPct,
		RequiresManagementConfirmation: f.RequiresConfirmation,
		Version:                        1,
		LastModified:                   at,
		CreatedAt:                      at,
	}, nil
}
