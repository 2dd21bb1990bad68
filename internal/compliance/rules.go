// Package compliance holds the pure rules behind the daily-log and weekly
// submission scans. Storage and scheduling live in the service layer.
package compliance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rongwang/fieldops-server/internal/models"
)

// DateLayout is the calendar-day format used in payloads, keys and evidence.
const DateLayout = "2006-01-02"

var (
	weeklyFirstPct  = decimal.NewFromInt(5)
	weeklyRepeatPct = decimal.NewFromInt(20)
)

// Rules are the scan thresholds, taken from config.
type Rules struct {
	Location                 *time.Location
	DailyLookbackDays        int
	ConsecutiveMissThreshold int
	WeeklyWindowDays         int
	MonthlyQueryCap          int
}

// DefaultRules mirrors the config defaults.
func DefaultRules() Rules {
	return Rules{
		Location:                 time.UTC,
		DailyLookbackDays:        7,
		ConsecutiveMissThreshold: 2,
		WeeklyWindowDays:         90,
		MonthlyQueryCap:          3,
	}
}

func (r Rules) loc() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// Day truncates t to midnight in the rules' timezone.
func (r Rules) Day(t time.Time) time.Time {
	t = t.In(r.loc())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, r.loc())
}

// DailyWindow returns the first and last calendar days inspected by a daily
// scan run at now.
func (r Rules) DailyWindow(now time.Time) (time.Time, time.Time) {
	today := r.Day(now)
	return today.AddDate(0, 0, -(r.DailyLookbackDays - 1)), today
}

// WeeklyWindow returns the start of the rolling weekly window and the scan day.
func (r Rules) WeeklyWindow(now time.Time) (time.Time, time.Time) {
	today := r.Day(now)
	return today.AddDate(0, 0, -r.WeeklyWindowDays), today
}

// ConsecutiveMisses walks backward from today over lookbackDays calendar
// days. Weekends are skipped, each weekday without a log is a miss, and the
// walk stops at the first weekday that has one. It returns the count and the
// missed dates, most recent first.
func ConsecutiveMisses(today time.Time, logged map[string]bool, lookbackDays int) (int, []string) {
	var missed []string
	for i := 0; i < lookbackDays; i++ {
		day := today.AddDate(0, 0, -i)
		if isWeekend(day) {
			continue
		}
		key := day.Format(DateLayout)
		if logged[key] {
			break
		}
		missed = append(missed, key)
	}
	return len(missed), missed
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}

// WeeklyPolicy maps a violation total to a deduction percentage. Three or more
// violations keep the 20% ceiling but require management confirmation.
// ok is false when there is nothing to act on.
func WeeklyPolicy(totalViolations int) (pct decimal.Decimal, requiresConfirmation bool, ok bool) {
	switch {
	case totalViolations <= 0:
		return decimal.Zero, false, false
	case totalViolations == 1:
		return weeklyFirstPct, false, true
	case totalViolations == 2:
		return weeklyRepeatPct, false, true
	default:
		return weeklyRepeatPct, true, true
	}
}

// ApplyMonthlyCap locks privileges on rec when it is at least the monthlyCap-th
// auto-generated record of the month. priorAutoCount excludes rec itself.
func ApplyMonthlyCap(rec *models.DisciplinaryRecord, priorAutoCount, monthlyCap int) bool {
	if monthlyCap <= 0 || priorAutoCount+1 < monthlyCap {
		return false
	}
	rec.LockPrivileges()
	return true
}

// IdempotencyKey identifies one finding per user, query type and evaluation
// window, so re-running a scan over the same data finds the existing record.
func IdempotencyKey(userID string, qt models.QueryType, windowStart, windowEnd time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", userID, qt, windowStart.Format(DateLayout), windowEnd.Format(DateLayout))
}

// MonthBounds returns [first day of t's month, first day of next month).
func MonthBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 1, 0)
}
