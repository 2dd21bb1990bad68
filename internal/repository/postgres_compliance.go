package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rongwang/fieldops-server/internal/compliance"
	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/payroll"
)

var disciplinaryColumns = []string{
	"id", "record_id", "user_id", "query_type", "description", "status",
	"auto_generated", "idempotency_key", "trigger_data", "consecutive_count",
	"payroll_deduction_percentage", "deduction_applied", "privileges_locked",
	"locked_privileges", "appeal_submitted", "appeal_text", "appeal_date",
	"requires_management_confirmation", "management_confirmed",
	"management_confirmed_by", "management_confirmed_at", "management_notes",
	"acknowledged_at", "digital_signature", "version", "last_modified", "created_at",
}

var payrollColumns = []string{
	"id", "payroll_id", "user_id", "month", "year", "salary_base", "kpi_bonus",
	"call_allowance", "transport_allowance", "other_allowances",
	"compliance_deduction", "compliance_deduction_pct", "tax_deduction",
	"insurance_deduction", "other_deductions", "deduction_triggers",
	"gross_pay", "total_deductions", "net_pay", "status", "approved_by",
	"approved_at", "paid_at", "notes", "version", "last_modified", "created_at",
}

// ListDailyLogDates returns the YYYY-MM-DD dates in [from, to] on which the
// user has a daily log.
func (r *PostgresRepository) ListDailyLogDates(ctx context.Context, userID string, from, to time.Time) (map[string]bool, error) {
	query := `
		SELECT DISTINCT payload->>'log_date'
		FROM sync_records
		WHERE table_name = $1 AND owner_id = $2
			AND payload->>'log_date' BETWEEN $3 AND $4
	`

	var dates []string
	err := r.db.SelectContext(ctx, &dates, query,
		models.TableDailyLogs, userID, from.Format(compliance.DateLayout), to.Format(compliance.DateLayout))
	if err != nil {
		return nil, err
	}

	out := make(map[string]bool, len(dates))
	for _, d := range dates {
		out[d] = true
	}
	return out, nil
}

// CountWeeklyViolations counts late or missed weekly plans and reports whose
// week starts on or after since.
func (r *PostgresRepository) CountWeeklyViolations(ctx context.Context, userID string, since time.Time) (models.WeeklyViolationCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE table_name = $1) AS plans,
			COUNT(*) FILTER (WHERE table_name = $2) AS reports
		FROM sync_records
		WHERE table_name IN ($1, $2)
			AND owner_id = $3
			AND payload->>'status' = ANY($4)
			AND payload->>'week_start_date' >= $5
	`

	var counts models.WeeklyViolationCounts
	err := r.db.GetContext(ctx, &counts, query,
		models.TableWeeklyPlans, models.TableWeeklyReports, userID,
		pq.Array([]string{string(models.SubmissionLate), string(models.SubmissionMissed)}),
		since.Format(compliance.DateLayout))
	return counts, err
}

// CreateDisciplinaryRecord creates a record under a per-user lock. When
// idempotencyKey already exists the stored record is returned with
// created=false and build is not called.
func (r *PostgresRepository) CreateDisciplinaryRecord(
	ctx context.Context,
	userID string,
	idempotencyKey string,
	monthStart time.Time,
	build DisciplinaryBuildFunc,
) (*models.DisciplinaryRecord, bool, error) {
	var out *models.DisciplinaryRecord
	created := false

	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := advisoryLock(ctx, tx, "disciplinary:"+userID); err != nil {
			return err
		}

		if idempotencyKey != "" {
			var existing models.DisciplinaryRecord
			err := tx.GetContext(ctx, &existing,
				`SELECT * FROM disciplinary_records WHERE idempotency_key = $1`, idempotencyKey)
			if err == nil {
				out = &existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		var prior int
		err := tx.GetContext(ctx, &prior, `
			SELECT COUNT(*) FROM disciplinary_records
			WHERE user_id = $1 AND auto_generated = TRUE
				AND created_at >= $2 AND created_at < $3
		`, userID, monthStart, monthStart.AddDate(0, 1, 0))
		if err != nil {
			return err
		}

		rec, err := build(prior)
		if err != nil {
			return err
		}
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}

		if _, err := tx.NamedExecContext(ctx, insertSQL("disciplinary_records", disciplinaryColumns), rec); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		out = rec
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// GetDisciplinaryRecord looks a record up by id or human readable record_id.
func (r *PostgresRepository) GetDisciplinaryRecord(ctx context.Context, id string) (*models.DisciplinaryRecord, error) {
	var rec models.DisciplinaryRecord
	err := r.db.GetContext(ctx, &rec, `SELECT * FROM disciplinary_records WHERE id = $1 OR record_id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *PostgresRepository) ListDisciplinaryRecords(ctx context.Context, filter DisciplinaryFilter) ([]models.DisciplinaryRecord, error) {
	query := `SELECT * FROM disciplinary_records`
	args := []interface{}{}
	if filter.UserID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, filter.UserID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limitOrDefault(filter.Limit), filter.Offset)

	records := []models.DisciplinaryRecord{}
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, err
	}
	return records, nil
}

// UpdateDisciplinaryRecord applies mutate to the row-locked record and saves it.
func (r *PostgresRepository) UpdateDisciplinaryRecord(
	ctx context.Context,
	id string,
	mutate func(*models.DisciplinaryRecord) error,
) (*models.DisciplinaryRecord, error) {
	var rec models.DisciplinaryRecord

	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &rec,
			`SELECT * FROM disciplinary_records WHERE id = $1 OR record_id = $1 FOR UPDATE`, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if err := mutate(&rec); err != nil {
			return err
		}

		_, err = tx.NamedExecContext(ctx, updateSQL("disciplinary_records", disciplinaryColumns, "id = :id"), &rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CalculatePayroll serializes on (user, month, year), locks the existing
// payroll and the unconsumed triggers, lets build compute the result, then
// saves it and marks the newly billed triggers consumed in one transaction.
func (r *PostgresRepository) CalculatePayroll(ctx context.Context, window payroll.Window, build PayrollBuildFunc) (*models.PayrollRecord, error) {
	var out *models.PayrollRecord

	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		key := fmt.Sprintf("payroll:%s:%d:%d", window.UserID, window.Month, window.Year)
		if err := advisoryLock(ctx, tx, key); err != nil {
			return err
		}

		var existing *models.PayrollRecord
		var row models.PayrollRecord
		err := tx.GetContext(ctx, &row, `
			SELECT * FROM payroll_records
			WHERE user_id = $1 AND month = $2 AND year = $3
			FOR UPDATE
		`, window.UserID, window.Month, window.Year)
		switch {
		case err == nil:
			existing = &row
		case errors.Is(err, sql.ErrNoRows):
		default:
			return err
		}

		if existing != nil && existing.Status.Immutable() {
			return models.ErrPayrollImmutable
		}

		unconsumed := []models.DisciplinaryRecord{}
		err = tx.SelectContext(ctx, &unconsumed, `
			SELECT * FROM disciplinary_records
			WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
				AND payroll_deduction_percentage > 0 AND deduction_applied = FALSE
			ORDER BY created_at ASC
			FOR UPDATE
		`, window.UserID, window.Start, window.End)
		if err != nil {
			return err
		}

		rec, err := build(existing, unconsumed)
		if err != nil {
			return err
		}

		if existing == nil {
			if rec.ID == "" {
				rec.ID = uuid.New().String()
			}
			if _, err := tx.NamedExecContext(ctx, insertSQL("payroll_records", payrollColumns), rec); err != nil {
				if isUniqueViolation(err) {
					return ErrDuplicate
				}
				return err
			}
		} else {
			rec.ID = existing.ID
			if _, err := tx.NamedExecContext(ctx, updateSQL("payroll_records", payrollColumns, "id = :id"), rec); err != nil {
				return err
			}
		}

		newIDs := newlyBilled(rec, unconsumed)
		if len(newIDs) > 0 {
			res, err := tx.ExecContext(ctx, `
				UPDATE disciplinary_records
				SET deduction_applied = TRUE, version = version + 1, last_modified = $2
				WHERE id = ANY($1) AND deduction_applied = FALSE
			`, pq.Array(newIDs), rec.LastModified)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if int(n) != len(newIDs) {
				return fmt.Errorf("%w: deduction trigger consumed concurrently", ErrVersionMismatch)
			}
		}

		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// newlyBilled returns the ids of unconsumed triggers that rec now bills.
func newlyBilled(rec *models.PayrollRecord, unconsumed []models.DisciplinaryRecord) []string {
	pending := make(map[string]bool, len(unconsumed))
	for _, d := range unconsumed {
		pending[d.ID] = true
	}
	var ids []string
	for _, id := range rec.TriggerIDs() {
		if pending[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *PostgresRepository) GetPayrollRecord(ctx context.Context, id string) (*models.PayrollRecord, error) {
	var rec models.PayrollRecord
	err := r.db.GetContext(ctx, &rec, `SELECT * FROM payroll_records WHERE id = $1 OR payroll_id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *PostgresRepository) ListPayrollRecords(ctx context.Context, filter PayrollFilter) ([]models.PayrollRecord, error) {
	query := `SELECT * FROM payroll_records WHERE TRUE`
	args := []interface{}{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	if filter.Month > 0 {
		args = append(args, filter.Month)
		query += fmt.Sprintf(` AND month = $%d`, len(args))
	}
	if filter.Year > 0 {
		args = append(args, filter.Year)
		query += fmt.Sprintf(` AND year = $%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY year DESC, month DESC, created_at DESC LIMIT %d OFFSET %d`,
		limitOrDefault(filter.Limit), filter.Offset)

	records := []models.PayrollRecord{}
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, err
	}
	return records, nil
}

// UpdatePayrollRecord applies mutate to the row-locked payroll and saves it.
func (r *PostgresRepository) UpdatePayrollRecord(
	ctx context.Context,
	id string,
	mutate func(*models.PayrollRecord) error,
) (*models.PayrollRecord, error) {
	var rec models.PayrollRecord

	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &rec,
			`SELECT * FROM payroll_records WHERE id = $1 OR payroll_id = $1 FOR UPDATE`, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if err := mutate(&rec); err != nil {
			return err
		}

		_, err = tx.NamedExecContext(ctx, updateSQL("payroll_records", payrollColumns, "id = :id"), &rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
