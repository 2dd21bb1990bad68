package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rongwang/fieldops-server/internal/models"
)

// PostgresRepository implements the Repository interface using PostgreSQL
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{
		db: db,
	}
}

// GetDB returns the underlying database connection
func (r *PostgresRepository) GetDB() *sqlx.DB {
	return r.db
}

// withTx runs fn in a transaction, committing on success and rolling back on
// any error.
func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// advisoryLock serializes transactions on key until the surrounding
// transaction ends.
func advisoryLock(ctx context.Context, tx *sqlx.Tx, key string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func insertSQL(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (:%s)",
		table, strings.Join(cols, ", "), strings.Join(cols, ", :"))
}

func updateSQL(table string, cols []string, where string) string {
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = :%s", c, c))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where)
}

func expectOneRow(res sql.Result, err error, onZero error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return onZero
	}
	return nil
}

// User repository methods
func (r *PostgresRepository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, name, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	// Generate a new UUID if not provided
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, query,
		user.ID, user.Email, user.Name, user.Role, user.IsActive, user.CreatedAt, user.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT * FROM users WHERE id = $1`

	var user models.User
	err := r.db.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, err
	}

	return &user, nil
}

func (r *PostgresRepository) ListActiveUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := r.db.SelectContext(ctx, &users, `SELECT * FROM users WHERE is_active = TRUE ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return users, nil
}

// Record store methods
func (r *PostgresRepository) GetRecord(ctx context.Context, table models.TableName, recordID string) (*models.SyncableRecord, error) {
	return getRecord(ctx, r.db, table, recordID, false)
}

func getRecord(ctx context.Context, q sqlx.QueryerContext, table models.TableName, recordID string, forUpdate bool) (*models.SyncableRecord, error) {
	query := `SELECT * FROM sync_records WHERE table_name = $1 AND record_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var rec models.SyncableRecord
	err := sqlx.GetContext(ctx, q, &rec, query, table, recordID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

const insertRecordSQL = `
	INSERT INTO sync_records (table_name, record_id, version, payload, owner_id, device_id, last_modified, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (table_name, record_id) DO NOTHING
`

const updateRecordSQL = `
	UPDATE sync_records
	SET version = $1, payload = $2, device_id = $3, last_modified = $4
	WHERE table_name = $5 AND record_id = $6 AND version = $7
`

// CreateRecord inserts a new record. It fails with ErrVersionMismatch when
// another writer created the record first.
func (r *PostgresRepository) CreateRecord(ctx context.Context, rec *models.SyncableRecord) error {
	return createRecord(ctx, r.db, rec)
}

func createRecord(ctx context.Context, ex sqlx.ExecerContext, rec *models.SyncableRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.LastModified
	}
	res, err := ex.ExecContext(ctx, insertRecordSQL,
		rec.TableName, rec.RecordID, rec.Version, rec.Payload,
		rec.OwnerID, rec.DeviceID, rec.LastModified, rec.CreatedAt)
	return expectOneRow(res, err, ErrVersionMismatch)
}

// UpdateRecord replaces a record only if its stored version is still
// expectedVersion.
func (r *PostgresRepository) UpdateRecord(ctx context.Context, rec *models.SyncableRecord, expectedVersion int64) error {
	return updateRecord(ctx, r.db, rec, expectedVersion)
}

func updateRecord(ctx context.Context, ex sqlx.ExecerContext, rec *models.SyncableRecord, expectedVersion int64) error {
	res, err := ex.ExecContext(ctx, updateRecordSQL,
		rec.Version, rec.Payload, rec.DeviceID, rec.LastModified,
		rec.TableName, rec.RecordID, expectedVersion)
	return expectOneRow(res, err, ErrVersionMismatch)
}

// UpsertProjection writes a server-side business record, bumping the
// version past any stored copy.
func (r *PostgresRepository) UpsertProjection(ctx context.Context, rec *models.SyncableRecord) error {
	query := `
		INSERT INTO sync_records (table_name, record_id, version, payload, owner_id, device_id, last_modified, created_at)
		VALUES ($1, $2, 1, $3, $4, $5, $6, $6)
		ON CONFLICT (table_name, record_id) DO UPDATE
		SET version = sync_records.version + 1,
			payload = EXCLUDED.payload,
			owner_id = EXCLUDED.owner_id,
			device_id = EXCLUDED.device_id,
			last_modified = EXCLUDED.last_modified
		RETURNING version
	`
	return r.db.QueryRowxContext(ctx, query,
		rec.TableName, rec.RecordID, rec.Payload, rec.OwnerID, rec.DeviceID, rec.LastModified).Scan(&rec.Version)
}

func (r *PostgresRepository) ListRecordsSince(
	ctx context.Context,
	table models.TableName,
	ownerID string,
	cursor RecordCursor,
	limit int,
) ([]models.SyncableRecord, error) {
	query := `SELECT * FROM sync_records WHERE table_name = $1`
	args := []interface{}{table, cursor.Since}

	if cursor.AfterID != "" {
		query += ` AND (last_modified > $2 OR (last_modified = $2 AND record_id > $3))`
		args = append(args, cursor.AfterID)
	} else {
		query += ` AND last_modified > $2`
	}

	if ownerID != "" {
		args = append(args, ownerID)
		query += fmt.Sprintf(` AND owner_id = $%d`, len(args))
	}

	query += fmt.Sprintf(` ORDER BY last_modified ASC, record_id ASC LIMIT %d`, limitOrDefault(limit))

	records := []models.SyncableRecord{}
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, err
	}
	return records, nil
}

// Sync session methods
var syncEventColumns = []string{
	"id", "device_id", "user_id", "direction", "table_name", "records_synced",
	"conflicts_detected", "conflicts_resolved", "errors", "started_at",
	"completed_at", "success",
}

var syncConflictColumns = []string{
	"id", "sync_event_id", "table_name", "record_id", "client_version",
	"server_version", "client_data", "server_data", "resolution",
	"resolved_data", "resolved_by", "resolved_at", "is_financial", "created_at",
}

// RecordSyncSession stores a completed event and the conflicts it produced
// in one transaction.
func (r *PostgresRepository) RecordSyncSession(ctx context.Context, event *models.SyncEvent, conflicts []models.SyncConflict) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertSQL("sync_events", syncEventColumns), event); err != nil {
			return err
		}
		for i := range conflicts {
			c := &conflicts[i]
			if c.ID == "" {
				c.ID = uuid.New().String()
			}
			c.SyncEventID = event.ID
			if _, err := tx.NamedExecContext(ctx, insertSQL("sync_conflicts", syncConflictColumns), c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepository) GetSyncEvent(ctx context.Context, id string) (*models.SyncEvent, error) {
	var event models.SyncEvent
	err := r.db.GetContext(ctx, &event, `SELECT * FROM sync_events WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *PostgresRepository) GetConflict(ctx context.Context, id string) (*models.SyncConflict, error) {
	var c models.SyncConflict
	err := r.db.GetContext(ctx, &c, `SELECT * FROM sync_conflicts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRepository) ListUnresolvedConflicts(ctx context.Context, table models.TableName, limit int) ([]models.SyncConflict, error) {
	query := `SELECT * FROM sync_conflicts WHERE resolved_at IS NULL`
	args := []interface{}{}
	if table != "" {
		query += ` AND table_name = $1`
		args = append(args, table)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limitOrDefault(limit))

	conflicts := []models.SyncConflict{}
	if err := r.db.SelectContext(ctx, &conflicts, query, args...); err != nil {
		return nil, err
	}
	return conflicts, nil
}

// ResolveConflict locks the conflict and its record, lets resolve decide,
// then writes the record and closes the conflict in the same transaction.
func (r *PostgresRepository) ResolveConflict(ctx context.Context, id string, resolve ResolveConflictFunc) (*models.SyncConflict, error) {
	var out models.SyncConflict

	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &out, `SELECT * FROM sync_conflicts WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		current, err := getRecord(ctx, tx, out.TableName, out.RecordID, true)
		if err != nil {
			return err
		}

		upd, err := resolve(&out, current)
		if err != nil {
			return err
		}

		if upd.Record != nil {
			if current == nil {
				err = createRecord(ctx, tx, upd.Record)
			} else {
				err = updateRecord(ctx, tx, upd.Record, current.Version)
			}
			if err != nil {
				return err
			}
		}

		out.Resolution = upd.Resolution
		out.ResolvedData = upd.ResolvedData
		out.ResolvedBy = &upd.ResolvedBy
		out.ResolvedAt = &upd.ResolvedAt

		res, err := tx.ExecContext(ctx, `
			UPDATE sync_conflicts
			SET resolution = $1, resolved_data = $2, resolved_by = $3, resolved_at = $4
			WHERE id = $5 AND resolved_at IS NULL
		`, out.Resolution, out.ResolvedData, upd.ResolvedBy, upd.ResolvedAt, id)
		return expectOneRow(res, err, ErrVersionMismatch)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Device methods

// RegisterDevice inserts dev unless the device id is already known. It
// returns the stored registration and whether it was created.
func (r *PostgresRepository) RegisterDevice(ctx context.Context, dev *models.DeviceRegistration) (*models.DeviceRegistration, bool, error) {
	if dev.ID == "" {
		dev.ID = uuid.New().String()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO device_registrations
			(id, device_id, user_id, device_name, device_type, os_info, browser_info, is_active, last_sync_at, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9)
		ON CONFLICT (device_id) DO NOTHING
	`, dev.ID, dev.DeviceID, dev.UserID, dev.DeviceName, dev.DeviceType,
		dev.OSInfo, dev.BrowserInfo, dev.LastSyncAt, dev.RegisteredAt)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	stored, err := r.GetDevice(ctx, dev.DeviceID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, ErrNotFound
	}
	return stored, n == 1, nil
}

func (r *PostgresRepository) GetDevice(ctx context.Context, deviceID string) (*models.DeviceRegistration, error) {
	var dev models.DeviceRegistration
	err := r.db.GetContext(ctx, &dev, `SELECT * FROM device_registrations WHERE device_id = $1`, deviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &dev, nil
}

func (r *PostgresRepository) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE device_registrations SET last_sync_at = $1 WHERE device_id = $2 AND is_active = TRUE`,
		at, deviceID)
	return expectOneRow(res, err, ErrNotFound)
}

func (r *PostgresRepository) ListDevices(ctx context.Context, userID string) ([]models.DeviceRegistration, error) {
	query := `SELECT * FROM device_registrations`
	args := []interface{}{}
	if userID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY registered_at ASC`

	devices := []models.DeviceRegistration{}
	if err := r.db.SelectContext(ctx, &devices, query, args...); err != nil {
		return nil, err
	}
	return devices, nil
}

// RevokeDevice soft-deletes a registration. Revoking twice is a no-op.
func (r *PostgresRepository) RevokeDevice(ctx context.Context, deviceID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE device_registrations
		SET is_active = FALSE, revoked_at = COALESCE(revoked_at, $1)
		WHERE device_id = $2
	`, at, deviceID)
	return expectOneRow(res, err, ErrNotFound)
}

// AppendAudit writes one audit row.
func (r *PostgresRepository) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if len(entry.Details) == 0 {
		entry.Details = []byte("{}")
	}

	_, err := r.db.NamedExecContext(ctx, insertSQL("audit_logs", []string{
		"id", "user_id", "action", "resource_type", "resource_id", "details", "device_id", "timestamp",
	}), entry)
	return err
}
