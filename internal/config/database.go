package config

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/sirupsen/logrus"
)

// SetupDatabase initializes the database connection
func SetupDatabase(cfg *Config, logger *logrus.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	if cfg.Database.AutoMigrate {
		if err := createTables(db, logger); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}

	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(36) PRIMARY KEY,
		email VARCHAR(255) UNIQUE NOT NULL,
		name VARCHAR(255) NOT NULL,
		role VARCHAR(32) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	// Authoritative copy of every synced business row.
	`CREATE TABLE IF NOT EXISTS sync_records (
		table_name VARCHAR(64) NOT NULL,
		record_id VARCHAR(255) NOT NULL,
		version BIGINT NOT NULL CHECK (version >= 1),
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		owner_id VARCHAR(36) NOT NULL,
		device_id VARCHAR(255) NOT NULL DEFAULT '',
		last_modified TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (table_name, record_id)
	)`,

	`CREATE TABLE IF NOT EXISTS device_registrations (
		id VARCHAR(36) PRIMARY KEY,
		device_id VARCHAR(255) UNIQUE NOT NULL,
		user_id VARCHAR(36) NOT NULL,
		device_name VARCHAR(255) NOT NULL DEFAULT '',
		device_type VARCHAR(100) NOT NULL DEFAULT '',
		os_info VARCHAR(255) NOT NULL DEFAULT '',
		browser_info VARCHAR(255) NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_sync_at TIMESTAMPTZ,
		registered_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS sync_events (
		id VARCHAR(36) PRIMARY KEY,
		device_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(36) NOT NULL,
		direction VARCHAR(8) NOT NULL,
		table_name VARCHAR(64) NOT NULL,
		records_synced INT NOT NULL DEFAULT 0,
		conflicts_detected INT NOT NULL DEFAULT 0,
		conflicts_resolved INT NOT NULL DEFAULT 0,
		errors JSONB NOT NULL DEFAULT '[]'::jsonb,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		success BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE TABLE IF NOT EXISTS sync_conflicts (
		id VARCHAR(36) PRIMARY KEY,
		sync_event_id VARCHAR(36) NOT NULL REFERENCES sync_events(id),
		table_name VARCHAR(64) NOT NULL,
		record_id VARCHAR(255) NOT NULL,
		client_version BIGINT NOT NULL,
		server_version BIGINT NOT NULL,
		client_data JSONB NOT NULL,
		server_data JSONB NOT NULL,
		resolution VARCHAR(32) NOT NULL,
		resolved_data JSONB,
		resolved_by VARCHAR(36),
		resolved_at TIMESTAMPTZ,
		is_financial BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS disciplinary_records (
		id VARCHAR(36) PRIMARY KEY,
		record_id VARCHAR(20) UNIQUE NOT NULL,
		user_id VARCHAR(36) NOT NULL,
		query_type VARCHAR(40) NOT NULL,
		description TEXT NOT NULL,
		status VARCHAR(20) NOT NULL,
		auto_generated BOOLEAN NOT NULL DEFAULT FALSE,
		idempotency_key VARCHAR(255) UNIQUE,
		trigger_data JSONB NOT NULL DEFAULT '{}'::jsonb,
		consecutive_count INT NOT NULL DEFAULT 0,
		payroll_deduction_percentage NUMERIC(5,2) NOT NULL DEFAULT 0,
		deduction_applied BOOLEAN NOT NULL DEFAULT FALSE,
		privileges_locked BOOLEAN NOT NULL DEFAULT FALSE,
		locked_privileges JSONB NOT NULL DEFAULT '[]'::jsonb,
		appeal_submitted BOOLEAN NOT NULL DEFAULT FALSE,
		appeal_text TEXT,
		appeal_date TIMESTAMPTZ,
		requires_management_confirmation BOOLEAN NOT NULL DEFAULT FALSE,
		management_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		management_confirmed_by VARCHAR(36),
		management_confirmed_at TIMESTAMPTZ,
		management_notes TEXT,
		acknowledged_at TIMESTAMPTZ,
		digital_signature TEXT,
		version BIGINT NOT NULL DEFAULT 1,
		last_modified TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS payroll_records (
		id VARCHAR(36) PRIMARY KEY,
		payroll_id VARCHAR(20) UNIQUE NOT NULL,
		user_id VARCHAR(36) NOT NULL,
		month INT NOT NULL CHECK (month BETWEEN 1 AND 12),
		year INT NOT NULL,
		salary_base NUMERIC(14,2) NOT NULL DEFAULT 0,
		kpi_bonus NUMERIC(14,2) NOT NULL DEFAULT 0,
		call_allowance NUMERIC(14,2) NOT NULL DEFAULT 0,
		transport_allowance NUMERIC(14,2) NOT NULL DEFAULT 0,
		other_allowances NUMERIC(14,2) NOT NULL DEFAULT 0,
		compliance_deduction NUMERIC(14,2) NOT NULL DEFAULT 0,
		compliance_deduction_pct NUMERIC(5,2) NOT NULL DEFAULT 0,
		tax_deduction NUMERIC(14,2) NOT NULL DEFAULT 0,
		insurance_deduction NUMERIC(14,2) NOT NULL DEFAULT 0,
		other_deductions NUMERIC(14,2) NOT NULL DEFAULT 0,
		deduction_triggers JSONB NOT NULL DEFAULT '[]'::jsonb,
		gross_pay NUMERIC(14,2) NOT NULL DEFAULT 0,
		total_deductions NUMERIC(14,2) NOT NULL DEFAULT 0,
		net_pay NUMERIC(14,2) NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL,
		approved_by VARCHAR(36),
		approved_at TIMESTAMPTZ,
		paid_at TIMESTAMPTZ,
		notes TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 1,
		last_modified TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, month, year)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id VARCHAR(36) PRIMARY KEY,
		user_id VARCHAR(36) NOT NULL,
		action VARCHAR(64) NOT NULL,
		resource_type VARCHAR(64) NOT NULL,
		resource_id VARCHAR(255) NOT NULL,
		details JSONB NOT NULL DEFAULT '{}'::jsonb,
		device_id VARCHAR(255) NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL
	)`,
}

var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_sync_records_table_modified ON sync_records(table_name, last_modified)",
	"CREATE INDEX IF NOT EXISTS idx_sync_records_owner ON sync_records(table_name, owner_id)",
	"CREATE INDEX IF NOT EXISTS idx_sync_conflicts_unresolved ON sync_conflicts(created_at) WHERE resolved_at IS NULL",
	"CREATE INDEX IF NOT EXISTS idx_device_registrations_user ON device_registrations(user_id)",
	"CREATE INDEX IF NOT EXISTS idx_disciplinary_user_created ON disciplinary_records(user_id, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id)",
}

// createTables creates the necessary tables in the database
func createTables(db *sqlx.DB, logger *logrus.Logger) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			// Indexes are not critical
			logger.WithError(err).WithField("statement", idx).Warn("failed to create index")
		}
	}

	return nil
}
