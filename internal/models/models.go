package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// Role is the job function a user acts under.
type Role string

const (
	RoleFactorySupervisor Role = "factory_supervisor"
	RoleSalesManager      Role = "sales_manager"
	RoleMarketer          Role = "marketer"
	RoleCustomerCare      Role = "customer_care"
	RoleAdmin             Role = "admin"
	RoleHRManagement      Role = "hr_management"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleFactorySupervisor, RoleSalesManager, RoleMarketer,
		RoleCustomerCare, RoleAdmin, RoleHRManagement:
		return true
	}
	return false
}

// IsManagement reports whether r may act on other users' compliance data.
func (r Role) IsManagement() bool {
	return r == RoleAdmin || r == RoleHRManagement
}

// User represents a user in the system. Credentials live with the external
// identity provider; this is the directory entry the compliance engine scans.
type User struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	Role      Role      `db:"role" json:"role"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID string
	Role   Role
}

// SystemActorID is recorded as the actor of automatic resolutions.
const SystemActorID = "system"

// Human readable id prefixes.
const (
	PrefixDailyQuery  = "QRY"
	PrefixWeeklyQuery = "WKQ"
	PrefixManualQuery = "DSC"
	PrefixPayroll     = "PAY"
)

// NewHumanID returns prefix followed by eight upper-case hex characters,
// e.g. QRY-1A2B3C4D.
func NewHumanID(prefix string) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "-" + strings.ToUpper(hex[:8])
}

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	ID           string         `db:"id" json:"id"`
	UserID       string         `db:"user_id" json:"user_id"`
	Action       string         `db:"action" json:"action"`
	ResourceType string         `db:"resource_type" json:"resource_type"`
	ResourceID   string         `db:"resource_id" json:"resource_id"`
	Details      types.JSONText `db:"details" json:"details"`
	DeviceID     string         `db:"device_id" json:"device_id"`
	Timestamp    time.Time      `db:"timestamp" json:"timestamp"`
}
