package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rongwang/fieldops-server/internal/compliance"
	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/payroll"
)

type recordKey struct {
	table models.TableName
	id    string
}

// MemoryRepository is an in-process Repository. A single mutex serializes
// every operation, which gives each method the same atomicity as its
// Postgres transaction. Values are copied in and out.
type MemoryRepository struct {
	mu sync.Mutex

	users        map[string]models.User
	records      map[recordKey]models.SyncableRecord
	events       map[string]models.SyncEvent
	conflicts    map[string]models.SyncConflict
	devices      map[string]models.DeviceRegistration
	disciplinary map[string]models.DisciplinaryRecord
	payrolls     map[string]models.PayrollRecord
	audit        []models.AuditEntry
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:        make(map[string]models.User),
		records:      make(map[recordKey]models.SyncableRecord),
		events:       make(map[string]models.SyncEvent),
		conflicts:    make(map[string]models.SyncConflict),
		devices:      make(map[string]models.DeviceRegistration),
		disciplinary: make(map[string]models.DisciplinaryRecord),
		payrolls:     make(map[string]models.PayrollRecord),
	}
}

func copyRecord(r models.SyncableRecord) models.SyncableRecord {
	r.Payload = r.Payload.Clone()
	return r
}

func copyConflict(c models.SyncConflict) models.SyncConflict {
	c.ClientData = c.ClientData.Clone()
	c.ServerData = c.ServerData.Clone()
	c.ResolvedData = c.ResolvedData.Clone()
	return c
}

func copyDisciplinary(d models.DisciplinaryRecord) models.DisciplinaryRecord {
	d.TriggerData = d.TriggerData.Clone()
	if d.LockedPrivileges != nil {
		d.LockedPrivileges = append(models.Privileges(nil), d.LockedPrivileges...)
	}
	return d
}

func copyPayroll(p models.PayrollRecord) models.PayrollRecord {
	if p.DeductionTriggers != nil {
		p.DeductionTriggers = append(models.DeductionTriggers(nil), p.DeductionTriggers...)
	}
	return p
}

// User methods
func (m *MemoryRepository) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if _, ok := m.users[user.ID]; ok {
		return ErrDuplicate
	}
	for _, u := range m.users {
		if u.Email == user.Email {
			return ErrDuplicate
		}
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	m.users[user.ID] = *user
	return nil
}

func (m *MemoryRepository) GetUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MemoryRepository) ListActiveUsers(_ context.Context) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := []models.User{}
	for _, u := range m.users {
		if u.IsActive {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// Record store methods
func (m *MemoryRepository) GetRecord(_ context.Context, table models.TableName, recordID string) (*models.SyncableRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordKey{table, recordID}]
	if !ok {
		return nil, nil
	}
	out := copyRecord(rec)
	return &out, nil
}

func (m *MemoryRepository) CreateRecord(_ context.Context, rec *models.SyncableRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createRecordLocked(rec)
}

func (m *MemoryRepository) createRecordLocked(rec *models.SyncableRecord) error {
	key := recordKey{rec.TableName, rec.RecordID}
	if _, ok := m.records[key]; ok {
		return ErrVersionMismatch
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.LastModified
	}
	m.records[key] = copyRecord(*rec)
	return nil
}

func (m *MemoryRepository) UpdateRecord(_ context.Context, rec *models.SyncableRecord, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRecordLocked(rec, expectedVersion)
}

func (m *MemoryRepository) updateRecordLocked(rec *models.SyncableRecord, expectedVersion int64) error {
	key := recordKey{rec.TableName, rec.RecordID}
	stored, ok := m.records[key]
	if !ok || stored.Version != expectedVersion {
		return ErrVersionMismatch
	}
	stored.Version = rec.Version
	stored.Payload = rec.Payload.Clone()
	stored.DeviceID = rec.DeviceID
	stored.LastModified = rec.LastModified
	m.records[key] = stored
	return nil
}

func (m *MemoryRepository) UpsertProjection(_ context.Context, rec *models.SyncableRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{rec.TableName, rec.RecordID}
	stored, ok := m.records[key]
	if !ok {
		rec.Version = 1
		rec.CreatedAt = rec.LastModified
		m.records[key] = copyRecord(*rec)
		return nil
	}
	stored.Version++
	stored.Payload = rec.Payload.Clone()
	stored.OwnerID = rec.OwnerID
	stored.DeviceID = rec.DeviceID
	stored.LastModified = rec.LastModified
	m.records[key] = stored
	rec.Version = stored.Version
	return nil
}

func (m *MemoryRepository) ListRecordsSince(
	_ context.Context,
	table models.TableName,
	ownerID string,
	cursor RecordCursor,
	limit int,
) ([]models.SyncableRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.SyncableRecord{}
	for key, rec := range m.records {
		if key.table != table || !cursor.after(rec) {
			continue
		}
		if ownerID != "" && rec.OwnerID != ownerID {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].LastModified.Before(out[j].LastModified)
		}
		return out[i].RecordID < out[j].RecordID
	})
	if limit = limitOrDefault(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Sync session methods
func (m *MemoryRepository) RecordSyncSession(_ context.Context, event *models.SyncEvent, conflicts []models.SyncConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	ev := *event
	ev.Errors = append(models.RecordErrors(nil), event.Errors...)
	m.events[ev.ID] = ev

	for i := range conflicts {
		c := &conflicts[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.SyncEventID = event.ID
		m.conflicts[c.ID] = copyConflict(*c)
	}
	return nil
}

func (m *MemoryRepository) GetSyncEvent(_ context.Context, id string) (*models.SyncEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (m *MemoryRepository) GetConflict(_ context.Context, id string) (*models.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conflicts[id]
	if !ok {
		return nil, nil
	}
	out := copyConflict(c)
	return &out, nil
}

func (m *MemoryRepository) ListUnresolvedConflicts(_ context.Context, table models.TableName, limit int) ([]models.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.SyncConflict{}
	for _, c := range m.conflicts {
		if c.Resolved() || (table != "" && c.TableName != table) {
			continue
		}
		out = append(out, copyConflict(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = limitOrDefault(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ResolveConflict(_ context.Context, id string, resolve ResolveConflictFunc) (*models.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyConflict(stored)

	var current *models.SyncableRecord
	if rec, ok := m.records[recordKey{c.TableName, c.RecordID}]; ok {
		cp := copyRecord(rec)
		current = &cp
	}

	upd, err := resolve(&c, current)
	if err != nil {
		return nil, err
	}
	if c.Resolved() {
		return nil, ErrVersionMismatch
	}

	if upd.Record != nil {
		if current == nil {
			err = m.createRecordLocked(upd.Record)
		} else {
			err = m.updateRecordLocked(upd.Record, current.Version)
		}
		if err != nil {
			return nil, err
		}
	}

	resolvedBy := upd.ResolvedBy
	resolvedAt := upd.ResolvedAt
	c.Resolution = upd.Resolution
	c.ResolvedData = upd.ResolvedData.Clone()
	c.ResolvedBy = &resolvedBy
	c.ResolvedAt = &resolvedAt
	m.conflicts[id] = copyConflict(c)

	return &c, nil
}

// Device methods
func (m *MemoryRepository) RegisterDevice(_ context.Context, dev *models.DeviceRegistration) (*models.DeviceRegistration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stored, ok := m.devices[dev.DeviceID]; ok {
		return &stored, false, nil
	}
	if dev.ID == "" {
		dev.ID = uuid.New().String()
	}
	dev.IsActive = true
	m.devices[dev.DeviceID] = *dev
	out := *dev
	return &out, true, nil
}

func (m *MemoryRepository) GetDevice(_ context.Context, deviceID string) (*models.DeviceRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[deviceID]
	if !ok {
		return nil, nil
	}
	return &dev, nil
}

func (m *MemoryRepository) TouchDevice(_ context.Context, deviceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[deviceID]
	if !ok || !dev.IsActive {
		return ErrNotFound
	}
	dev.LastSyncAt = &at
	m.devices[deviceID] = dev
	return nil
}

func (m *MemoryRepository) ListDevices(_ context.Context, userID string) ([]models.DeviceRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.DeviceRegistration{}
	for _, dev := range m.devices {
		if userID == "" || dev.UserID == userID {
			out = append(out, dev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (m *MemoryRepository) RevokeDevice(_ context.Context, deviceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	dev.IsActive = false
	if dev.RevokedAt == nil {
		dev.RevokedAt = &at
	}
	m.devices[deviceID] = dev
	return nil
}

// Compliance inputs
func (m *MemoryRepository) ListDailyLogDates(_ context.Context, userID string, from, to time.Time) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lo, hi := from.Format(compliance.DateLayout), to.Format(compliance.DateLayout)
	out := make(map[string]bool)
	for key, rec := range m.records {
		if key.table != models.TableDailyLogs || rec.OwnerID != userID {
			continue
		}
		if d, ok := rec.Payload.String("log_date"); ok && d >= lo && d <= hi {
			out[d] = true
		}
	}
	return out, nil
}

func (m *MemoryRepository) CountWeeklyViolations(_ context.Context, userID string, since time.Time) (models.WeeklyViolationCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	floor := since.Format(compliance.DateLayout)
	var counts models.WeeklyViolationCounts
	for key, rec := range m.records {
		if rec.OwnerID != userID {
			continue
		}
		if key.table != models.TableWeeklyPlans && key.table != models.TableWeeklyReports {
			continue
		}
		status, _ := rec.Payload.String("status")
		week, _ := rec.Payload.String("week_start_date")
		if !models.SubmissionStatus(status).IsViolation() || week < floor {
			continue
		}
		if key.table == models.TableWeeklyPlans {
			counts.Plans++
		} else {
			counts.Reports++
		}
	}
	return counts, nil
}

// Disciplinary methods
func (m *MemoryRepository) CreateDisciplinaryRecord(
	_ context.Context,
	userID string,
	idempotencyKey string,
	monthStart time.Time,
	build DisciplinaryBuildFunc,
) (*models.DisciplinaryRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	monthEnd := monthStart.AddDate(0, 1, 0)
	prior := 0
	for _, d := range m.disciplinary {
		if idempotencyKey != "" && d.IdempotencyKey != nil && *d.IdempotencyKey == idempotencyKey {
			out := copyDisciplinary(d)
			return &out, false, nil
		}
		if d.UserID == userID && d.AutoGenerated && !d.CreatedAt.Before(monthStart) && d.CreatedAt.Before(monthEnd) {
			prior++
		}
	}

	rec, err := build(prior)
	if err != nil {
		return nil, false, err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	for _, d := range m.disciplinary {
		if d.RecordID == rec.RecordID {
			return nil, false, ErrDuplicate
		}
	}
	m.disciplinary[rec.ID] = copyDisciplinary(*rec)
	return rec, true, nil
}

func (m *MemoryRepository) findDisciplinaryLocked(id string) (models.DisciplinaryRecord, bool) {
	if d, ok := m.disciplinary[id]; ok {
		return d, true
	}
	for _, d := range m.disciplinary {
		if d.RecordID == id {
			return d, true
		}
	}
	return models.DisciplinaryRecord{}, false
}

func (m *MemoryRepository) GetDisciplinaryRecord(_ context.Context, id string) (*models.DisciplinaryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.findDisciplinaryLocked(id)
	if !ok {
		return nil, nil
	}
	out := copyDisciplinary(d)
	return &out, nil
}

func (m *MemoryRepository) ListDisciplinaryRecords(_ context.Context, filter DisciplinaryFilter) ([]models.DisciplinaryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.DisciplinaryRecord{}
	for _, d := range m.disciplinary {
		if filter.UserID == "" || d.UserID == filter.UserID {
			out = append(out, copyDisciplinary(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryRepository) UpdateDisciplinaryRecord(
	_ context.Context,
	id string,
	mutate func(*models.DisciplinaryRecord) error,
) (*models.DisciplinaryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.findDisciplinaryLocked(id)
	if !ok {
		return nil, ErrNotFound
	}
	rec := copyDisciplinary(stored)
	if err := mutate(&rec); err != nil {
		return nil, err
	}
	m.disciplinary[rec.ID] = copyDisciplinary(rec)
	return &rec, nil
}

// Payroll methods
func (m *MemoryRepository) CalculatePayroll(_ context.Context, window payroll.Window, build PayrollBuildFunc) (*models.PayrollRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *models.PayrollRecord
	for _, p := range m.payrolls {
		if p.UserID == window.UserID && p.Month == window.Month && p.Year == window.Year {
			cp := copyPayroll(p)
			existing = &cp
			break
		}
	}
	if existing != nil && existing.Status.Immutable() {
		return nil, models.ErrPayrollImmutable
	}

	unconsumed := []models.DisciplinaryRecord{}
	for _, d := range m.disciplinary {
		if d.UserID != window.UserID || d.CreatedAt.Before(window.Start) || !d.CreatedAt.Before(window.End) {
			continue
		}
		if d.HasDeduction() {
			unconsumed = append(unconsumed, copyDisciplinary(d))
		}
	}
	sort.Slice(unconsumed, func(i, j int) bool { return unconsumed[i].CreatedAt.Before(unconsumed[j].CreatedAt) })

	rec, err := build(existing, unconsumed)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		rec.ID = existing.ID
	} else if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	for _, id := range newlyBilled(rec, unconsumed) {
		d := m.disciplinary[id]
		d.DeductionApplied = true
		d.Version++
		d.LastModified = rec.LastModified
		m.disciplinary[id] = d
	}
	m.payrolls[rec.ID] = copyPayroll(*rec)
	return rec, nil
}

func (m *MemoryRepository) findPayrollLocked(id string) (models.PayrollRecord, bool) {
	if p, ok := m.payrolls[id]; ok {
		return p, true
	}
	for _, p := range m.payrolls {
		if p.PayrollID == id {
			return p, true
		}
	}
	return models.PayrollRecord{}, false
}

func (m *MemoryRepository) GetPayrollRecord(_ context.Context, id string) (*models.PayrollRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.findPayrollLocked(id)
	if !ok {
		return nil, nil
	}
	out := copyPayroll(p)
	return &out, nil
}

func (m *MemoryRepository) ListPayrollRecords(_ context.Context, filter PayrollFilter) ([]models.PayrollRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.PayrollRecord{}
	for _, p := range m.payrolls {
		if filter.UserID != "" && p.UserID != filter.UserID {
			continue
		}
		if filter.Month > 0 && p.Month != filter.Month {
			continue
		}
		if filter.Year > 0 && p.Year != filter.Year {
			continue
		}
		out = append(out, copyPayroll(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year > out[j].Year
		}
		if out[i].Month != out[j].Month {
			return out[i].Month > out[j].Month
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryRepository) UpdatePayrollRecord(
	_ context.Context,
	id string,
	mutate func(*models.PayrollRecord) error,
) (*models.PayrollRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.findPayrollLocked(id)
	if !ok {
		return nil, ErrNotFound
	}
	rec := copyPayroll(stored)
	if err := mutate(&rec); err != nil {
		return nil, err
	}
	m.payrolls[rec.ID] = copyPayroll(rec)
	return &rec, nil
}

// AppendAudit stores one audit entry.
func (m *MemoryRepository) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	m.audit = append(m.audit, *entry)
	return nil
}

// AuditEntries returns a copy of the audit trail.
func (m *MemoryRepository) AuditEntries() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEntry(nil), m.audit...)
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit = limitOrDefault(limit); len(items) > limit {
		items = items[:limit]
	}
	return items
}
