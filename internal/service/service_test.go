package service_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rongwang/fieldops-server/internal/config"
	apperrors "github.com/rongwang/fieldops-server/internal/errors"
	"github.com/rongwang/fieldops-server/internal/lock"
	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/repository"
	"github.com/rongwang/fieldops-server/internal/service"
)

// Thursday evening.
var thursday = time.Date(2024, 3, 14, 18, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	svc   *service.DefaultService
	repo  *repository.MemoryRepository
	clock *clock
	ctx   context.Context

	admin models.Actor
	hr    models.Actor
}

func testConfig() *config.Config {
	return &config.Config{
		Redis: config.RedisConfig{LockTTL: 5 * time.Second},
		Sync:  config.SyncConfig{MaxApplyAttempts: 3, PullLimit: 500},
		Compliance: config.ComplianceConfig{
			Timezone:                 "UTC",
			DailyLookbackDays:        7,
			ConsecutiveMissThreshold: 2,
			WeeklyWindowDays:         90,
			MonthlyQueryCap:          3,
			ScanWorkers:              4,
		},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFixture(t *testing.T, repo repository.Repository) *fixture {
	t.Helper()
	mem, _ := repo.(*repository.MemoryRepository)
	if repo == nil {
		mem = repository.NewMemoryRepository()
		repo = mem
	}
	c := &clock{t: thursday}
	f := &fixture{
		svc:   service.NewDefaultService(repo, testConfig(), service.WithClock(c.Now), service.WithLogger(quietLogger())),
		repo:  mem,
		clock: c,
		ctx:   context.Background(),
	}
	// Management actors have no directory entry so scans only see the
	// users a test creates.
	f.admin = models.Actor{UserID: "admin-1", Role: models.RoleAdmin}
	f.hr = models.Actor{UserID: "hr-1", Role: models.RoleHRManagement}
	return f
}

func (f *fixture) user(t *testing.T, id string, role models.Role) models.Actor {
	t.Helper()
	f.createUser(t, &models.User{ID: id, Email: id + "@example.com", Name: id, Role: role, IsActive: true})
	return models.Actor{UserID: id, Role: role}
}

func (f *fixture) createUser(t *testing.T, u *models.User) {
	t.Helper()
	require.NoError(t, f.repo.CreateUser(f.ctx, u))
}

func (f *fixture) push(t *testing.T, actor models.Actor, device string, table models.TableName, records ...models.Payload) *models.PushResponse {
	t.Helper()
	resp, err := f.svc.Push(f.ctx, actor, models.PushRequest{DeviceID: device, TableName: string(table), Records: records})
	require.NoError(t, err)
	return resp
}

func assertCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperrors.CodeOf(err), err.Error())
}

type failingAuditRepo struct {
	*repository.MemoryRepository
}

func (failingAuditRepo) AppendAudit(context.Context, *models.AuditEntry) error {
	return errors.New("audit sink unavailable")
}

func TestAuditFailureDoesNotFailOperation(t *testing.T) {
	mem := repository.NewMemoryRepository()
	f := newFixture(t, mem)
	svc := service.NewDefaultService(failingAuditRepo{mem}, testConfig(), service.WithClock(f.clock.Now), service.WithLogger(quietLogger()))

	worker := f.user(t, "w1", models.RoleMarketer)
	resp, err := svc.Push(f.ctx, worker, models.PushRequest{
		DeviceID:  "dev-w1",
		TableName: string(models.TableDailyLogs),
		Records:   []models.Payload{{"id": "log-1", "log_date": "2024-03-14"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.RecordsSynced)

	rec, err := mem.GetRecord(f.ctx, models.TableDailyLogs, "log-1")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

type expiredLease struct{}

func (expiredLease) Release(context.Context) error { return errors.New("lock not held") }

type expiringLocker struct{}

func (expiringLocker) Obtain(context.Context, string, time.Duration) (lock.Lease, error) {
	return expiredLease{}, nil
}

func TestLeaseReleaseFailureIsLogged(t *testing.T) {
	mem := repository.NewMemoryRepository()
	f := newFixture(t, mem)
	logger, hook := logtest.NewNullLogger()
	svc := service.NewDefaultService(mem, testConfig(),
		service.WithClock(f.clock.Now), service.WithLogger(logger), service.WithLocker(expiringLocker{}))

	worker := f.user(t, "w1", models.RoleSalesManager)
	rec, err := svc.CalculatePayroll(f.ctx, f.hr, marchPayroll(worker.UserID))
	require.NoError(t, err)
	assert.Equal(t, models.PayrollCalculated, rec.Status)

	var released *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Data["module"] == "lock" {
			released = e
		}
	}
	require.NotNil(t, released, "release failure should be logged")
	assert.Equal(t, logrus.ErrorLevel, released.Level)
	assert.Equal(t, "Release", released.Data["funcName"])
	assert.Contains(t, released.Data["data"], "key")
}

func TestStateChangesAreAudited(t *testing.T) {
	f := newFixture(t, nil)
	worker := f.user(t, "w1", models.RoleMarketer)

	f.push(t, worker, "dev-w1", models.TableDailyLogs, models.Payload{"id": "log-1"})
	_, err := f.svc.RevokeDevice(f.ctx, worker, "dev-w1")
	require.NoError(t, err)

	actions := map[string]bool{}
	for _, e := range f.repo.AuditEntries() {
		actions[e.Action] = true
	}
	assert.True(t, actions["device_registered"])
	assert.True(t, actions["sync_push"])
	assert.True(t, actions["device_revoked"])
}
