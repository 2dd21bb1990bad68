package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rongwang/fieldops-server/internal/config"
	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/repository"
	"github.com/rongwang/fieldops-server/internal/service"
)

type memoryStack struct {
	repo   *repository.MemoryRepository
	closed int
}

func newMemoryStack(t *testing.T) *memoryStack {
	t.Helper()
	repo := repository.NewMemoryRepository()
	for _, u := range []models.User{
		{ID: "w1", Email: "w1@example.com", Name: "Worker", Role: models.RoleMarketer, IsActive: true},
		{ID: "boss", Email: "boss@example.com", Name: "Boss", Role: models.RoleHRManagement, IsActive: false},
	} {
		u := u
		require.NoError(t, repo.CreateUser(context.Background(), &u))
	}
	return &memoryStack{repo: repo}
}

func (m *memoryStack) connect(opts *RootOptions) (*Env, error) {
	cfg := &config.Config{
		Sync: config.SyncConfig{MaxApplyAttempts: 3, PullLimit: 100},
		Compliance: config.ComplianceConfig{
			Timezone:                 "UTC",
			DailyLookbackDays:        7,
			ConsecutiveMissThreshold: 2,
			WeeklyWindowDays:         90,
			MonthlyQueryCap:          3,
			ScanWorkers:              2,
		},
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	now := time.Date(2024, 3, 14, 18, 0, 0, 0, time.UTC)
	svc := service.NewDefaultService(m.repo, cfg, service.WithLogger(logger), service.WithClock(func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}))
	return &Env{
		Service: svc,
		Users:   m.repo,
		Close:   func() error { m.closed++; return nil },
	}, nil
}

func run(t *testing.T, stack *memoryStack, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(stack.connect)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand(newMemoryStack(t).connect)
	assert.Equal(t, "compliancectl", cmd.Use)

	for _, path := range [][]string{
		{"scan", "daily-logs"},
		{"scan", "weekly"},
		{"payroll", "calculate"},
		{"payroll", "approve"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	actorFlag := cmd.PersistentFlags().Lookup("actor")
	require.NotNil(t, actorFlag)
	assert.Equal(t, SystemActor, actorFlag.DefValue)
}

func TestScanDailyLogsJSON(t *testing.T) {
	stack := newMemoryStack(t)

	out, err := run(t, stack, "--format", "json", "scan", "daily-logs")
	require.NoError(t, err, out)

	var resp struct {
		Status string              `json:"status"`
		Data   models.ScanResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Checked)
	assert.Equal(t, 1, resp.Data.Generated)
	assert.Equal(t, 1, stack.closed)

	out, err = run(t, stack, "scan", "daily-logs", "-v")
	require.NoError(t, err)
	assert.Contains(t, out, "checked=1 generated=0 skipped=1 failed=0")
	assert.Contains(t, out, "(existing)")
}

func TestScanWeeklyText(t *testing.T) {
	stack := newMemoryStack(t)

	out, err := run(t, stack, "scan", "weekly")
	require.NoError(t, err)
	assert.Equal(t, "checked=1 generated=0 skipped=0 failed=0\n", out)
}

func TestActorResolution(t *testing.T) {
	stack := newMemoryStack(t)

	out, err := run(t, stack, "--actor", "w1", "scan", "weekly")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "PERMISSION_DENIED")

	_, err = run(t, stack, "--actor", "boss", "scan", "weekly")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an active user")

	_, err = run(t, stack, "--actor", "ghost", "scan", "weekly")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = run(t, stack, "--format", "yaml", "scan", "weekly")
	require.Error(t, err)
}

func TestPayrollCalculateAndApprove(t *testing.T) {
	stack := newMemoryStack(t)

	out, err := run(t, stack, "payroll", "calculate",
		"--user", "w1", "--month", "3", "--year", "2024",
		"--salary-base", "1000", "--kpi-bonus", "200", "--tax", "50")
	require.NoError(t, err, out)
	assert.Contains(t, out, "w1 2024-03 status=calculated")
	assert.Contains(t, out, "gross=1200.00 deductions=50.00 net=1150.00")

	records, err := stack.repo.ListPayrollRecords(context.Background(), repository.PayrollFilter{UserID: "w1"})
	require.NoError(t, err)
	require.Len(t, records, 1)

	out, err = run(t, stack, "--format", "json", "payroll", "approve", "--id", records[0].PayrollID)
	require.NoError(t, err, out)
	var resp struct {
		Data models.PayrollRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, models.PayrollApproved, resp.Data.Status)
	assert.True(t, decimal.NewFromInt(1150).Equal(resp.Data.NetPay))

	out, err = run(t, stack, "payroll", "calculate", "--user", "w1", "--month", "3", "--year", "2024")
	require.Error(t, err)
	assert.Contains(t, out, "IMMUTABLE")
}

func TestPayrollCalculateFlagErrors(t *testing.T) {
	stack := newMemoryStack(t)

	_, err := run(t, stack, "payroll", "calculate", "--user", "w1", "--month", "3", "--year", "2024", "--salary-base", "lots")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "--salary-base")

	_, err = run(t, stack, "payroll", "calculate", "--month", "3", "--year", "2024")
	require.Error(t, err)

	_, err = run(t, stack, "payroll", "approve")
	require.Error(t, err)
}
