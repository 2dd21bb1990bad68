package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rongwang/fieldops-server/internal/compliance"
	"github.com/rongwang/fieldops-server/internal/config"
	"github.com/rongwang/fieldops-server/internal/conflict"
	apperrors "github.com/rongwang/fieldops-server/internal/errors"
	"github.com/rongwang/fieldops-server/internal/lock"
	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/repository"
	"github.com/rongwang/fieldops-server/internal/utils"
)

// Service defines all the business logic operations
type Service interface {
	// Sync
	Push(ctx context.Context, actor models.Actor, req models.PushRequest) (*models.PushResponse, error)
	Pull(ctx context.Context, actor models.Actor, req models.PullRequest) (*models.PullResponse, error)
	ListConflicts(ctx context.Context, actor models.Actor, table string) ([]models.ConflictSummary, error)
	ResolveConflict(ctx context.Context, actor models.Actor, conflictID string, req models.ResolveConflictRequest) (*models.ResolveConflictResponse, error)

	// Devices
	RegisterDevice(ctx context.Context, actor models.Actor, req models.RegisterDeviceRequest) (*models.DeviceResponse, error)
	ListDevices(ctx context.Context, actor models.Actor, userID string) ([]models.DeviceRegistration, error)
	RevokeDevice(ctx context.Context, actor models.Actor, deviceID string) (*models.DeviceResponse, error)

	// Compliance scans
	RunDailyLogCheck(ctx context.Context, actor models.Actor) (*models.ScanResponse, error)
	RunWeeklyComplianceCheck(ctx context.Context, actor models.Actor) (*models.ScanResponse, error)

	// Disciplinary records
	CreateManualRecord(ctx context.Context, actor models.Actor, req models.CreateDisciplinaryRequest) (*models.DisciplinaryRecord, error)
	ListDisciplinaryRecords(ctx context.Context, actor models.Actor, req models.DisciplinaryListRequest) ([]models.DisciplinaryRecord, error)
	Acknowledge(ctx context.Context, actor models.Actor, id string, req models.AcknowledgeRequest) (*models.TransitionResponse, error)
	Appeal(ctx context.Context, actor models.Actor, id string, req models.AppealRequest) (*models.TransitionResponse, error)
	StartReview(ctx context.Context, actor models.Actor, id string) (*models.TransitionResponse, error)
	ManagementConfirm(ctx context.Context, actor models.Actor, id string, req models.ManagementConfirmRequest) (*models.TransitionResponse, error)

	// Payroll
	CalculatePayroll(ctx context.Context, actor models.Actor, req models.PayrollCalculateRequest) (*models.PayrollRecord, error)
	ApprovePayroll(ctx context.Context, actor models.Actor, id string) (*models.PayrollRecord, error)
	MarkPayrollPaid(ctx context.Context, actor models.Actor, id string) (*models.PayrollRecord, error)
	DisputePayroll(ctx context.Context, actor models.Actor, id, notes string) (*models.PayrollRecord, error)
	ListPayroll(ctx context.Context, actor models.Actor, req models.PayrollListRequest) ([]models.PayrollRecord, error)
}

// DefaultService implements the Service interface
type DefaultService struct {
	repo     repository.Repository
	resolver *conflict.Resolver
	rules    compliance.Rules
	locker   lock.Locker
	logger   *logrus.Logger
	now      func() time.Time

	maxApplyAttempts int
	pullLimit        int
	scanWorkers      int
	lockTTL          time.Duration
}

// Option customizes a DefaultService.
type Option func(*DefaultService)

// WithLocker sets the locker used for payroll close and per-user scans.
func WithLocker(l lock.Locker) Option {
	return func(s *DefaultService) { s.locker = l }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(s *DefaultService) { s.logger = l }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *DefaultService) { s.now = now }
}

// NewDefaultService creates a new DefaultService
func NewDefaultService(repo repository.Repository, cfg *config.Config, opts ...Option) *DefaultService {
	s := &DefaultService{
		repo: repo,
		rules: compliance.Rules{
			Location:                 cfg.Compliance.Location(),
			DailyLookbackDays:        cfg.Compliance.DailyLookbackDays,
			ConsecutiveMissThreshold: cfg.Compliance.ConsecutiveMissThreshold,
			WeeklyWindowDays:         cfg.Compliance.WeeklyWindowDays,
			MonthlyQueryCap:          cfg.Compliance.MonthlyQueryCap,
		},
		locker:           lock.NewLocalLocker(),
		logger:           logrus.StandardLogger(),
		now:              func() time.Time { return time.Now().UTC() },
		maxApplyAttempts: cfg.Sync.MaxApplyAttempts,
		pullLimit:        cfg.Sync.PullLimit,
		scanWorkers:      cfg.Compliance.ScanWorkers,
		lockTTL:          cfg.Redis.LockTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxApplyAttempts < 1 {
		s.maxApplyAttempts = 1
	}
	if s.pullLimit < 1 {
		s.pullLimit = 500
	}
	if s.scanWorkers < 1 {
		s.scanWorkers = 1
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 30 * time.Second
	}
	s.resolver = conflict.NewResolver(s.logger)
	return s
}

// logReleaseError records a lease that could not be released; it lapses
// after lockTTL.
func (s *DefaultService) logReleaseError(key string, err error) {
	utils.LogError(s.logger, "lock", "Release", "lease not released", map[string]string{"key": key}, err)
}

func requireManagement(actor models.Actor) error {
	if !actor.Role.IsManagement() {
		return apperrors.New(apperrors.ErrPermission, "admin or HR role required")
	}
	return nil
}

func requireAdmin(actor models.Actor) error {
	if actor.Role != models.RoleAdmin {
		return apperrors.New(apperrors.ErrPermission, "admin role required")
	}
	return nil
}

// scopeToSelf returns the user id a list operation may read.
func scopeToSelf(actor models.Actor, requested string) (string, error) {
	if actor.Role.IsManagement() {
		return requested, nil
	}
	if requested != "" && requested != actor.UserID {
		return "", apperrors.New(apperrors.ErrPermission, "cannot read another user's records")
	}
	return actor.UserID, nil
}

func pageOffset(page, size int) int {
	if page < 1 {
		return 0
	}
	return (page - 1) * size
}

// mapError translates repository and model sentinels into the error taxonomy.
func mapError(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.Wrap(apperrors.ErrNotFound, message+": not found", err)
	case errors.Is(err, repository.ErrVersionMismatch), errors.Is(err, repository.ErrDuplicate):
		return apperrors.Wrap(apperrors.ErrConcurrency, message+": concurrent modification, retry", err)
	case errors.Is(err, models.ErrInvalidTransition):
		return apperrors.Wrap(apperrors.ErrInvalidTransition, err.Error(), err)
	case errors.Is(err, models.ErrNotSubject):
		return apperrors.Wrap(apperrors.ErrPermission, err.Error(), err)
	case errors.Is(err, models.ErrPayrollImmutable):
		return apperrors.Wrap(apperrors.ErrImmutable, err.Error(), err)
	default:
		return apperrors.Wrap(apperrors.ErrInternal, message, err)
	}
}
