package service

import (
	"context"

	apperrors "github.com/rongwang/fieldops-server/internal/errors"
	"github.com/rongwang/fieldops-server/internal/models"
)

// RegisterDevice binds a device to the caller. Registering a device the
// caller already owns refreshes last_sync_at and succeeds.
func (s *DefaultService) RegisterDevice(ctx context.Context, actor models.Actor, req models.RegisterDeviceRequest) (*models.DeviceResponse, error) {
	if req.DeviceID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "device_id is required")
	}

	now := s.now()
	dev, created, err := s.repo.RegisterDevice(ctx, &models.DeviceRegistration{
		DeviceID:     req.DeviceID,
		UserID:       actor.UserID,
		DeviceName:   req.DeviceName,
		DeviceType:   req.DeviceType,
		OSInfo:       req.OSInfo,
		BrowserInfo:  req.BrowserInfo,
		IsActive:     true,
		LastSyncAt:   &now,
		RegisteredAt: now,
	})
	if err != nil {
		return nil, mapError(err, "failed to register device")
	}

	if created {
		s.audit(ctx, actor, "device_registered", "device", dev.DeviceID, dev.DeviceID, req)
		return &models.DeviceResponse{
			Status:   "success",
			Message:  "Device registered successfully",
			DeviceID: dev.DeviceID,
		}, nil
	}

	if err := checkDeviceAccess(actor, dev); err != nil {
		return nil, err
	}
	if err := s.repo.TouchDevice(ctx, dev.DeviceID, now); err != nil {
		return nil, mapError(err, "failed to update device")
	}
	return &models.DeviceResponse{
		Status:   "success",
		Message:  "Device already registered",
		DeviceID: dev.DeviceID,
	}, nil
}

// ListDevices returns the devices of userID, or of the caller when empty.
func (s *DefaultService) ListDevices(ctx context.Context, actor models.Actor, userID string) ([]models.DeviceRegistration, error) {
	if userID == "" {
		userID = actor.UserID
	}
	userID, err := scopeToSelf(actor, userID)
	if err != nil {
		return nil, err
	}
	devices, err := s.repo.ListDevices(ctx, userID)
	if err != nil {
		return nil, mapError(err, "failed to list devices")
	}
	return devices, nil
}

// RevokeDevice soft-deletes a device. The row is kept for the audit trail.
func (s *DefaultService) RevokeDevice(ctx context.Context, actor models.Actor, deviceID string) (*models.DeviceResponse, error) {
	dev, err := s.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, mapError(err, "failed to load device")
	}
	if dev == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "device %s not found", deviceID)
	}
	if dev.UserID != actor.UserID && !actor.Role.IsManagement() {
		return nil, apperrors.New(apperrors.ErrPermission, "device belongs to another user")
	}

	if err := s.repo.RevokeDevice(ctx, deviceID, s.now()); err != nil {
		return nil, mapError(err, "failed to revoke device")
	}
	s.audit(ctx, actor, "device_revoked", "device", deviceID, deviceID, map[string]string{"owner_id": dev.UserID})

	return &models.DeviceResponse{
		Status:   "success",
		Message:  "Device revoked",
		DeviceID: deviceID,
	}, nil
}

// ensureDevice auto-registers an unknown device to the caller and rejects
// revoked devices and devices bound to someone else.
func (s *DefaultService) ensureDevice(ctx context.Context, actor models.Actor, deviceID string) error {
	if deviceID == "" {
		return apperrors.New(apperrors.ErrValidation, "device_id is required")
	}

	now := s.now()
	dev, created, err := s.repo.RegisterDevice(ctx, &models.DeviceRegistration{
		DeviceID:     deviceID,
		UserID:       actor.UserID,
		IsActive:     true,
		RegisteredAt: now,
	})
	if err != nil {
		return mapError(err, "failed to register device")
	}
	if created {
		s.audit(ctx, actor, "device_registered", "device", deviceID, deviceID, map[string]bool{"auto": true})
		return nil
	}
	return checkDeviceAccess(actor, dev)
}

func checkDeviceAccess(actor models.Actor, dev *models.DeviceRegistration) error {
	if dev.UserID != actor.UserID {
		return apperrors.Newf(apperrors.ErrPermission, "device %s is registered to another user", dev.DeviceID)
	}
	if !dev.IsActive {
		return apperrors.Newf(apperrors.ErrPermission, "device %s has been revoked", dev.DeviceID)
	}
	return nil
}
