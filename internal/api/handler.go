package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	apperrors "github.com/rongwang/fieldops-server/internal/errors"
	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/service"
	"github.com/rongwang/fieldops-server/internal/utils"
)

// Handler handles API requests
type Handler struct {
	service service.Service
	logger  *logrus.Logger
}

// NewHandler creates a new API handler
func NewHandler(svc service.Service, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		service: svc,
		logger:  logger,
	}
}

// SetupRoutes sets up the API routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	api := router.Group("/api")
	api.Use(AuthMiddleware())

	sync := api.Group("/sync")
	{
		sync.POST("/push", h.Push)
		sync.GET("/pull", h.Pull)
		sync.GET("/conflicts", h.ListConflicts)
		sync.POST("/conflicts/:id/resolve", h.ResolveConflict)
		sync.POST("/devices/register", h.RegisterDevice)
		sync.GET("/devices", h.ListDevices)
		sync.DELETE("/devices/:deviceId", h.RevokeDevice)
	}

	disciplinary := api.Group("/disciplinary")
	{
		disciplinary.POST("/auto-check-daily-logs", h.RunDailyLogCheck)
		disciplinary.POST("/auto-check-weekly-compliance", h.RunWeeklyComplianceCheck)
		disciplinary.GET("/records", h.ListDisciplinaryRecords)
		disciplinary.POST("/records", h.CreateDisciplinaryRecord)
		disciplinary.POST("/records/:id/acknowledge", h.Acknowledge)
		disciplinary.POST("/records/:id/appeal", h.Appeal)
		disciplinary.POST("/records/:id/review", h.StartReview)
		disciplinary.POST("/records/:id/management-confirm", h.ManagementConfirm)
	}

	payroll := api.Group("/payroll")
	{
		payroll.POST("/calculate", h.CalculatePayroll)
		payroll.GET("", h.ListPayroll)
		payroll.POST("/:id/approve", h.ApprovePayroll)
		payroll.POST("/:id/paid", h.MarkPayrollPaid)
		payroll.POST("/:id/dispute", h.DisputePayroll)
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Sync handlers

func (h *Handler) Push(c *gin.Context) {
	var req models.PushRequest
	if !h.bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	resp, err := h.service.Push(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Pull(c *gin.Context) {
	var req models.PullRequest
	if !h.bind(c, c.ShouldBindQuery(&req)) {
		return
	}
	resp, err := h.service.Pull(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListConflicts(c *gin.Context) {
	conflicts, err := h.service.ListConflicts(c.Request.Context(), actorFrom(c), c.Query("table_name"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

func (h *Handler) ResolveConflict(c *gin.Context) {
	var req models.ResolveConflictRequest
	if !h.bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	resp, err := h.service.ResolveConflict(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) RegisterDevice(c *gin.Context) {
	var req models.RegisterDeviceRequest
	if !h.bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	resp, err := h.service.RegisterDevice(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.service.ListDevices(c.Request.Context(), actorFrom(c), c.Query("user_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (h *Handler) RevokeDevice(c *gin.Context) {
	resp, err := h.service.RevokeDevice(c.Request.Context(), actorFrom(c), c.Param("deviceId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Compliance and disciplinary handlers

func (h *Handler) RunDailyLogCheck(c *gin.Context) {
	resp, err := h.service.RunDailyLogCheck(c.Request.Context(), actorFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) RunWeeklyComplianceCheck(c *gin.Context) {
	resp, err := h.service.RunWeeklyComplianceCheck(c.Request.Context(), actorFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListDisciplinaryRecords(c *gin.Context) {
	var req models.DisciplinaryListRequest
	if !h.bind(c, c.ShouldBindQuery(&req)) {
		return
	}
	records, err := h.service.ListDisciplinaryRecords(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handler) CreateDisciplinaryRecord(c *gin.Context) {
	var req models.CreateDisciplinaryRequest
	if !h.bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	rec, err := h.service.CreateManualRecord(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) Acknowledge(c *gin.Context) {
	var req models.AcknowledgeRequest
	if !h.bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	resp, err := h.service.Acknowledge(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Appeal(c *gin.Context) {
	var req models.AppealRequest
	if !h.bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	resp, err := h.service.Appeal(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) StartReview(c *gin.Context) {
	resp, err := h.service.StartReview(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ManagementConfirm(c *gin.Context) {
	var req models.ManagementConfirmRequest
	if !h.bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	resp, err := h.service.ManagementConfirm(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Payroll handlers

func (h *Handler) CalculatePayroll(c *gin.Context) {
	var req models.PayrollCalculateRequest
	if !h.bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	rec, err := h.service.CalculatePayroll(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListPayroll(c *gin.Context) {
	var req models.PayrollListRequest
	if !h.bind(c, c.ShouldBindQuery(&req)) {
		return
	}
	records, err := h.service.ListPayroll(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handler) ApprovePayroll(c *gin.Context) {
	rec, err := h.service.ApprovePayroll(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) MarkPayrollPaid(c *gin.Context) {
	rec, err := h.service.MarkPayrollPaid(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type disputeRequest struct {
	Notes string `json:"notes" binding:"required"`
}

func (h *Handler) DisputePayroll(c *gin.Context) {
	var req disputeRequest
	if !h.bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	rec, err := h.service.DisputePayroll(c.Request.Context(), actorFrom(c), c.Param("id"), req.Notes)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// actorFrom reads the caller set by AuthMiddleware.
func actorFrom(c *gin.Context) models.Actor {
	return models.Actor{
		UserID: c.GetString("userId"),
		Role:   models.Role(c.GetString("userRole")),
	}
}

// bind writes a 400 when err is a binding failure and reports whether the
// handler may continue.
func (h *Handler) bind(c *gin.Context, err error) bool {
	if err == nil {
		return true
	}
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Status:  "error",
		Code:    string(apperrors.ErrValidation),
		Message: err.Error(),
	})
	return false
}

func (h *Handler) respondError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	message := apperrors.MessageOf(err)
	if status == http.StatusInternalServerError {
		utils.LogError(h.logger, "api", c.FullPath(), "request failed", c.GetString("userId"), err)
		message = "Internal server error"
	}
	c.JSON(status, models.ErrorResponse{
		Status:  "error",
		Code:    string(code),
		Message: message,
	})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrValidation, apperrors.ErrUnknownTable:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrPermission:
		return http.StatusForbidden
	case apperrors.ErrConcurrency, apperrors.ErrAlreadyResolved, apperrors.ErrInvalidTransition,
		apperrors.ErrImmutable, apperrors.ErrLockNotAcquired:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
