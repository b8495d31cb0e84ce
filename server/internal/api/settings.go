package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/db"
	"github.com/circlesabound/fctrl/server/internal/repositories"
)

// metricRetentionDaysKey is the Settings row Maintenance's retention sweep
// reads before falling back to its built-in default (see
// maintenance.DefaultRetentionDays).
const metricRetentionDaysKey = "metrics.retention_days"

// SettingsHandler groups operator-configuration HTTP handlers. All routes
// in this handler are admin-only, enforced by RequireRole("admin") in the
// router.
type SettingsHandler struct {
	repo   repositories.SettingsRepository
	logger *zap.Logger
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(repo repositories.SettingsRepository, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		repo:   repo,
		logger: logger.Named("settings_handler"),
	}
}

type retentionResponse struct {
	RetentionDays int `json:"retention_days"`
}

// GetMetricRetention handles GET /api/v1/settings/metric-retention (admin only).
func (h *SettingsHandler) GetMetricRetention(w http.ResponseWriter, r *http.Request) {
	setting, err := h.repo.Get(r.Context(), metricRetentionDaysKey)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Ok(w, retentionResponse{RetentionDays: 0})
			return
		}
		h.logger.Error("failed to get metric retention setting", zap.Error(err))
		ErrInternal(w)
		return
	}

	days, err := strconv.Atoi(string(setting.Value))
	if err != nil {
		h.logger.Error("stored retention_days is not an integer", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, retentionResponse{RetentionDays: days})
}

type upsertRetentionRequest struct {
	RetentionDays int `json:"retention_days"`
}

// UpsertMetricRetention handles PUT /api/v1/settings/metric-retention (admin only).
// Sets the number of days MetricPoint rows are kept before Maintenance's
// retention sweep deletes them.
func (h *SettingsHandler) UpsertMetricRetention(w http.ResponseWriter, r *http.Request) {
	var req upsertRetentionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.RetentionDays <= 0 {
		ErrBadRequest(w, "retention_days must be positive")
		return
	}

	value := db.EncryptedString(strconv.Itoa(req.RetentionDays))
	if err := h.repo.Set(r.Context(), metricRetentionDaysKey, value); err != nil {
		h.logger.Error("failed to set metric retention setting", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, retentionResponse{RetentionDays: req.RetentionDays})
}
