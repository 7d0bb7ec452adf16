// Package http exposes the entitlement engine over a local HTTP surface.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apierrors "crowecli/internal/errors"
	"crowecli/internal/license"
)

// LicenseHandler handles license-related HTTP requests.
type LicenseHandler struct {
	manager *license.Manager
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler.
func NewLicenseHandler(manager *license.Manager, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		manager: manager,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// ActivationRequest is the license activation payload.
type ActivationRequest struct {
	LicenseKey string `json:"license_key"`
}

// Bind implements the render.Binder interface.
func (a *ActivationRequest) Bind(r *http.Request) error {
	if a.LicenseKey == "" {
		return errors.New("license_key is required")
	}
	if len(a.LicenseKey) < 8 {
		return errors.New("license_key is too short")
	}
	return nil
}

// ActivationResponse is the license activation response.
type ActivationResponse struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Status    *license.Status `json:"status,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// LimitStatus reports one limit with its live window usage.
type LimitStatus struct {
	Limit     license.LimitValue `json:"limit"`
	Unbounded bool               `json:"unbounded"`
	Remaining *int64             `json:"remaining,omitempty"`
}

// Routes returns a chi router for the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Get("/limits", h.GetLimits)
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)

	return r
}

// GetStatus handles GET /api/license/status.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.manager.Status(r.Context())
	render.Status(r, http.StatusOK)
	render.JSON(w, r, status)
}

// GetLimits handles GET /api/license/limits. Windowed limits include the
// remaining quota in the current window.
func (h *LicenseHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := h.manager.Status(ctx)

	limits := make(map[string]LimitStatus, len(status.Limits))
	for name, limit := range status.Limits {
		entry := LimitStatus{Limit: limit}
		decision := h.manager.CheckLimit(ctx, name, 0)
		if decision.Unbounded {
			entry.Unbounded = true
		} else {
			remaining := decision.Remaining
			entry.Remaining = &remaining
		}
		limits[name] = entry
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, limits)
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &ActivationRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(
			apierrors.ErrValidation("license_key", err.Error())))
		return
	}

	if _, err := h.manager.Activate(ctx, req.LicenseKey); err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.FromLicenseError(err)))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, &ActivationResponse{
		Success:   true,
		Message:   "License activated successfully",
		Status:    h.manager.Status(ctx),
		Timestamp: time.Now().UTC(),
	})
}

// Deactivate handles POST /api/license/deactivate.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.manager.Deactivate(ctx); err != nil {
		h.logger.ErrorContext(ctx, "deactivation failed", slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrInternalServer))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, &ActivationResponse{
		Success:   true,
		Message:   "License deactivated",
		Status:    h.manager.Status(ctx),
		Timestamp: time.Now().UTC(),
	})
}
