package refund

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meritmatch/meritmatch-api/internal/domain/purchase"
	"github.com/meritmatch/meritmatch-api/internal/middleware"
	"github.com/meritmatch/meritmatch-api/internal/pkg/errorhandler"
	"github.com/meritmatch/meritmatch-api/internal/pkg/response"
	"github.com/meritmatch/meritmatch-api/internal/pkg/validator"
	"github.com/meritmatch/meritmatch-api/internal/reliability"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Create handles POST /refunds
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req Request
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	req.UserID = userID

	if errs := validator.Validate(req); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}

	result, err := h.svc.ProcessRefund(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, result)
}

// CreateAdmin handles POST /admin/refunds
func (h *Handler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	adminID := middleware.GetUserID(r.Context())
	if adminID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req AdminRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if req.UserID == uuid.Nil {
		response.BadRequest(w, "user_id is required")
		return
	}

	if errs := validator.Validate(req); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}

	result, err := h.svc.ProcessAdminRefund(r.Context(), adminID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, result)
}

// History handles GET /refunds
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	entries, err := h.svc.History(r.Context(), userID, 50)
	if err != nil {
		response.InternalError(w)
		return
	}

	response.OK(w, map[string]interface{}{"refunds": entries})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, purchase.ErrNotFound):
		response.NotFound(w, "purchase not found")
	case errors.Is(err, purchase.ErrNotPaid):
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_STATE", "purchase is not in a refundable state")
	case errors.Is(err, ErrAlreadyRefunded):
		response.Conflict(w, "a refund was already issued for this purchase")
	case errors.Is(err, ErrInProgress):
		response.Conflict(w, "a refund for this purchase is already being processed")
	case errors.Is(err, ErrQueued):
		response.Error(w, http.StatusServiceUnavailable, "REFUND_QUEUED",
			"payment processing is temporarily unavailable; your refund has been queued for manual processing")
	case reliability.IsCircuitOpen(err):
		response.Error(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE",
			"payment processing is temporarily unavailable, please retry later")
	default:
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError,
			"INTERNAL_ERROR", "refund could not be processed", err)
	}
}

// Routes mounts the user-facing refund endpoints.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/", h.Create)
	r.Get("/", h.History)

	return r
}

// AdminRoutes mounts the privileged override endpoint.
func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireAdmin())
	r.Post("/", h.CreateAdmin)

	return r
}
