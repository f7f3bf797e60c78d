package purchase

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meritmatch/meritmatch-api/internal/middleware"
	"github.com/meritmatch/meritmatch-api/internal/pkg/errorhandler"
	"github.com/meritmatch/meritmatch-api/internal/pkg/response"
	"github.com/meritmatch/meritmatch-api/internal/pkg/stripe"
	"github.com/meritmatch/meritmatch-api/internal/reliability"
)

const maxWebhookBody = 64 * 1024

type Handler struct {
	svc           *Service
	webhookSecret string
}

func NewHandler(svc *Service, webhookSecret string) *Handler {
	return &Handler{svc: svc, webhookSecret: webhookSecret}
}

// Packages handles GET /purchases/packages
func (h *Handler) Packages(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]interface{}{"packages": h.svc.Packages()})
}

type checkoutRequest struct {
	PackageCode string `json:"package_code"`
}

// Checkout handles POST /purchases/checkout
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req checkoutRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	result, err := h.svc.Checkout(r.Context(), userID, req.PackageCode)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownPackage):
			response.BadRequest(w, "unknown package code")
		case reliability.IsUnavailable(err):
			response.Error(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE",
				"payment processing is temporarily unavailable, please retry later")
		default:
			errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "checkout could not be started", err)
		}
		return
	}

	response.Created(w, result)
}

// List handles GET /purchases
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	purchases, err := h.svc.ListForUser(r.Context(), userID, 50, 0)
	if err != nil {
		response.InternalError(w)
		return
	}

	response.OK(w, map[string]interface{}{"purchases": purchases})
}

// Get handles GET /purchases/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid purchase id")
		return
	}

	p, err := h.svc.FindForUser(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(w, "purchase not found")
			return
		}
		response.InternalError(w)
		return
	}

	response.OK(w, p)
}

// Webhook handles POST /webhooks/stripe. Always answers 200 for verified
// events so the processor does not retry business failures forever; those are
// logged and reconciled out of band.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "unreadable body")
		return
	}

	event, err := stripe.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret, stripe.DefaultTolerance)
	if err != nil {
		log.Warn().Err(err).Msg("rejected stripe webhook")
		response.BadRequest(w, "invalid signature")
		return
	}

	var session struct {
		ID            string `json:"id"`
		PaymentIntent string `json:"payment_intent"`
	}

	switch event.Type {
	case "checkout.session.completed":
		if err := json.Unmarshal(event.Data.Object, &session); err != nil {
			response.BadRequest(w, "malformed event object")
			return
		}
		if err := h.svc.ConfirmCheckout(r.Context(), session.ID, session.PaymentIntent); err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Msg("checkout confirmation failed")
		}
	case "checkout.session.expired":
		if err := json.Unmarshal(event.Data.Object, &session); err != nil {
			response.BadRequest(w, "malformed event object")
			return
		}
		if err := h.svc.ExpireCheckout(r.Context(), session.ID); err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Msg("checkout expiry failed")
		}
	default:
		log.Debug().Str("type", event.Type).Msg("ignoring stripe event")
	}

	response.OK(w, map[string]interface{}{"received": true})
}

// Routes mounts the purchase endpoints.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/packages", h.Packages)
	r.Post("/checkout", h.Checkout)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)

	return r
}
