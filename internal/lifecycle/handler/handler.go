package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"rollcall/internal/lifecycle/models"
	"rollcall/internal/platform/metrics"
	"rollcall/internal/platform/middleware"
	dErrors "rollcall/pkg/domain-errors"
	"rollcall/pkg/platform/httputil"
	"rollcall/pkg/platform/middleware/admin"
	"rollcall/pkg/platform/middleware/metadata"
	"rollcall/pkg/platform/middleware/requesttime"
)

// IdempotencyKeyHeader carries the operation id of a retire request.
const IdempotencyKeyHeader = "Idempotency-Key"

const defaultRequestTimeout = 60 * time.Second

// Service defines the lifecycle operations exposed to administrators.
type Service interface {
	ProvisionStudent(ctx context.Context, req models.ProvisionRequest) (*models.ProvisionResult, error)
	RetireStudent(ctx context.Context, req models.RetireRequest) (*models.RetireResult, error)
	GetOperation(ctx context.Context, id string) (*models.Operation, error)
	NeedsAttention(ctx context.Context) ([]*models.Operation, error)
	RetryCompensation(ctx context.Context, id string) (*models.Operation, error)
}

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

// Handler serves the admin lifecycle API.
type Handler struct {
	lifecycle      Service
	adminToken     string
	logger         *slog.Logger
	metrics        *metrics.Metrics
	requestTimeout time.Duration
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithRequestTimeout bounds a whole request, all step retries included.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.requestTimeout = d
		}
	}
}

// New creates a lifecycle Handler guarded by adminToken.
func New(lifecycle Service, adminToken string, opts ...Option) *Handler {
	h := &Handler{
		lifecycle:      lifecycle,
		adminToken:     adminToken,
		logger:         slog.New(slog.DiscardHandler),
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the admin routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(middleware.Recovery(h.logger))
		ar.Use(middleware.RequestID)
		ar.Use(metadata.ClientMetadata)
		ar.Use(requesttime.Middleware)
		ar.Use(middleware.Logger(h.logger))
		ar.Use(middleware.Timeout(h.requestTimeout))
		ar.Use(middleware.ContentTypeJSON)
		ar.Use(middleware.LatencyMiddleware(h.metrics))
		ar.Use(admin.RequireAdminToken(h.adminToken, h.logger))

		ar.Post("/students", h.handleProvision)
		ar.Delete("/students/{accountId}", h.handleRetire)
		ar.Get("/lifecycle/operations/{operationId}", h.handleGetOperation)
		ar.Post("/lifecycle/operations/{operationId}/compensate", h.handleCompensate)
		ar.Get("/lifecycle/attention", h.handleNeedsAttention)
	})
}

func (h *Handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.ProvisionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	res, err := h.lifecycle.ProvisionStudent(ctx, req)
	if h.writeAccepted(w, r, err) {
		return
	}
	if err != nil {
		h.logger.WarnContext(ctx, "provision request failed",
			"request_id", middleware.GetRequestID(ctx),
			"request", req,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, ProvisionResponse{
		AccountID:   res.AccountID,
		OperationID: res.OperationID,
		Replayed:    res.Replayed,
	})
}

func (h *Handler) handleRetire(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := models.RetireRequest{
		AccountID:   chi.URLParam(r, "accountId"),
		OperationID: strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)),
	}

	res, err := h.lifecycle.RetireStudent(ctx, req)
	if h.writeAccepted(w, r, err) {
		return
	}
	if err != nil {
		h.logger.WarnContext(ctx, "retire request failed",
			"request_id", middleware.GetRequestID(ctx),
			"account_id", req.AccountID,
			"operation_id", req.OperationID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, RetireResponse{
		OK:          true,
		OperationID: res.OperationID,
		Replayed:    res.Replayed,
	})
}

// writeAccepted answers 202 when the operation is still running after the
// request gave up waiting.
func (h *Handler) writeAccepted(w http.ResponseWriter, r *http.Request, err error) bool {
	de, ok := dErrors.As(err)
	if !ok || de.Code != dErrors.CodeInProgress {
		return false
	}
	h.logger.InfoContext(r.Context(), "operation still running, answered accepted",
		"request_id", middleware.GetRequestID(r.Context()),
		"operation_id", de.Fields["operation_id"],
	)
	httputil.WriteJSON(w, http.StatusAccepted, AcceptedResponse{
		OperationID: de.Fields["operation_id"],
		Status:      "in_progress",
	})
	return true
}

func (h *Handler) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.lifecycle.GetOperation(r.Context(), chi.URLParam(r, "operationId"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toOperationView(op))
}

func (h *Handler) handleCompensate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	op, err := h.lifecycle.RetryCompensation(ctx, chi.URLParam(r, "operationId"))
	if err != nil {
		h.logger.WarnContext(ctx, "compensation retry failed",
			"request_id", middleware.GetRequestID(ctx),
			"operation_id", chi.URLParam(r, "operationId"),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toOperationView(op))
}

func (h *Handler) handleNeedsAttention(w http.ResponseWriter, r *http.Request) {
	ops, err := h.lifecycle.NeedsAttention(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	views := make([]OperationView, 0, len(ops))
	for _, op := range ops {
		views = append(views, toOperationView(op))
	}
	httputil.WriteJSON(w, http.StatusOK, AttentionResponse{Operations: views, Count: len(views)})
}
