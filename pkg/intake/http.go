package intake

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"domainproxy/pkg/audit"
	"domainproxy/pkg/httpx"
	"domainproxy/pkg/models"
	"domainproxy/pkg/ratelimit"
	"domainproxy/pkg/sas"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const IdempotencyHeader = "Idempotency-Key"

// LogReader serves the channel response history of one CBSD.
type LogReader interface {
	Recent(ctx context.Context, cbsdID int64, limit int) ([]audit.Entry, error)
}

type Handler struct {
	Service      *Service
	Log          LogReader
	MaxBodyBytes int64
	// Limiter, when set, admits submissions per client.
	Limiter ratelimit.Limiter
	Logger  *zap.Logger
}

// Routes mounts one POST endpoint per message type plus the CBSD log.
func (h *Handler) Routes(r chi.Router) {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Group(func(r chi.Router) {
		if h.Limiter != nil {
			r.Use(ratelimit.Middleware(h.Limiter))
		}
		r.Use(httpx.LimitBody(limit))
		for _, t := range models.AllRequestTypes {
			r.Post(t.Path(), h.submit(t))
		}
	})
	if h.Log != nil {
		r.Get("/cbsds/{id}/log", h.cbsdLog)
	}
}

func (h *Handler) submit(t models.RequestType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			httpx.Error(w, http.StatusBadRequest, "read body")
			return
		}
		items, err := sas.DecodeEnvelope(t, body)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid envelope: "+err.Error())
			return
		}
		key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		receipt, err := h.Service.Submit(r.Context(), t, items, SourceHTTP, key)
		var itemErr *ItemError
		switch {
		case err == nil:
		case errors.As(err, &itemErr), errors.Is(err, ErrEmptyBatch):
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, ErrInProgress):
			httpx.Error(w, http.StatusConflict, err.Error())
			return
		default:
			h.logger().Error("enqueue failed", zap.String("request_type", t.String()), zap.Error(err))
			httpx.Error(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
		status := http.StatusCreated
		if receipt.Replayed {
			status = http.StatusOK
		}
		httpx.WriteJSON(w, status, receipt)
	}
}

type logEntry struct {
	RequestID    int64  `json:"request_id"`
	RequestType  string `json:"request_type"`
	ResponseCode int    `json:"response_code"`
	Request      any    `json:"request"`
	Response     any    `json:"response"`
	CreatedAt    string `json:"created_at"`
}

func (h *Handler) cbsdLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid cbsd id")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	entries, err := h.Log.Recent(r.Context(), id, limit)
	if err != nil {
		h.logger().Error("read cbsd log failed", zap.Int64("cbsd", id), zap.Error(err))
		httpx.Error(w, http.StatusInternalServerError, "read log failed")
		return
	}
	out := make([]logEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, logEntry{
			RequestID:    e.RequestID,
			RequestType:  e.RequestType,
			ResponseCode: e.ResponseCode,
			Request:      e.RequestPayload,
			Response:     e.ResponsePayload,
			CreatedAt:    e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"cbsd_id": id, "entries": out})
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}
