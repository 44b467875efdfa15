package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BradenHooton/warden/internal/models"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
)

// EventLister reads a principal's authentication history
type EventLister interface {
	ListForPrincipal(ctx context.Context, principalID string, limit, offset int) ([]*models.Event, error)
}

// AuditHandler serves the signed-in principal's authentication events
type AuditHandler struct {
	events EventLister
	logger *slog.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(events EventLister, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{events: events, logger: logger}
}

// ListEvents returns the newest events first. limit and offset are optional
// query parameters.
// @Router /events [get]
func (h *AuditHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	events, err := h.events.ListForPrincipal(r.Context(), session.PrincipalID, limit, offset)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp := make([]EventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, toEventResponse(e))
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{"events": resp})
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}
