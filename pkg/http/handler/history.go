package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockerpilot/dockerpilot/pkg/appcontext"
	"github.com/dockerpilot/dockerpilot/pkg/engine"
)

// DeploymentJournal is the slice of the engine the handler needs.
type DeploymentJournal interface {
	DeploymentHistory(ctx context.Context, limit int) ([]engine.HistoryEntry, error)
}

type HistoryHandler struct {
	logger  logrus.FieldLogger
	journal DeploymentJournal
}

func NewHistoryHandler(logger logrus.FieldLogger, journal DeploymentJournal) *HistoryHandler {
	return &HistoryHandler{logger: logger, journal: journal}
}

func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	logger := appcontext.LoggerFromContext(h.logger, ctx)

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.journal.DeploymentHistory(ctx, limit)
	if err != nil {
		logger.WithError(err).Error("Unable to query deployment history")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(entries); err != nil {
		logger.WithError(err).Error("Unable to encode response")
		w.WriteHeader(http.StatusInternalServerError)
	}
}
