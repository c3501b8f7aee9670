package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dockerpilot/dockerpilot/pkg/appcontext"
	"github.com/dockerpilot/dockerpilot/pkg/progress"
)

// ProgressHandler exposes the progress registry read-only for pollers.
type ProgressHandler struct {
	logger   logrus.FieldLogger
	registry *progress.Registry
}

func NewProgressHandler(logger logrus.FieldLogger, registry *progress.Registry) *ProgressHandler {
	return &ProgressHandler{logger: logger, registry: registry}
}

func (h *ProgressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := appcontext.LoggerFromContext(h.logger, r.Context())

	var payload interface{}
	if key := mux.Vars(r)["key"]; key != "" {
		record, ok := h.registry.Get(key)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		payload = record
	} else {
		payload = h.registry.All()
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithError(err).Error("Unable to encode response")
		w.WriteHeader(http.StatusInternalServerError)
	}
}
