package serverfx

import (
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dockerpilot/dockerpilot/pkg/engine"
	"github.com/dockerpilot/dockerpilot/pkg/http/handler"
	"github.com/dockerpilot/dockerpilot/pkg/progress"
)

func ProgressHandler(logger *logrus.Logger, registry *progress.Registry) *handler.ProgressHandler {
	return handler.NewProgressHandler(logger, registry)
}

func HistoryHandler(logger *logrus.Logger, eng *engine.Engine) *handler.HistoryHandler {
	return handler.NewHistoryHandler(logger, eng)
}

func RegisterHandlers(router *mux.Router, progressH *handler.ProgressHandler, historyH *handler.HistoryHandler) {
	router.Handle("/metrics/operations", progressH)
	router.Handle("/metrics/operations/{key}", progressH)
	router.Handle("/metrics/history", historyH)
}
