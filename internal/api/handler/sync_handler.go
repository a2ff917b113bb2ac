package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/service"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
)

type SyncHandler struct {
	syncService *service.SyncService
	logger      *slog.Logger
}

func NewSyncHandler(ss *service.SyncService, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{syncService: ss, logger: logger}
}

// RegisterTriggerRoutes mounts the routes that start work.
func (h *SyncHandler) RegisterTriggerRoutes(r chi.Router) {
	r.Post("/delta-sync", h.triggerDeltaSync)
	r.Post("/schedule-ingestion", h.triggerDeltaSync)
	r.Post("/initial-sync", h.triggerInitialSync)
}

// RegisterStateRoutes mounts the read-only routes.
func (h *SyncHandler) RegisterStateRoutes(r chi.Router) {
	r.Get("/sync-state", h.syncState)
}

func (h *SyncHandler) triggerDeltaSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.syncService.TriggerDeltaSync(r.Context())
	if err != nil {
		h.respondInternal(w, r, "Unexpected error while scheduling ingestion", err)
		return
	}
	switch res {
	case service.TriggerAccepted:
		common.RespondWithStatus(w, http.StatusAccepted, string(res))
	case service.TriggerAlreadyRunning:
		common.RespondWithStatus(w, http.StatusConflict, string(res))
	default:
		common.RespondWithStatus(w, http.StatusOK, string(res))
	}
}

func (h *SyncHandler) triggerInitialSync(w http.ResponseWriter, r *http.Request) {
	if err := h.syncService.TriggerInitialSync(r.Context()); err != nil {
		h.respondInternal(w, r, "Unexpected error while triggering initial sync", err)
		return
	}
	common.RespondWithStatus(w, http.StatusAccepted, string(service.TriggerAccepted))
}

func (h *SyncHandler) syncState(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	snap, err := h.syncService.Snapshot(r.Context(), limit)
	if err != nil {
		h.respondInternal(w, r, "Unexpected error while reading sync state", err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, snap)
}

// respondInternal keeps error detail in the error trail and returns only the
// status class to the caller.
func (h *SyncHandler) respondInternal(w http.ResponseWriter, r *http.Request, prefix string, err error) {
	msg := fmt.Sprintf("%s: %v", prefix, err)
	h.logger.ErrorContext(r.Context(), msg)
	h.syncService.RecordError(r.Context(), msg, "")
	code := common.HTTPStatusFromError(err)
	common.RespondWithError(w, code, http.StatusText(code))
}
