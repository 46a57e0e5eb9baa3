package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/middleware"
	"pos-sync-server/internal/service"
	"pos-sync-server/pkg/response"

	"github.com/gorilla/mux"
)

type SyncHandler struct {
	syncService *service.SyncService
}

func NewSyncHandler(syncService *service.SyncService) *SyncHandler {
	return &SyncHandler{syncService: syncService}
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (h *SyncHandler) Queue(w http.ResponseWriter, r *http.Request) {
	var req domain.QueueSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	res, err := h.syncService.QueueSync(r.Context(), middleware.GetIdentity(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	if len(res.Rejected) > 0 {
		response.Multi(w, res)
		return
	}
	response.Created(w, res)
}

func (h *SyncHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req domain.ProcessSyncRequest
	if err := decodeBody(r, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	res, err := h.syncService.ProcessSync(r.Context(), middleware.GetIdentity(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, res)
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.syncService.GetSyncStatus(r.Context(), middleware.GetIdentity(r))
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, status)
}

func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.syncService.GetPendingConflicts(r.Context(), middleware.GetIdentity(r))
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, conflicts)
}

func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	mutationID := mux.Vars(r)["id"]

	var req domain.ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	conflict, err := h.syncService.ResolveConflict(r.Context(), middleware.GetIdentity(r), mutationID, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, conflict)
}

// Delta serves changes after ?since=. Without since the client's last
// acknowledged sequence is used.
func (h *SyncHandler) Delta(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since := int64(-1)
	if raw := q.Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			response.BadRequest(w, "invalid since parameter")
			return
		}
		since = v
	}

	delta, err := h.syncService.GetDeltaUpdates(r.Context(), middleware.GetIdentity(r), since, splitList(q.Get("entities")))
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, delta)
}

func (h *SyncHandler) Full(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	full, err := h.syncService.FullSync(r.Context(), middleware.GetIdentity(r), splitList(q.Get("entities")), q.Get("location_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, full)
}

func (h *SyncHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var req domain.AcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	checkpoint, err := h.syncService.AcknowledgeSync(r.Context(), middleware.GetIdentity(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, checkpoint)
}

func (h *SyncHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	statuses := q["status"]
	if len(statuses) == 1 {
		statuses = splitList(statuses[0])
	}

	removed, err := h.syncService.ClearQueue(r.Context(), middleware.GetIdentity(r), statuses)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, map[string]int{"removed": removed})
}

func (h *SyncHandler) Retry(w http.ResponseWriter, r *http.Request) {
	var req domain.RetryRequest
	if err := decodeBody(r, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	retried, err := h.syncService.RetryFailed(r.Context(), middleware.GetIdentity(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, map[string]int{"retried": retried})
}

func (h *SyncHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := parseTimeParam(q.Get("start"))
	if err != nil {
		response.BadRequest(w, "invalid start parameter")
		return
	}
	end, err := parseTimeParam(q.Get("end"))
	if err != nil {
		response.BadRequest(w, "invalid end parameter")
		return
	}

	stats, err := h.syncService.GetSyncStatistics(r.Context(), middleware.GetIdentity(r), start, end)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, stats)
}

// parseTimeParam accepts RFC3339 timestamps or plain dates.
func parseTimeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, errors.New("unrecognised time format")
}
