package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/jihunglin/skalds/internal/eventlog"
	"github.com/jihunglin/skalds/internal/observability"
	"github.com/jihunglin/skalds/internal/store"
	"github.com/jihunglin/skalds/internal/task"
)

// handleTasksList serves GET /api/tasks?page&pageSize&status&type&executor
// (spec §6: pageSize clamped to page_size_max).
func (s *Server) handleTasksList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", "")
		return
	}

	q := r.URL.Query()
	page := parseIntDefault(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize := parseIntDefault(q.Get("pageSize"), s.cfg.PageSizeMax)
	if pageSize <= 0 || pageSize > s.cfg.PageSizeMax {
		pageSize = s.cfg.PageSizeMax
	}

	filter := store.TaskFilter{
		ClassName: q.Get("type"),
		Executor:  q.Get("executor"),
	}
	if raw := q.Get("status"); raw != "" {
		filter.LifecycleStatus = []task.Status{task.Status(strings.ToUpper(raw))}
	}

	items, total, err := s.store.ListTasks(r.Context(), filter, page, pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "list tasks failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":    items,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// handleTaskByID dispatches GET/PUT under /api/tasks/{id}[/heartbeat|/status|/attachments].
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/tasks/")
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, CodeNotFound, "task id required", "")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", "")
			return
		}
		s.getTask(w, r, id)
		return
	}

	switch parts[1] {
	case "heartbeat":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", "")
			return
		}
		s.getTaskHeartbeat(w, r, id)
	case "status":
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", "")
			return
		}
		s.putTaskStatus(w, r, id)
	case "attachments":
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", "")
			return
		}
		s.putTaskAttachments(w, r, id)
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", parts[1])
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, id string) {
	t, err := s.store.GetTask(r.Context(), id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, CodeNotFound, "task not found", id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "get task failed", err.Error())
		return
	}
	// Volatile fields are monitor-sourced, not persisted: overlay the live
	// view when the task is currently monitored.
	if live := s.taskStore.Get(id); live != nil {
		t.Heartbeat, t.Error, t.Exception = live.Heartbeat, live.Error, live.Exception
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) getTaskHeartbeat(w http.ResponseWriter, r *http.Request, id string) {
	if live := s.taskStore.Get(id); live != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"heartbeat": live.Heartbeat, "error": live.Error, "exception": live.Exception,
		})
		return
	}

	if _, err := s.store.GetTask(r.Context(), id); err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, CodeNotFound, "task not found", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"heartbeat": 0, "error": "", "exception": ""})
}

type putStatusRequest struct {
	Status string `json:"status"`
}

// putTaskStatus serves PUT /api/tasks/{id}/status (spec §6/§8 property 7):
// body {status: "Created"|"Cancelled"}, validated against the state machine.
func (s *Server) putTaskStatus(w http.ResponseWriter, r *http.Request, id string) {
	if !s.mutateLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("task_status").Inc()
		writeError(w, http.StatusTooManyRequests, CodeInvalidRequest, "too many requests", "")
		return
	}

	var req putStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body", err.Error())
		return
	}

	target := task.Status(strings.ToUpper(req.Status))
	switch target {
	case task.StatusCancelled:
		if err := s.reconciler.CancelExternally(r.Context(), id); err != nil {
			if err == store.ErrNotFound {
				writeError(w, http.StatusNotFound, CodeNotFound, "task not found", id)
				return
			}
			writeError(w, http.StatusInternalServerError, CodeInternal, "cancel failed", err.Error())
			return
		}
	case task.StatusCreated:
		if err := s.store.UpdateLifecycleStatus(r.Context(), id, task.StatusCreated); err != nil {
			switch err {
			case store.ErrNotFound:
				writeError(w, http.StatusNotFound, CodeNotFound, "task not found", id)
			case store.ErrCASLost:
				writeError(w, http.StatusConflict, CodeCASConflict, "invalid state transition", "")
			default:
				writeError(w, http.StatusInternalServerError, CodeInternal, "update status failed", err.Error())
			}
			return
		}
	default:
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "unsupported status value", req.Status)
		return
	}

	s.getTask(w, r, id)
}

type putAttachmentsRequest struct {
	Attachments json.RawMessage `json:"attachments"`
}

// putTaskAttachments serves PUT /api/tasks/{id}/attachments (spec §6):
// persists and emits task.update.attachment.
func (s *Server) putTaskAttachments(w http.ResponseWriter, r *http.Request, id string) {
	if !s.mutateLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("task_attachments").Inc()
		writeError(w, http.StatusTooManyRequests, CodeInvalidRequest, "too many requests", "")
		return
	}

	var req putAttachmentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body", err.Error())
		return
	}

	if err := s.store.UpdateAttachments(r.Context(), id, req.Attachments); err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, CodeNotFound, "task not found", id)
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, "update attachments failed", err.Error())
		return
	}

	now := s.clock.Now()
	payload := eventlog.UpdateAttachmentPayload{
		TaskIDs:        []string{id},
		UpdateDateTime: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if err := s.publisher.Publish(r.Context(), eventlog.TopicTaskUpdateAttachment, id, payload); err != nil {
		observability.EventPublishFailures.WithLabelValues(eventlog.TopicTaskUpdateAttachment, "api_attachments").Inc()
	}

	s.getTask(w, r, id)
}
