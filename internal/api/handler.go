package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/claimflow/claimflow/internal/event"
	"github.com/claimflow/claimflow/internal/job"
	"github.com/claimflow/claimflow/internal/queue"
)

const maxEventBytes = 1 << 20 // 1 MB

// Enqueuer accepts events for asynchronous delivery.
type Enqueuer interface {
	Enqueue(kind queue.Kind, payload []byte) (string, error)
	Len() int
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store  job.Store
	queue  Enqueuer
	logger *slog.Logger
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(store job.Store, q Enqueuer, logger *slog.Logger) *Handler {
	return &Handler{store: store, queue: q, logger: logger}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/events/object-created", h.ObjectCreated)
	mux.HandleFunc("POST /api/v1/events/job-completed", h.JobCompleted)
	mux.HandleFunc("POST /api/v1/events/validation-completed", h.ValidationCompleted)
	mux.HandleFunc("GET /api/v1/jobs/{invocationId}/{fileName...}", h.GetJob)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// ObjectCreated handles POST /api/v1/events/object-created. A storage
// notification with several records is split into one delivery per document.
func (h *Handler) ObjectCreated(w http.ResponseWriter, r *http.Request) {
	body, ok := readEvent(w, r)
	if !ok {
		return
	}
	docs, err := event.ParseNewDocuments(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		payload, err := json.Marshal(d)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to encode document event")
			return
		}
		id, ok := h.enqueue(w, r, queue.KindObjectCreated, payload)
		if !ok {
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"delivery_ids": ids})
}

// JobCompleted handles POST /api/v1/events/job-completed.
func (h *Handler) JobCompleted(w http.ResponseWriter, r *http.Request) {
	body, ok := readEvent(w, r)
	if !ok {
		return
	}
	if _, err := event.ParseJobCompletion(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.accept(w, r, queue.KindJobCompleted, body)
}

// ValidationCompleted handles POST /api/v1/events/validation-completed.
func (h *Handler) ValidationCompleted(w http.ResponseWriter, r *http.Request) {
	body, ok := readEvent(w, r)
	if !ok {
		return
	}
	if _, err := event.ParseDomainEvent(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.accept(w, r, queue.KindValidationCompleted, body)
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request, kind queue.Kind, payload []byte) {
	id, ok := h.enqueue(w, r, kind, payload)
	if !ok {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"delivery_ids": []string{id}})
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, kind queue.Kind, payload []byte) (string, bool) {
	id, err := h.queue.Enqueue(kind, payload)
	if err != nil {
		h.logger.Error("enqueue event failed", "kind", kind, "error", err, "request_id", RequestIDFrom(r.Context()))
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue event")
		return "", false
	}
	return id, true
}

// GetJob handles GET /api/v1/jobs/{invocationId}/{fileName...} and responds 200 with the record.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	key := job.Key{InvocationID: r.PathValue("invocationId"), FileName: r.PathValue("fileName")}
	if err := key.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.store.Get(r.Context(), key)
	if err != nil {
		h.logger.Error("get job record failed", "error", err, "invocation_id", key.InvocationID)
		writeError(w, http.StatusInternalServerError, "failed to get job record")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "job record not found")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// Health handles GET /api/v1/health and responds 200 with the local queue depth.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queued": h.queue.Len()})
}

// readEvent reads a bounded request body, writing the error response itself on failure.
func readEvent(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "event body too large")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
