package scheduling

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/go-units"

	"github.com/imagegen/orchestrator/pkg/generation"
	"github.com/imagegen/orchestrator/pkg/middleware"
)

// maximumAPIRequestSize bounds admin and generation request bodies.
const maximumAPIRequestSize = 10 * 1024 * 1024

// HTTPHandler exposes the registry and scheduler over HTTP. It wraps the core
// types without coupling them to HTTP concerns.
type HTTPHandler struct {
	registry  *Registry
	scheduler *Scheduler
	sessions  *SessionManager
	started   time.Time
	handler   http.Handler
}

// NewHTTPHandler creates the admin and generation HTTP surface.
func NewHTTPHandler(registry *Registry, sessions *SessionManager, allowedOrigins []string) *HTTPHandler {
	h := &HTTPHandler{
		registry:  registry,
		scheduler: registry.Scheduler(),
		sessions:  sessions,
		started:   time.Now(),
	}

	router := http.NewServeMux()
	router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	router.HandleFunc("GET /api/backends", h.listBackends)
	router.HandleFunc("POST /api/backends", h.addBackend)
	router.HandleFunc("POST /api/backends/reload", h.reloadBackends)
	router.HandleFunc("POST /api/backends/{id}", h.editBackend)
	router.HandleFunc("DELETE /api/backends/{id}", h.deleteBackend)
	router.HandleFunc("GET /api/types", h.listTypes)
	router.HandleFunc("GET /api/models/loaded", h.loadedModels)
	router.HandleFunc("GET /api/status", h.status)
	router.HandleFunc("POST /api/sessions", h.createSession)
	router.HandleFunc("GET /api/sessions/{id}", h.sessionStatus)
	router.HandleFunc("POST /api/sessions/{id}/interrupt", h.interruptSession)
	router.HandleFunc("DELETE /api/sessions/{id}", h.deleteSession)
	router.HandleFunc("POST /api/generate", h.generate)

	h.handler = middleware.CORS(allowedOrigins, router)
	return h
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// backendView is the JSON form of one backend record.
type backendView struct {
	ID           int                 `json:"id"`
	Type         string              `json:"type"`
	Title        string              `json:"title"`
	Status       string              `json:"status"`
	Enabled      bool                `json:"enabled"`
	CurrentModel string              `json:"current_model,omitempty"`
	Usages       int                 `json:"usages"`
	MaxUsages    int                 `json:"max_usages"`
	LastRelease  string              `json:"last_release"`
	Error        string              `json:"error,omitempty"`
	Features     []string            `json:"features,omitempty"`
	Settings     generation.Settings `json:"settings,omitempty"`
}

func viewOf(rec *Record) backendView {
	v := backendView{
		ID:           rec.ID(),
		Type:         rec.Type().ID,
		Title:        rec.Title(),
		Status:       rec.Status().String(),
		Enabled:      rec.Enabled(),
		CurrentModel: rec.CurrentModel(),
		Usages:       rec.Usages(),
		MaxUsages:    rec.MaxUsages(),
		LastRelease:  units.HumanDuration(time.Since(rec.LastRelease())) + " ago",
		Settings:     rec.Settings(),
	}
	if err := rec.InitError(); err != nil {
		v.Error = err.Error()
	}
	if rec.Status() == StatusRunning {
		v.Features = rec.Driver().Features()
	}
	return v
}

func (h *HTTPHandler) listBackends(w http.ResponseWriter, _ *http.Request) {
	records := h.registry.Snapshot()
	views := make([]backendView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, views)
}

// backendRequest is the JSON body of add and edit calls.
type backendRequest struct {
	Type     string              `json:"type"`
	Title    string              `json:"title"`
	Enabled  *bool               `json:"enabled"`
	Settings generation.Settings `json:"settings"`
}

func (h *HTTPHandler) addBackend(w http.ResponseWriter, r *http.Request) {
	var req backendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rec, err := h.registry.Add(req.Type, req.Settings, req.Title, enabled)
	if err != nil {
		if errors.Is(err, ErrUnknownBackendType) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else if errors.Is(err, ErrShuttingDown) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, viewOf(rec))
}

func (h *HTTPHandler) editBackend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req backendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := h.registry.EditByID(r.Context(), id, req.Settings, req.Title, req.Enabled)
	if err != nil {
		if errors.Is(err, ErrBackendNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, viewOf(rec))
}

func (h *HTTPHandler) deleteBackend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if !h.registry.DeleteByID(r.Context(), id) {
		http.Error(w, ErrBackendNotFound.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) reloadBackends(w http.ResponseWriter, r *http.Request) {
	h.registry.ReloadAll(r.Context())
	w.WriteHeader(http.StatusAccepted)
}

// typeView is the JSON form of one driver type descriptor.
type typeView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CanLoadFast bool   `json:"can_load_fast"`
	Settings    []struct {
		Name    string `json:"name"`
		Label   string `json:"label"`
		Kind    string `json:"kind"`
		Default string `json:"default,omitempty"`
	} `json:"settings"`
}

func (h *HTTPHandler) listTypes(w http.ResponseWriter, _ *http.Request) {
	types := h.registry.Types()
	views := make([]typeView, 0, len(types))
	for _, typ := range types {
		v := typeView{ID: typ.ID, Name: typ.Name, CanLoadFast: typ.CanLoadFast}
		for _, field := range typ.SettingsSchema {
			v.Settings = append(v.Settings, struct {
				Name    string `json:"name"`
				Label   string `json:"label"`
				Kind    string `json:"kind"`
				Default string `json:"default,omitempty"`
			}{field.Name, field.Label, field.Kind.String(), field.Default})
		}
		views = append(views, v)
	}
	writeJSON(w, views)
}

func (h *HTTPHandler) loadedModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.registry.ModelsLoaded())
}

func (h *HTTPHandler) status(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[string]int)
	for _, rec := range h.registry.Snapshot() {
		counts[rec.Status().String()]++
	}
	writeJSON(w, map[string]interface{}{
		"uptime":        units.HumanDuration(time.Since(h.started)),
		"backends":      counts,
		"open_requests": h.scheduler.OpenRequests(),
		"sessions":      h.sessions.Len(),
	})
}

func (h *HTTPHandler) createSession(w http.ResponseWriter, _ *http.Request) {
	s := h.sessions.Create()
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"id": s.ID()})
}

func (h *HTTPHandler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessions.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, s.Counts())
}

func (h *HTTPHandler) interruptSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessions.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.Interrupt()
	w.WriteHeader(http.StatusAccepted)
}

func (h *HTTPHandler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.Remove(r.PathValue("id")) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// generateRequest is the JSON body of POST /api/generate.
type generateRequest struct {
	Model          string           `json:"model"`
	SessionID      string           `json:"session_id,omitempty"`
	BackendID      *int             `json:"backend_id,omitempty"`
	MaxWaitSeconds int              `json:"max_wait_seconds,omitempty"`
	BatchID        string           `json:"batch_id,omitempty"`
	Input          generation.Input `json:"input"`
}

// generateEvent is one NDJSON line of the generation stream.
type generateEvent struct {
	Type     string            `json:"type"`
	BatchID  string            `json:"batch_id,omitempty"`
	Overall  float64           `json:"overall,omitempty"`
	Current  float64           `json:"current,omitempty"`
	Preview  []byte            `json:"preview,omitempty"`
	Data     []byte            `json:"data,omitempty"`
	Format   string            `json:"format,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// generate runs one streaming generation, emitting newline-delimited JSON
// events as the worker produces them.
func (h *HTTPHandler) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	opts := RequestOptions{DesiredModel: req.Model}
	if req.SessionID != "" {
		s, ok := h.sessions.Get(req.SessionID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		opts.Session = s
	}
	if req.BackendID != nil {
		want := *req.BackendID
		opts.Filter = func(rec *Record) bool { return rec.ID() == want }
	}
	// Drivers resolve the model through the input's extension map.
	if req.Model != "" {
		if req.Input.Extra == nil {
			req.Input.Extra = make(map[string]interface{})
		}
		req.Input.Extra["model"] = req.Model
	}
	maxWait := time.Duration(req.MaxWaitSeconds) * time.Second
	batchID := req.BatchID
	if batchID == "" {
		batchID = fmt.Sprintf("batch-%d", time.Now().UnixNano())
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)
	emit := func(ev generateEvent) {
		if err := encoder.Encode(ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	err := h.scheduler.Generate(r.Context(), maxWait, opts, &req.Input, batchID,
		func(ev generation.Event) {
			switch e := ev.(type) {
			case generation.ProgressEvent:
				emit(generateEvent{
					Type: "progress", BatchID: e.BatchID,
					Overall: e.Overall, Current: e.Current, Preview: e.Preview,
				})
			case generation.ImageEvent:
				emit(generateEvent{
					Type: "image", BatchID: e.BatchID,
					Data: e.Data, Format: e.Format, Metadata: e.Metadata,
				})
			}
		})
	if err != nil {
		emit(generateEvent{Type: "error", BatchID: batchID, Error: err.Error()})
		return
	}
	emit(generateEvent{Type: "done", BatchID: batchID})
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid backend id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumAPIRequestSize))
	if err != nil {
		var maxBytesError *http.MaxBytesError
		if errors.As(err, &maxBytesError) {
			http.Error(w, "request too large", http.StatusBadRequest)
		} else {
			http.Error(w, "failed to read request body", http.StatusInternalServerError)
		}
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("Failed to encode response: %v", err), http.StatusInternalServerError)
	}
}
