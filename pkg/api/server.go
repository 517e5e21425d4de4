package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/taskrunner/taskd/pkg/monitoring"
	"github.com/taskrunner/taskd/pkg/taskqueue"
)

const maxRequestBody = 1 << 20 // 1 MiB

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	EnableCORS   bool
}

// DefaultServerConfig returns the default HTTP server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server exposes the coordinator over REST and WebSocket.
type Server struct {
	config      ServerConfig
	coordinator *taskqueue.Coordinator
	metrics     *monitoring.Registry
	hub         *eventHub
	router      *mux.Router
	httpServer  *http.Server
	logger      zerolog.Logger
}

// NewServer builds the API server. The caller attaches EventListener()
// to the coordinator to feed the WebSocket stream.
func NewServer(config ServerConfig, coordinator *taskqueue.Coordinator, metrics *monitoring.Registry, logger zerolog.Logger) *Server {
	s := &Server{
		config:      config,
		coordinator: coordinator,
		metrics:     metrics,
		router:      mux.NewRouter(),
		logger:      logger.With().Str("component", "api").Logger(),
	}
	s.hub = newEventHub(s.logger)
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// EventListener returns the listener feeding the /api/v1/events stream.
func (s *Server) EventListener() taskqueue.TaskEventListener {
	return s.hub
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	if s.config.EnableCORS {
		s.router.Use(s.corsMiddleware)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/tasks", s.handleSubmitTask).Methods("POST")
	v1.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	v1.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	v1.HandleFunc("/tasks/{id}/result", s.handleGetTaskResult).Methods("GET")
	v1.HandleFunc("/tasks/{id}", s.handleCancelTask).Methods("DELETE")
	v1.HandleFunc("/queue/limits/{type}", s.handleSetLimit).Methods("PUT")
	v1.HandleFunc("/queue/status", s.handleQueueStatus).Methods("GET")
	v1.HandleFunc("/handlers", s.handleListHandlers).Methods("GET")
	v1.HandleFunc("/events", s.handleEvents).Methods("GET")

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.hub.run()
	go func() {
		s.logger.Info().Str("address", s.config.Address).Msg("API server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server failed")
		}
	}()
}

// Shutdown stops the HTTP server and closes every event stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}

// Task handlers

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}

	if err := validateSubmitPayload(body); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid submission payload", err)
		return
	}

	var req SubmitTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	priority := taskqueue.PriorityNormal
	if req.Priority != "" {
		priority, _ = taskqueue.ParsePriority(req.Priority)
	}

	taskID, err := s.coordinator.SubmitTask(req.Type, req.Name, req.Config, priority)
	if err != nil {
		switch {
		case errors.Is(err, taskqueue.ErrNoHandlerForType):
			s.writeError(w, http.StatusNotFound, "No handler for task type", err)
		case errors.Is(err, taskqueue.ErrCoordinatorClosed):
			s.writeError(w, http.StatusServiceUnavailable, "Coordinator is shut down", err)
		default:
			s.writeError(w, http.StatusInternalServerError, "Failed to submit task", err)
		}
		return
	}

	s.writeJSON(w, http.StatusCreated, SubmitTaskResponse{TaskID: taskID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	statusFilter := taskqueue.TaskStatus(r.URL.Query().Get("status"))
	if statusFilter != "" && !statusFilter.IsValid() {
		s.writeError(w, http.StatusBadRequest, "Invalid status filter", fmt.Errorf("unknown status %q", statusFilter))
		return
	}
	typeFilter := r.URL.Query().Get("type")

	tasks := s.coordinator.ListTasks(statusFilter, typeFilter)
	snapshots := make([]taskqueue.TaskSnapshot, len(tasks))
	for i, info := range tasks {
		snapshots[i] = info.Snapshot()
	}

	s.writeJSON(w, http.StatusOK, ListTasksResponse{Tasks: snapshots, Total: len(snapshots)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	info, ok := s.coordinator.GetTaskInfo(taskID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Task not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, info.Snapshot())
}

func (s *Server) handleGetTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	result, ok := s.coordinator.GetTaskResult(taskID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "No result for task", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, newTaskResultResponse(result))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	info, ok := s.coordinator.GetTaskInfo(taskID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Task not found", nil)
		return
	}

	if !s.coordinator.CancelTask(taskID) {
		s.writeError(w, http.StatusConflict, "Task already finished",
			fmt.Errorf("task %s is %s", taskID, info.Status()))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":   taskID,
		"cancelled": true,
	})
}

// Queue handlers

func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	taskType := mux.Vars(r)["type"]

	var req LimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s.coordinator.SetConcurrencyLimit(taskType, req.MaxConcurrent)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"type":           taskType,
		"max_concurrent": req.MaxConcurrent,
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coordinator.GetQueueStatus())
}

func (s *Server) handleListHandlers(w http.ResponseWriter, r *http.Request) {
	handlers := s.coordinator.GetRegisteredHandlers()
	infos := make([]HandlerInfo, len(handlers))
	for i, h := range handlers {
		infos[i] = HandlerInfo{Name: h.Name(), TaskTypes: h.SupportedTaskTypes()}
	}
	s.writeJSON(w, http.StatusOK, infos)
}

// Operational handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Queue:     s.coordinator.GetQueueStatus(),
		Timestamp: time.Now(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := s.metrics.WritePrometheus(w); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write metrics")
	}
}

// Response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{
		Error: ErrorBody{
			Code:      status,
			Message:   message,
			Timestamp: time.Now(),
		},
	}
	if err != nil {
		resp.Error.Details = err.Error()
		s.logger.Debug().Err(err).Str("message", message).Msg("API error")
	}
	s.writeJSON(w, status, resp)
}

// Middleware

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack keeps WebSocket upgrades working through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("Recovered panic in HTTP handler")
				s.writeError(w, http.StatusInternalServerError, "Internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
