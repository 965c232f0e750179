package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"sequence_doc_generator/document"
	"sequence_doc_generator/sequence"
)

// Server exposes the sequence pipeline over HTTP: queue seeding, run
// control, continue/feedback signaling, state reads, document export, and
// event streaming.
type Server struct {
	store      sequence.Store
	retriever  sequence.Retriever
	generator  sequence.Generator
	summarizer sequence.Summarizer
	opts       sequence.Options
	hub        *Hub
	logger     *log.Logger

	mu      sync.Mutex
	running map[string]bool
}

func New(store sequence.Store, retriever sequence.Retriever, generator sequence.Generator, summarizer sequence.Summarizer, opts sequence.Options, logger *log.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if retriever == nil || generator == nil || summarizer == nil {
		return nil, errors.New("retriever, generator and summarizer are required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		store:      store,
		retriever:  retriever,
		generator:  generator,
		summarizer: summarizer,
		opts:       opts,
		hub:        NewHub(logger),
		logger:     logger,
		running:    make(map[string]bool),
	}, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/projects/{project}/sessions", s.handleSessionCreate)
	mux.HandleFunc("POST /api/projects/{project}/sessions/{session}/tasks", s.handleSeedQueue)
	mux.HandleFunc("GET /api/projects/{project}/sessions/{session}/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/projects/{project}/sessions/{session}/start", s.handleStart)
	mux.HandleFunc("POST /api/projects/{project}/sessions/{session}/continue", s.handleContinue)
	mux.HandleFunc("POST /api/projects/{project}/sessions/{session}/feedback", s.handleFeedback)
	mux.HandleFunc("GET /api/projects/{project}/sessions/{session}/context", s.handleGetContext)
	mux.HandleFunc("DELETE /api/projects/{project}/sessions/{session}/context", s.handleClearContext)
	mux.HandleFunc("GET /api/projects/{project}/sessions/{session}/document", s.handleDocument)
	mux.HandleFunc("GET /api/projects/{project}/sessions/{session}/events", s.handleEvents)
	mux.HandleFunc("GET /api/projects/{project}/sessions/{session}/ws", s.handleWS)
	return logMiddleware(mux, s.logger)
}

// --- Handlers ---

type sessionCreateResp struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
}

type seedChapter struct {
	Title          string `json:"title"`
	HowToWrite     string `json:"how_to_write"`
	EstimatedWords int    `json:"estimated_words"`
}

type seedQueueReq struct {
	ProjectName string        `json:"project_name"`
	Chapters    []seedChapter `json:"chapters"`
}

type startReq struct {
	ProjectName string `json:"project_name"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, sessionCreateResp{
		ProjectID: r.PathValue("project"),
		SessionID: uuid.NewString(),
	})
}

func (s *Server) handleSeedQueue(w http.ResponseWriter, r *http.Request) {
	project, session := r.PathValue("project"), r.PathValue("session")
	var req seedQueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Chapters) == 0 {
		http.Error(w, "chapters must not be empty", http.StatusBadRequest)
		return
	}
	tasks := make([]sequence.TaskRecord, 0, len(req.Chapters))
	for i, ch := range req.Chapters {
		if ch.Title == "" {
			http.Error(w, "chapter title is required", http.StatusBadRequest)
			return
		}
		tasks = append(tasks, sequence.TaskRecord{
			Index:          i,
			OriginalIndex:  i,
			Title:          ch.Title,
			HowToWrite:     ch.HowToWrite,
			EstimatedWords: ch.EstimatedWords,
			Status:         sequence.StatusWaiting,
			SessionID:      session,
			ProjectName:    req.ProjectName,
		})
	}
	if err := s.store.SaveQueue(r.Context(), project, session, tasks); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{"status": "seeded", "count": len(tasks)})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.LoadQueue(r.Context(), r.PathValue("project"), r.PathValue("session"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{"tasks": tasks})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	project, session := r.PathValue("project"), r.PathValue("session")
	var req startReq
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // body optional
	}

	key := hubKey(project, session)
	s.mu.Lock()
	if s.running[key] {
		s.mu.Unlock()
		http.Error(w, "sequence already running for this session", http.StatusConflict)
		return
	}
	s.running[key] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, key)
			s.mu.Unlock()
		}()
		runner, err := sequence.NewRunner(s.store, s.retriever, s.generator, s.summarizer, s.opts, s.eventSink(), s.logger)
		if err != nil {
			s.logger.Printf("[server] runner构建失败: %v", err)
			return
		}
		if err := runner.Run(context.Background(), project, session, req.ProjectName); err != nil {
			s.logger.Printf("[server] 序列生成结束(错误): %v", err)
		}
	}()
	writeJSON(w, map[string]string{"status": "started"})
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SignalContinue(r.Context(), r.PathValue("project"), r.PathValue("session")); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	project, session := r.PathValue("project"), r.PathValue("session")
	var fb sequence.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if fb.Text == "" {
		http.Error(w, "feedback text is required", http.StatusBadRequest)
		return
	}
	if err := s.store.PushFeedback(r.Context(), project, session, fb); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	// Wake a runner blocked on paused tasks so the feedback is picked up.
	if err := s.store.SignalContinue(r.Context(), project, session); err != nil {
		s.logger.Printf("[server] continue信号发送失败: %v", err)
	}
	writeJSON(w, map[string]string{"status": "accepted"})
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	cc, err := s.store.CumulativeContext(r.Context(), r.PathValue("project"), r.PathValue("session"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if cc == nil {
		cc = &sequence.CumulativeContext{}
	}
	writeJSON(w, cc)
}

func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearCumulativeContext(r.Context(), r.PathValue("project"), r.PathValue("session")); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "cleared"})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.LoadQueue(r.Context(), r.PathValue("project"), r.PathValue("session"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	title := r.URL.Query().Get("title")
	if title == "" && len(tasks) > 0 {
		title = tasks[0].ProjectName
	}
	md := document.Assemble(title, tasks)
	if r.URL.Query().Get("format") == "html" {
		html, err := document.RenderHTML(md)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(html))
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(md))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeSSE(w, r, r.PathValue("project"), r.PathValue("session"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, r.PathValue("project"), r.PathValue("session"))
}

// eventSink bridges runner events to connected clients and mirrors them
// into the store's log stream for consumers that poll instead of streaming.
func (s *Server) eventSink() sequence.EventSink {
	return func(ev sequence.Event) {
		s.hub.Broadcast(ev)
		if payload, err := json.Marshal(ev); err == nil {
			s.store.AppendLog(context.Background(), ev.Project, ev.Session, "info", string(payload))
		}
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func logMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Printf("[http] %s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
