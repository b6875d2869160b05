package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/watchloop/agentsup/internal/contextmon"
	"github.com/watchloop/agentsup/internal/eventbus"
	gitpkg "github.com/watchloop/agentsup/internal/git"
	"github.com/watchloop/agentsup/internal/handoff"
	"github.com/watchloop/agentsup/internal/hub"
	"github.com/watchloop/agentsup/internal/mux"
	"github.com/watchloop/agentsup/internal/notify"
	"github.com/watchloop/agentsup/internal/project"
	"github.com/watchloop/agentsup/internal/ptybridge"
	"github.com/watchloop/agentsup/internal/reviewer"
	"github.com/watchloop/agentsup/internal/store"
	"github.com/watchloop/agentsup/internal/supervisor"
	"github.com/watchloop/agentsup/internal/ticket"
	"github.com/watchloop/agentsup/internal/waiting"
)

// Server is the HTTP routing surface. It owns no domain logic itself; it
// wires the supervisor, the event bus, and every component driven off it,
// then exposes a REST + WebSocket surface over them.
type Server struct {
	store     *store.Store
	bus       *eventbus.Bus
	mux       *mux.Adapter
	sv        *supervisor.Supervisor
	pty       *ptybridge.Bridge
	ctxmon    *contextmon.Monitor
	waiting   *waiting.Detector
	tickets   *ticket.Machine
	ticketRes *ticket.Resolver
	reviewer  *reviewer.Orchestrator
	handoff   *handoff.Controller
	hub       *hub.Hub
	notify    *notify.Service
	projects  *project.Registry
	scanner   *project.Scanner
	git       *gitpkg.Manager

	logger      *slog.Logger
	httpSrv     *http.Server
	version     string
	apiKey      string
	agentBinary string
}

// Config configures the whole wired system, not just HTTP listening.
type Config struct {
	Addr    string
	Logger  *slog.Logger
	Version string

	DBPath        string
	ProjectsPath  string // JSON config consumed by project.LoadFile
	AgentBinary   string
	ReviewerModel string
	APIKey        string

	SlackWebhookURL string
	VAPIDConfigDir  string
}

// New wires every component and returns a Server ready to Start.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("server: open store: %w", err)
	}

	projects := project.NewRegistry()
	if cfg.ProjectsPath != "" {
		loaded, err := project.LoadFile(cfg.ProjectsPath)
		if err != nil {
			return nil, fmt.Errorf("server: load projects: %w", err)
		}
		projects = loaded
	}
	scanner := project.NewScanner(st, logger)

	bus := eventbus.New()
	adapter := mux.New()
	ticketRes := ticket.NewResolver(st)

	// sv is its own cwdResolver's dependency, so the detector is built
	// once sv exists and handed back in.
	waitingDetector := waiting.New(bus, nil, waiting.Config{}, logger)
	sv := supervisor.New(adapter, st, bus, waitingDetector, projects, ticketRes, logger, supervisor.Options{})
	waitingDetector.SetResolver(&cwdResolver{sv: sv, projects: projects})

	ctxmon := contextmon.New(bus, newTranscriptResolver(projects), st, logger)
	ticketMachine := ticket.New(st, bus, logger)
	gitMgr := gitpkg.New(logger)

	reviewOrch := reviewer.New(reviewer.Config{Model: cfg.ReviewerModel}, reviewer.Deps{
		Store:    st,
		Tickets:  ticketMachine,
		Bus:      bus,
		Sessions: &reviewerSessionResolver{sv: sv, projects: projects},
		Files:    ticketRes,
		Diffs:    gitMgr,
		Tests:    fileTestOutputReader{},
		Output:   sv,
		Logger:   logger,
	})

	handoffCtrl := handoff.New(handoff.Config{}, &handoffSessions{sv: sv}, ticketRes, st, bus, logger)

	sink := &lazySink{}
	bridge := ptybridge.New(sv, adapter, sink, logger)

	realtimeHub := hub.New(hub.Config{APIKey: cfg.APIKey}, sv, &hubPaneOps{mux: adapter, sv: sv}, bridge, bus, logger)
	sink.bind(realtimeHub)

	notifySvc, err := notify.New(notify.Config{
		SlackWebhookURL: cfg.SlackWebhookURL,
		VAPIDConfigDir:  cfg.VAPIDConfigDir,
	}, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("server: init notify service: %w", err)
	}

	s := &Server{
		store:     st,
		bus:       bus,
		mux:       adapter,
		sv:        sv,
		pty:       bridge,
		ctxmon:    ctxmon,
		waiting:   waitingDetector,
		tickets:   ticketMachine,
		ticketRes: ticketRes,
		reviewer:  reviewOrch,
		handoff:   handoffCtrl,
		hub:       realtimeHub,
		notify:    notifySvc,
		projects:  projects,
		scanner:   scanner,
		git:       gitMgr,
		logger:      logger,
		version:     cfg.Version,
		apiKey:      cfg.APIKey,
		agentBinary: cfg.AgentBinary,
	}
	s.wireContextThreshold()

	httpMux := http.NewServeMux()
	s.routes(httpMux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// wireContextThreshold subscribes to context:threshold and hands the
// session to the Auto-Handoff Controller — the two packages have no
// direct dependency on each other, so the server is the glue.
func (s *Server) wireContextThreshold() {
	ch := s.bus.Subscribe(eventbus.KindContextThreshold)
	trigger := contextThresholdHandoff(s.handoff)
	go func() {
		for ev := range ch {
			if p, ok := ev.Payload.(eventbus.ContextThreshold); ok {
				trigger(p.SessionID)
			}
		}
	}()
}

func (s *Server) routes(m *http.ServeMux) {
	m.HandleFunc("GET /api/v1/info", s.handleInfo)

	m.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	m.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	m.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	m.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleStopSession)
	m.HandleFunc("POST /api/v1/sessions/{id}/input", s.handleSessionInput)
	m.HandleFunc("POST /api/v1/sessions/{id}/review", s.handleTriggerReview)
	m.HandleFunc("POST /api/v1/sessions/{id}/handoff", s.handleTriggerHandoff)
	m.HandleFunc("GET /api/v1/ws", s.hub.ServeHTTP)

	m.HandleFunc("GET /api/v1/tickets", s.handleListTickets)
	m.HandleFunc("GET /api/v1/tickets/{id}/history", s.handleTicketHistory)
	m.HandleFunc("POST /api/v1/tickets/{id}/approve", s.handleApproveTicket)
	m.HandleFunc("POST /api/v1/tickets/{id}/reject", s.handleRejectTicket)

	m.HandleFunc("GET /api/v1/projects", s.handleListProjects)
	m.HandleFunc("POST /api/v1/projects/{id}/scan", s.handleScanProject)

	m.HandleFunc("GET /api/v1/notifications", s.handleListNotifications)
	m.HandleFunc("POST /api/v1/notifications/{id}/read", s.handleMarkNotificationRead)

	m.HandleFunc("POST /api/v1/hooks/event", s.handleHookEvent)

	m.HandleFunc("GET /api/v1/git/status", s.handleGitStatus)
	m.HandleFunc("GET /api/v1/git/log", s.handleGitLog)
	m.HandleFunc("POST /api/v1/git/exec", s.handleGitExec)

	m.HandleFunc("GET /api/v1/push/vapid", s.handleVAPIDKey)
	m.HandleFunc("POST /api/v1/push/subscribe", s.handlePushSubscribe)
	m.HandleFunc("POST /api/v1/push/unsubscribe", s.handlePushUnsubscribe)
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.sv.Start(ctx); err != nil {
		return fmt.Errorf("server: start supervisor: %w", err)
	}
	return nil
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) ServeTLS(ln net.Listener, certFile, keyFile string) error {
	s.logger.Info("server started (TLS)", "addr", ln.Addr().String())
	return s.httpSrv.ServeTLS(ln, certFile, keyFile)
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) { s.httpSrv.TLSConfig = tlsCfg }

// Shutdown stops every component in reverse dependency order, then the
// HTTP listener, mirroring the teacher's StopAll/SaveAll-then-Shutdown
// pattern.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	s.hub.Stop()
	s.notify.Stop()
	s.reviewer.Stop()
	s.waiting.Stop()
	s.sv.Stop()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return err
	}
	return s.store.Close()
}

// --- Session handlers ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"version": s.version,
		"tools":   supervisor.ProbeAgentBinary(s.agentBinary, ""),
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	sessions, err := s.sv.ListSessions(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID     string `json:"projectId"`
		TicketID      string `json:"ticketId"`
		Cwd           string `json:"cwd"`
		InitialPrompt string `json:"initialPrompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "projectId is required")
		return
	}

	var (
		sess store.Session
		err  error
	)
	if req.TicketID != "" {
		sess, err = s.sv.StartTicketSession(r.Context(), supervisor.StartTicketSessionParams{
			ProjectID: req.ProjectID, TicketID: req.TicketID, Cwd: req.Cwd, InitialPrompt: req.InitialPrompt,
		})
	} else {
		sess, err = s.sv.StartSession(r.Context(), supervisor.StartSessionParams{
			ProjectID: req.ProjectID, Cwd: req.Cwd, InitialPrompt: req.InitialPrompt,
		})
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if req.TicketID != "" {
		if err := s.tickets.StartWork(r.Context(), req.TicketID, sess.ID); err != nil && !errors.Is(err, ticket.ErrInvalidTransition) {
			s.logger.Warn("server: startWork failed", "ticket_id", req.TicketID, "session_id", sess.ID, "err", err)
		}
	}
	writeJSONResponse(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sv.GetSession(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sess)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"
	if err := s.sv.StopSession(r.Context(), id, force); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSessionInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if err := s.sv.SendInput(r.Context(), id, req.Text); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTriggerReview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.reviewer.TriggerManual(r.Context(), id); err != nil {
		if errors.Is(err, reviewer.ErrReviewInProgress) {
			writeError(w, http.StatusConflict, "conflict", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTriggerHandoff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.handoff.Start(r.Context(), id); err != nil {
		if errors.Is(err, handoff.ErrHandoffInProgress) || errors.Is(err, handoff.ErrNotEligible) {
			writeError(w, http.StatusConflict, "conflict", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Ticket handlers ---

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := s.store.ListTickets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"tickets": tickets})
}

func (s *Server) handleTicketHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history, err := s.tickets.GetHistory(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleApproveTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		By string `json:"by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.tickets.Approve(r.Context(), id, req.By); err != nil {
		writeTicketError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRejectTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Feedback string `json:"feedback"`
		By       string `json:"by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if err := s.tickets.Reject(r.Context(), id, req.Feedback, req.By); err != nil {
		writeTicketError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Project handlers ---

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"projects": s.projects.All()})
}

func (s *Server) handleScanProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, ok := s.projects.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "project not found: "+id)
		return
	}
	n, err := s.scanner.Scan(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"discovered": n})
}

// --- Notification handlers ---

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListUnreadNotifications(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"notifications": list})
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.MarkNotificationRead(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Hook ingress ---

func (s *Server) handleHookEvent(w http.ResponseWriter, r *http.Request) {
	var ev waiting.HookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if ev.Event == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "event is required")
		return
	}
	s.waiting.HandleHookEvent(r.Context(), ev)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Git handlers ---

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	workDir := r.URL.Query().Get("workDir")
	result, err := s.git.Status(workDir)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGitLog(w http.ResponseWriter, r *http.Request) {
	workDir := r.URL.Query().Get("workDir")
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := fmt.Sscanf(l, "%d", &limit); n != 1 || err != nil {
			limit = 20
		}
	}
	result, err := s.git.Log(workDir, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGitExec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkDir string   `json:"workDir"`
		Args    []string `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	result, err := s.git.Exec(req.WorkDir, req.Args)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// --- Web push handlers ---

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"publicKey": s.notify.VAPIDPublicKey()})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	s.notify.Subscribe(&sub)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}
	s.notify.Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Helpers ---

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrSessionNotFound), errors.Is(err, supervisor.ErrProjectNotFound), errors.Is(err, supervisor.ErrTicketNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrNotRunning):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	}
}

func writeTicketError(w http.ResponseWriter, err error) {
	var invalid *ticket.InvalidTransitionError
	switch {
	case errors.As(err, &invalid), errors.Is(err, ticket.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, ticket.ErrMissingFeedback):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	}
}
