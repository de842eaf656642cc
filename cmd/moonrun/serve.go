package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/moonrun/executor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for script execution",
	Long: `Start an HTTP server that runs scripts on one shared runtime.

Endpoints:
  POST   /execute              Execute code (stateless)
  POST   /sessions             Create session, returns {"session_id":"..."}
  POST   /sessions/{id}/exec   Execute in session (state persists)
  DELETE /sessions/{id}        Close session
  GET    /health               Health check

Runs are serialized. Every request shares the module cache and the
capabilities granted by flags.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().Duration("session-ttl", 15*time.Minute, "Close sessions idle for longer than this")
	addCapabilityFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

type sessionManager struct {
	sessions map[string]*serverSession
	mu       sync.RWMutex
	ttl      time.Duration
}

type serverSession struct {
	session  *executor.Session
	lastUsed time.Time
}

func newSessionManager(ttl time.Duration) *sessionManager {
	return &sessionManager{
		sessions: make(map[string]*serverSession),
		ttl:      ttl,
	}
}

func (sm *sessionManager) create(exec *executor.Executor) string {
	id := generateSessionID()
	sm.mu.Lock()
	sm.sessions[id] = &serverSession{
		session:  exec.NewSession(),
		lastUsed: time.Now(),
	}
	sm.mu.Unlock()
	return id
}

func (sm *sessionManager) get(id string) (*executor.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ss, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	ss.lastUsed = time.Now()
	return ss.session, true
}

func (sm *sessionManager) close(id string) bool {
	sm.mu.Lock()
	ss, ok := sm.sessions[id]
	if ok {
		ss.session.Close()
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	return ok
}

// expire closes sessions idle since before now minus the TTL.
func (sm *sessionManager) expire(now time.Time) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := 0
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) > sm.ttl {
			ss.session.Close()
			delete(sm.sessions, id)
			n++
		}
	}
	return n
}

func (sm *sessionManager) cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sm.expire(now)
		}
	}
}

func (sm *sessionManager) closeAll() {
	sm.mu.Lock()
	for id, ss := range sm.sessions {
		ss.session.Close()
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
}

func generateSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

type executeRequest struct {
	Code    string `json:"code"`
	Timeout string `json:"timeout,omitempty"`
}

type executeResponse struct {
	Output     string `json:"output"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type server struct {
	exec     *executor.Executor
	sessions *sessionManager
	logger   *log.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("POST /sessions/{id}/exec", s.handleSessionExec)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// decodeExecute reads an execute request and applies its timeout to ctx.
func decodeExecute(r *http.Request) (executeRequest, context.Context, context.CancelFunc, error) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, nil, nil, errors.New("invalid json")
	}
	if req.Code == "" {
		return req, nil, nil, errors.New("code required")
	}

	ctx, cancel := context.WithCancel(r.Context())
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			cancel()
			return req, nil, nil, fmt.Errorf("invalid timeout: %w", err)
		}
		cancel()
		ctx, cancel = context.WithTimeout(r.Context(), d)
	}
	return req, ctx, cancel, nil
}

func writeResult(w http.ResponseWriter, result executor.Result) {
	resp := executeResponse{
		Output:     result.Output,
		ExitCode:   result.ExitCode,
		DurationMs: result.Duration.Milliseconds(),
	}
	if result.Error != nil {
		resp.Error = result.Error.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, ctx, cancel, err := decodeExecute(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer cancel()

	result := s.exec.Run(ctx, "request", []byte(req.Code))
	s.logger.Debug("execute", "exit", result.ExitCode, "duration", result.Duration)
	writeResult(w, result)
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := s.sessions.create(s.exec)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(createSessionResponse{SessionID: id})
}

func (s *server) handleSessionExec(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	req, ctx, cancel, err := decodeExecute(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer cancel()

	result := session.Run(ctx, req.Code)
	if errors.Is(result.Error, executor.ErrSessionBusy) {
		http.Error(w, result.Error.Error(), http.StatusConflict)
		return
	}
	writeResult(w, result)
}

func (s *server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions.close(r.PathValue("id")) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Error(w, "session not found", http.StatusNotFound)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	port, _ := cmd.Flags().GetInt("port")
	ttl, _ := cmd.Flags().GetDuration("session-ttl")
	logger := newLogger(cfg, cmd.ErrOrStderr(), log.InfoLevel)

	h, err := newHost(cfg, hostOptions{
		stdout: io.Discard,
		stderr: cmd.ErrOrStderr(),
		logger: logger,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	sessions := newSessionManager(ttl)
	defer sessions.closeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sessions.cleanup(ctx, time.Minute)

	s := &server{exec: h.exec, sessions: sessions, logger: logger}
	addr := fmt.Sprintf(":%d", port)
	logger.Info("moonrun server listening", "addr", addr)
	return http.ListenAndServe(addr, s.routes())
}
