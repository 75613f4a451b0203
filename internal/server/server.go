package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/loppo-llc/runner/internal/notify"
	"github.com/loppo-llc/runner/internal/permission"
	"github.com/loppo-llc/runner/internal/session"
	"github.com/loppo-llc/runner/internal/store"
)

// Authenticator resolves an API token to a user.
type Authenticator interface {
	Authenticate(token string) (permission.User, bool)
}

type Server struct {
	sessions *session.Manager
	store    *store.Store
	users    Authenticator
	oracle   *permission.Oracle
	notify   *notify.Manager
	hub      *Hub
	logger   *slog.Logger
	httpSrv  *http.Server
	version  string
}

type Config struct {
	Addr          string
	Logger        *slog.Logger
	Version       string
	Sessions      *session.Manager
	Store         *store.Store
	Users         Authenticator
	NotifyManager *notify.Manager
}

// New builds the HTTP surface and hooks lifecycle events into the
// broadcast hub.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		sessions: cfg.Sessions,
		store:    cfg.Store,
		users:    cfg.Users,
		oracle:   permission.NewOracle(cfg.Store),
		notify:   cfg.NotifyManager,
		hub:      NewHub(),
		logger:   logger,
		version:  cfg.Version,
	}

	s.sessions.OnEvent = s.hub.PublishEvent

	// alert when an instance dies on its own or a restart had to be forced
	if s.notify != nil {
		s.sessions.OnSessionExit = func(sess *session.Session, exitCode int, unexpected bool) {
			if unexpected {
				s.notify.InstanceExited(sess.ID, sess.Name, exitCode)
			}
		}
		s.sessions.OnWatchdog = func(id string) {
			name := ""
			if inst, err := s.store.Get(id); err == nil {
				name = inst.Name
			}
			s.notify.RestartForced(id, name)
		}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/info", s.handleInfo)
	mux.HandleFunc("GET /api/v1/instances", s.authed(s.handleListInstances))
	mux.HandleFunc("GET /api/v1/instances/{id}", s.authed(s.handleGetInstance))
	mux.HandleFunc("PUT /api/v1/instances/{id}", s.authed(s.handlePutInstance))
	mux.HandleFunc("DELETE /api/v1/instances/{id}", s.authed(s.handleDeleteInstance))
	mux.HandleFunc("POST /api/v1/instances/{id}/action", s.authed(s.handleInstanceAction))
	mux.HandleFunc("GET /api/v1/instances/{id}/output", s.authed(s.handleInstanceOutput))
	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	// Web Push notifications
	mux.HandleFunc("GET /api/v1/push/vapid", s.authed(s.handleVAPIDKey))
	mux.HandleFunc("POST /api/v1/push/subscribe", s.authed(s.handlePushSubscribe))
	mux.HandleFunc("POST /api/v1/push/unsubscribe", s.authed(s.handlePushUnsubscribe))

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Hub is the broadcast primitive shared with the stats sampler.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) {
	s.httpSrv.TLSConfig = tlsCfg
}

// Shutdown stops accepting requests, then ends local sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	err := s.httpSrv.Shutdown(ctx)
	s.sessions.StopAll(ctx)
	if s.notify != nil {
		s.notify.Wait()
	}
	return err
}

// --- Auth ---

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	// browsers cannot set headers on a WebSocket handshake
	return r.URL.Query().Get("token")
}

func (s *Server) authenticate(r *http.Request) (permission.User, bool) {
	if s.users == nil {
		return permission.User{}, false
	}
	return s.users.Authenticate(bearerToken(r))
}

func (s *Server) authed(h func(http.ResponseWriter, *http.Request, permission.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		h(w, r, user)
	}
}

// --- API Handlers ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"version":  s.version,
		"hostname": hostname,
		"clients":  s.hub.Len(),
	})
}

// instanceView is an instance config as seen by one user.
type instanceView struct {
	store.Instance
	Status     session.Status   `json:"status"`
	Phase      string           `json:"phase"`
	Permission permission.Level `json:"permission"`
}

func (s *Server) view(inst store.Instance, u permission.User) instanceView {
	status := session.StatusStopped
	if s.sessions.IsRunning(inst.ID) {
		status = session.StatusRunning
	}
	if !u.IsAdmin() {
		inst.Permissions = nil
	}
	return instanceView{
		Instance:   inst,
		Status:     status,
		Phase:      s.sessions.Phase(inst.ID).String(),
		Permission: s.oracle.Level(u, inst.ID),
	}
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request, u permission.User) {
	list, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	views := make([]instanceView, 0, len(list))
	for _, inst := range list {
		if !s.oracle.CanView(u, inst.ID) {
			continue
		}
		views = append(views, s.view(inst, u))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	writeJSONResponse(w, http.StatusOK, map[string]any{"instances": views})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request, u permission.User) {
	id := r.PathValue("id")
	if !s.oracle.CanView(u, id) {
		writeError(w, http.StatusNotFound, "not_found", "instance not found: "+id)
		return
	}
	inst, err := s.store.Get(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.view(*inst, u))
}

func (s *Server) handlePutInstance(w http.ResponseWriter, r *http.Request, u permission.User) {
	if !u.IsAdmin() {
		writeError(w, http.StatusForbidden, "forbidden", permission.ErrDenied.Error())
		return
	}
	id := r.PathValue("id")
	var inst store.Instance
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	inst.ID = id
	switch inst.Kind {
	case store.KindShell:
		if inst.Command == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "command is required")
			return
		}
	case store.KindDocker:
		if inst.Docker.Image == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "dockerConfig.image is required")
			return
		}
	case store.KindDockerCompose:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown instance type: "+string(inst.Kind))
		return
	}
	for _, g := range inst.Permissions {
		if _, err := permission.ParseLevel(string(g.Terminal)); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	ev := session.EventCreated
	if prev, err := s.store.Get(id); err == nil {
		ev = session.EventUpdated
		inst.ContainerID = prev.ContainerID
	}
	if err := s.store.Put(inst); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.sessions.Notify(session.Event{Type: ev, ID: id})
	writeJSONResponse(w, http.StatusOK, s.view(inst, u))
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request, u permission.User) {
	id := r.PathValue("id")
	if err := s.oracle.Check(u, id, permission.FullControl); err != nil {
		writeActionError(w, err)
		return
	}
	deleteData := r.URL.Query().Get("deleteData") == "true"
	if err := s.sessions.Delete(context.WithoutCancel(r.Context()), id, deleteData); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleInstanceAction(w http.ResponseWriter, r *http.Request, u permission.User) {
	id := r.PathValue("id")
	var req struct {
		Action permission.Action `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if _, ok := permission.RequiredFor(req.Action); !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown action: "+string(req.Action))
		return
	}
	if err := s.oracle.CheckAction(u, id, req.Action); err != nil {
		writeActionError(w, err)
		return
	}
	// a client hanging up must not leave a restart half done
	if err := s.sessions.Perform(context.WithoutCancel(r.Context()), id, req.Action); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.actionResult(id, u))
}

func (s *Server) actionResult(id string, u permission.User) any {
	inst, err := s.store.Get(id)
	if err != nil {
		return map[string]bool{"ok": true}
	}
	return s.view(*inst, u)
}

// handleInstanceOutput returns the scrollback of the live session or, when
// stopped, of the last run.
func (s *Server) handleInstanceOutput(w http.ResponseWriter, r *http.Request, u permission.User) {
	id := r.PathValue("id")
	if err := s.oracle.Check(u, id, permission.ReadOnly); err != nil {
		writeActionError(w, err)
		return
	}
	var out []byte
	if sess, ok := s.sessions.Get(id); ok {
		out = sess.Replay()
	} else if h, ok := s.sessions.History(id); ok {
		out = h
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// --- Web Push Handlers ---

func (s *Server) pushAvailable(w http.ResponseWriter) bool {
	if s.notify == nil || !s.notify.PushEnabled() {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return false
	}
	return true
}

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request, _ permission.User) {
	if !s.pushAvailable(w) {
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"publicKey": s.notify.VAPIDPublicKey(),
	})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request, _ permission.User) {
	if !s.pushAvailable(w) {
		return
	}
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	if err := s.notify.Subscribe(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request, _ permission.User) {
	if !s.pushAvailable(w) {
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}
	if err := s.notify.Unsubscribe(req.Endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
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
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, permission.ErrDenied):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, session.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, session.ErrNotRunning):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, session.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
