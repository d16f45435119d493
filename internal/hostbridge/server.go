package hostbridge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/ivan-mezentsev/anti-ephemeral-state/internal/docstate"
)

type Logger interface {
	Printf(format string, args ...any)
}

// EngineFactory builds one engine per connected host session. The status
// listener must be wired into the engine so lock-indicator changes reach the
// session that owns the documents.
type EngineFactory func(host docstate.Host, status docstate.StatusListener) (*docstate.Engine, error)

type ServerOptions struct {
	Store          *docstate.RecordStore
	NewEngine      EngineFactory
	Logger         Logger
	RequestTimeout time.Duration
}

type Server struct {
	store     *docstate.RecordStore
	newEngine EngineFactory
	logger    Logger
	timeout   time.Duration
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if opts.NewEngine == nil {
		return nil, fmt.Errorf("engine factory is required")
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Server{
		store:     opts.Store,
		newEngine: opts.NewEngine,
		logger:    opts.Logger,
		timeout:   timeout,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/validate" && r.Method == http.MethodPost {
		writeJSON(w, http.StatusOK, s.store.ValidateAll())
		return
	}
	if r.URL.Path == "/v1/host" && r.Method == http.MethodGet {
		s.handleHost(w, r)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("hostbridge: accept: %v", err)
		return
	}
	sess := newSession(r.Context(), conn, s.logger, s.timeout)
	engine, err := s.newEngine(&remoteHost{session: sess}, sess.pushStatus)
	if err != nil {
		s.logf("hostbridge: engine: %v", err)
		_ = conn.Close(websocket.StatusInternalError, "engine unavailable")
		return
	}

	// Events are applied in arrival order by a single worker so engine calls
	// keep the host's single-threaded semantics, while the read loop stays
	// free to route the responses those calls block on.
	go s.runWorker(engine, sess)
	sess.readLoop()

	engine.Close()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) runWorker(engine *docstate.Engine, sess *session) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case env := <-sess.queue:
			s.handleInbound(engine, sess, env)
		}
	}
}

func (s *Server) handleInbound(engine *docstate.Engine, sess *session, env Envelope) {
	// A misbehaving frame must never take the session down with it.
	defer func() {
		if r := recover(); r != nil {
			s.logf("hostbridge: %s %s panicked: %v", env.Kind, env.Type, r)
		}
	}()
	switch env.Kind {
	case kindEvent:
		s.handleEvent(engine, sess, env)
	case kindRequest:
		s.handleRequest(engine, sess, env)
	default:
		s.logf("hostbridge: unexpected frame kind %q", env.Kind)
	}
}

func (s *Server) handleEvent(engine *docstate.Engine, sess *session, env Envelope) {
	switch env.Type {
	case eventActivate:
		if p, ok := decodePath(env.Payload); ok {
			engine.HandleActivate(p)
		}
	case eventLayoutSettled:
		if p, ok := decodePath(env.Payload); ok {
			engine.HandleLayoutSettled(p)
		}
	case eventChange:
		if p, ok := decodePath(env.Payload); ok {
			engine.HandleChange(p)
		}
	case eventRename:
		var payload renamePayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil && payload.OldPath != "" && payload.NewPath != "" {
			engine.HandleRename(payload.OldPath, payload.NewPath)
		}
	case eventDelete:
		if p, ok := decodePath(env.Payload); ok {
			engine.HandleDelete(p)
		}
	case eventExternalWrite:
		if p, ok := decodePath(env.Payload); ok {
			engine.HandleExternalModification(p)
		}
	case eventStartup:
		engine.RestoreOnStartup(sess.ctx)
	default:
		s.logf("hostbridge: unknown event type %q", env.Type)
	}
}

func (s *Server) handleRequest(engine *docstate.Engine, sess *session, env Envelope) {
	switch env.Type {
	case requestToggle:
		p, ok := decodePath(env.Payload)
		if !ok {
			sess.respondError(env.ID, "path is required")
			return
		}
		sess.respond(env.ID, lockedPayload{Locked: engine.Toggle(p)})
	case requestIsLocked:
		p, ok := decodePath(env.Payload)
		if !ok {
			sess.respondError(env.ID, "path is required")
			return
		}
		sess.respond(env.ID, lockedPayload{Locked: engine.IsLocked(p)})
	default:
		sess.respondError(env.ID, fmt.Sprintf("unknown request type %q", env.Type))
	}
}

func decodePath(raw json.RawMessage) (string, bool) {
	var payload pathPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Path == "" {
		return "", false
	}
	return payload.Path, true
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
