package hostbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ivan-mezentsev/anti-ephemeral-state/internal/docstate"
)

const (
	defaultRequestTimeout = 10 * time.Second
	inboundQueueDepth     = 64
)

var errSessionClosed = errors.New("host session closed")

// session owns one websocket connection to a host. Outbound requests are
// correlated to responses by ID through the pending map; inbound events are
// queued so the read loop can keep delivering responses while the engine
// blocks on a host round trip.
type session struct {
	conn    *websocket.Conn
	logger  Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan Envelope
	nextID    int64

	queue chan Envelope
}

func newSession(ctx context.Context, conn *websocket.Conn, logger Logger, timeout time.Duration) *session {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	return &session{
		conn:    conn,
		logger:  logger,
		timeout: timeout,
		ctx:     sessionCtx,
		cancel:  cancel,
		pending: map[int64]chan Envelope{},
		queue:   make(chan Envelope, inboundQueueDepth),
	}
}

// readLoop pumps frames off the socket until the connection dies. Responses
// resolve pending round trips inline; everything else is handed to the worker.
func (s *session) readLoop() {
	defer s.close()
	for {
		var env Envelope
		if err := wsjson.Read(s.ctx, s.conn, &env); err != nil {
			return
		}
		if env.Kind == kindResponse {
			s.deliver(env)
			continue
		}
		select {
		case s.queue <- env:
		case <-s.ctx.Done():
			return
		default:
			s.logf("hostbridge: inbound queue full, dropping %s %s", env.Kind, env.Type)
		}
	}
}

func (s *session) close() {
	s.cancel()
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		close(ch)
	}
	s.pendingMu.Unlock()
}

func (s *session) deliver(env Envelope) {
	s.pendingMu.Lock()
	ch, ok := s.pending[env.ID]
	if ok {
		delete(s.pending, env.ID)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- env
	}
}

func (s *session) send(env Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, env)
}

// roundTrip issues a request to the host and blocks for the matching response.
func (s *session) roundTrip(requestType string, payload any) (json.RawMessage, error) {
	id := atomic.AddInt64(&s.nextID, 1)
	ch := make(chan Envelope, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	env := Envelope{Kind: kindRequest, ID: id, Type: requestType, Payload: mustMarshal(payload)}
	if err := s.send(env); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case response, ok := <-ch:
		if !ok {
			return nil, errSessionClosed
		}
		if response.Error != "" {
			return nil, errors.New(response.Error)
		}
		return response.Payload, nil
	case <-timer.C:
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return nil, fmt.Errorf("host request %s: timeout", requestType)
	case <-s.ctx.Done():
		return nil, errSessionClosed
	}
}

func (s *session) pushStatus(path string, state docstate.StatusState) {
	env := Envelope{Kind: kindStatus, Payload: mustMarshal(statusPayload{Path: path, State: string(state)})}
	if err := s.send(env); err != nil {
		s.logf("hostbridge: push status: %v", err)
	}
}

func (s *session) respond(id int64, payload any) {
	if err := s.send(Envelope{Kind: kindResponse, ID: id, Payload: mustMarshal(payload)}); err != nil {
		s.logf("hostbridge: respond: %v", err)
	}
}

func (s *session) respondError(id int64, message string) {
	if err := s.send(Envelope{Kind: kindResponse, ID: id, Error: message}); err != nil {
		s.logf("hostbridge: respond: %v", err)
	}
}

func (s *session) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// remoteHost adapts the session's request/response channel to the engine's
// host surface. Query failures on boolean accessors degrade to safe defaults
// so a flaky connection cannot wedge the engine.
type remoteHost struct {
	session *session
}

var _ docstate.Host = (*remoteHost)(nil)

type activeDocumentResponse struct {
	Path string `json:"path"`
	OK   bool   `json:"ok"`
}

func (h *remoteHost) ActiveDocument() (string, bool) {
	payload, err := h.session.roundTrip(hostActiveDocument, struct{}{})
	if err != nil {
		return "", false
	}
	var response activeDocumentResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return "", false
	}
	return response.Path, response.OK
}

type cursorResponse struct {
	Cursor *docstate.CursorRange `json:"cursor"`
}

func (h *remoteHost) Cursor(path string) (*docstate.CursorRange, error) {
	payload, err := h.session.roundTrip(hostGetCursor, pathPayload{Path: path})
	if err != nil {
		return nil, err
	}
	var response cursorResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, err
	}
	return response.Cursor, nil
}

type setCursorRequest struct {
	Path   string                `json:"path"`
	Cursor *docstate.CursorRange `json:"cursor"`
}

func (h *remoteHost) SetCursor(path string, cursor *docstate.CursorRange) error {
	_, err := h.session.roundTrip(hostSetCursor, setCursorRequest{Path: path, Cursor: cursor})
	return err
}

type scrollResponse struct {
	Scroll float64 `json:"scroll"`
}

func (h *remoteHost) Scroll(path string) (float64, error) {
	payload, err := h.session.roundTrip(hostGetScroll, pathPayload{Path: path})
	if err != nil {
		return 0, err
	}
	var response scrollResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return 0, err
	}
	return response.Scroll, nil
}

type setScrollRequest struct {
	Path   string  `json:"path"`
	Scroll float64 `json:"scroll"`
}

func (h *remoteHost) SetScroll(path string, offset float64) error {
	_, err := h.session.roundTrip(hostSetScroll, setScrollRequest{Path: path, Scroll: offset})
	return err
}

type viewStateResponse struct {
	ViewState map[string]any `json:"viewState"`
}

func (h *remoteHost) ViewState(path string) (map[string]any, error) {
	payload, err := h.session.roundTrip(hostGetViewState, pathPayload{Path: path})
	if err != nil {
		return nil, err
	}
	var response viewStateResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, err
	}
	return response.ViewState, nil
}

type setViewStateRequest struct {
	Path      string         `json:"path"`
	ViewState map[string]any `json:"viewState"`
}

func (h *remoteHost) SetViewState(path string, state map[string]any) error {
	_, err := h.session.roundTrip(hostSetViewState, setViewStateRequest{Path: path, ViewState: state})
	return err
}

type readOnlyResponse struct {
	ReadOnly bool `json:"readOnly"`
}

func (h *remoteHost) ReadOnly(path string) (bool, error) {
	payload, err := h.session.roundTrip(hostGetReadOnly, pathPayload{Path: path})
	if err != nil {
		return false, err
	}
	var response readOnlyResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return false, err
	}
	return response.ReadOnly, nil
}

type setReadOnlyRequest struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"readOnly"`
}

func (h *remoteHost) SetReadOnly(path string, readOnly bool) error {
	_, err := h.session.roundTrip(hostSetReadOnly, setReadOnlyRequest{Path: path, ReadOnly: readOnly})
	return err
}

type effectActiveResponse struct {
	Active bool `json:"active"`
}

func (h *remoteHost) EffectActive() bool {
	payload, err := h.session.roundTrip(hostEffectActive, struct{}{})
	if err != nil {
		return false
	}
	var response effectActiveResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return false
	}
	return response.Active
}

func (h *remoteHost) Notify(message string) {
	if _, err := h.session.roundTrip(hostNotify, noticePayload{Message: message}); err != nil {
		h.session.logf("hostbridge: notify: %v", err)
	}
}
