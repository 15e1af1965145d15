// Package proxy bridges browser WebSocket sessions to the ttyd process
// inside sandbox containers. Sessions are validated against the control
// plane and every client keystroke is recorded to the audit stream.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pomodex/pomodex/audit"
	"github.com/pomodex/pomodex/common"
	"github.com/pomodex/pomodex/sandbox"
)

// Application close codes sent to the browser. The 4xxx range is free
// for applications per RFC 6455.
const (
	CloseBadRequest         = 4400
	CloseUnauthorized       = 4401
	CloseUpstreamFailed     = 4502
	CloseSandboxUnavailable = 4503
)

const (
	validateTimeout  = 5 * time.Second
	dialTimeout      = 10 * time.Second
	closeWriteWindow = 2 * time.Second
)

// Validator checks a terminal token against a project.
type Validator interface {
	Validate(ctx context.Context, token, projectID string) (string, error)
}

// HTTPValidator validates sessions against the control plane's internal
// endpoint over loopback.
type HTTPValidator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPValidator creates a validator for the given control plane base URL.
func NewHTTPValidator(baseURL string) *HTTPValidator {
	return &HTTPValidator{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: validateTimeout},
	}
}

// Validate posts the token and project to the control plane and returns
// the owning user ID.
func (v *HTTPValidator) Validate(ctx context.Context, token, projectID string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"token":      token,
		"project_id": projectID,
	})
	if err != nil {
		return "", common.BackendErr("validate request encode failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/internal/validate", bytes.NewReader(payload))
	if err != nil {
		return "", common.BackendErr("validate request build failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", common.TransientErr("validate request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", common.AuthErr(fmt.Sprintf("session rejected with status %d", resp.StatusCode))
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.UserID == "" {
		return "", common.BackendErr("validate response decode failed", err)
	}
	return body.UserID, nil
}

// Server is the terminal proxy.
type Server struct {
	boxes     *sandbox.Manager
	validator Validator
	recorder  audit.Recorder
	ttydPort  int
	upgrader  websocket.Upgrader
	dialer    *websocket.Dialer
	http      *http.Server
	log       *logrus.Entry
}

// NewServer creates a proxy server.
func NewServer(boxes *sandbox.Manager, validator Validator, recorder audit.Recorder, ttydPort int, log *logrus.Entry) *Server {
	return &Server{
		boxes:     boxes,
		validator: validator,
		recorder:  recorder,
		ttydPort:  ttydPort,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser origin is unknowable here; tokens gate access.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
		log:    log,
	}
}

// Handler returns the HTTP handler serving /terminal/<project-id>.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/terminal/", s.handleTerminal)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens on the given address until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Handler()}
	s.log.WithField("addr", addr).Info("terminal proxy listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server. Established terminal sessions keep
// running until either side closes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer client.Close()

	projectID := strings.TrimPrefix(r.URL.Path, "/terminal/")
	token := r.URL.Query().Get("token")
	if projectID == "" || strings.Contains(projectID, "/") {
		s.closeWith(client, CloseBadRequest, "missing project id")
		return
	}
	if token == "" {
		s.closeWith(client, CloseBadRequest, "missing token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), validateTimeout)
	userID, err := s.validator.Validate(ctx, token, projectID)
	cancel()
	if err != nil {
		s.log.WithError(err).WithField("project_id", projectID).Info("session rejected")
		s.closeWith(client, CloseUnauthorized, "session rejected")
		return
	}

	if err := s.boxes.ConnectProxyToNetwork(r.Context(), projectID); err != nil {
		s.log.WithError(err).WithField("project_id", projectID).Warn("proxy network attach failed")
	}

	ip, err := s.boxes.GetContainerIP(r.Context(), projectID)
	if err != nil {
		s.log.WithError(err).WithField("project_id", projectID).Warn("sandbox unreachable")
		s.closeWith(client, CloseSandboxUnavailable, "sandbox unavailable")
		return
	}

	upstreamURL := fmt.Sprintf("ws://%s:%d/ws", ip, s.ttydPort)
	upstream, resp, err := s.dialer.DialContext(r.Context(), upstreamURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		s.log.WithError(err).WithFields(logrus.Fields{
			"project_id": projectID,
			"upstream":   upstreamURL,
		}).Warn("upstream dial failed")
		s.closeWith(client, CloseUpstreamFailed, "terminal unavailable")
		return
	}
	defer upstream.Close()

	s.log.WithFields(logrus.Fields{
		"project_id": projectID,
		"user_id":    userID,
	}).Info("terminal session opened")
	s.relay(client, upstream, projectID, userID)
	s.log.WithField("project_id", projectID).Info("terminal session closed")
}

// relay pumps frames in both directions until either side closes. Frame
// types are preserved; only client-to-sandbox frames are audited.
func (s *Server) relay(client, upstream *websocket.Conn, projectID, userID string) {
	done := make(chan struct{}, 2)

	go func() {
		s.pump(client, upstream, projectID, userID, true)
		done <- struct{}{}
	}()
	go func() {
		s.pump(upstream, client, projectID, userID, false)
		done <- struct{}{}
	}()

	<-done
	client.Close()
	upstream.Close()
	<-done
}

func (s *Server) pump(src, dst *websocket.Conn, projectID, userID string, auditInput bool) {
	for {
		msgType, msg, err := src.ReadMessage()
		if err != nil {
			return
		}

		if auditInput {
			// A failed audit write must not break the session.
			if err := s.recorder.RecordInput(context.Background(), projectID, userID, msg); err != nil {
				s.log.WithError(err).WithField("project_id", projectID).Warn("audit write failed")
			}
		}

		if err := dst.WriteMessage(msgType, msg); err != nil {
			return
		}
	}
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(closeWriteWindow)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.log.WithError(err).Debug("close frame write failed")
	}
}
