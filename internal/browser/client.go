// Package browser drives a Chromium instance over the DevTools protocol.
// Targets (tabs) are enumerated through the HTTP endpoint; per-target
// commands run over a websocket session.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultCommandTimeout = 10 * time.Second
	httpBodyLimit         = 4 << 20
)

// TargetInfo describes one addressable tab.
type TargetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Client talks to one browser instance. Safe for concurrent use; commands
// to the same target serialize on its session.
type Client struct {
	Endpoint string // e.g. http://127.0.0.1:9222
	HTTP     *http.Client
	Log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewClient(endpoint string) *Client {
	return &Client{
		Endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		HTTP:     &http.Client{Timeout: 10 * time.Second},
		sessions: map[string]*session{},
	}
}

func (c *Client) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Targets lists page-type targets.
func (c *Client) Targets(ctx context.Context) ([]TargetInfo, error) {
	var all []TargetInfo
	if err := c.httpJSON(ctx, http.MethodGet, "/json/list", &all); err != nil {
		return nil, err
	}
	pages := make([]TargetInfo, 0, len(all))
	for _, t := range all {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// CreateTarget opens a new tab, optionally at url.
func (c *Client) CreateTarget(ctx context.Context, targetURL string) (TargetInfo, error) {
	path := "/json/new"
	if strings.TrimSpace(targetURL) != "" {
		path += "?" + url.Values{"url": {targetURL}}.Encode()
	}
	var info TargetInfo
	if err := c.httpJSON(ctx, http.MethodPut, path, &info); err != nil {
		return TargetInfo{}, err
	}
	return info, nil
}

// CloseTarget closes a tab and drops its cached session.
func (c *Client) CloseTarget(ctx context.Context, targetID string) error {
	c.dropSession(targetID)
	return c.httpJSON(ctx, http.MethodGet, "/json/close/"+url.PathEscape(targetID), nil)
}

func (c *Client) httpJSON(ctx context.Context, method string, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.Endpoint+path, nil)
	if err != nil {
		return err
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("browser endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, httpBodyLimit))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("browser endpoint %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode browser endpoint response: %w", err)
	}
	return nil
}

type cdpRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type cdpResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type session struct {
	ws     *websocket.Conn
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan cdpResponse
	closed  bool
}

// Call sends one DevTools command on a target's session and decodes the
// result into out.
func (c *Client) Call(ctx context.Context, targetID string, method string, params any, out any) error {
	sess, err := c.session(ctx, targetID)
	if err != nil {
		return err
	}
	resp, err := sess.call(ctx, method, params)
	if err != nil {
		c.dropSession(targetID)
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s failed: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

func (c *Client) session(ctx context.Context, targetID string) (*session, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, fmt.Errorf("missing target id")
	}
	c.mu.Lock()
	if sess, ok := c.sessions[targetID]; ok && !sess.isClosed() {
		c.mu.Unlock()
		return sess, nil
	}
	c.mu.Unlock()

	targets, err := c.Targets(ctx)
	if err != nil {
		return nil, err
	}
	wsURL := ""
	for _, t := range targets {
		if t.ID == targetID {
			wsURL = t.WebSocketDebuggerURL
			break
		}
	}
	if wsURL == "" {
		return nil, fmt.Errorf("no such target: %s", targetID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}
	sess := &session{ws: ws, pending: map[int64]chan cdpResponse{}}
	go sess.readLoop(c.log().With("target", targetID))

	c.mu.Lock()
	c.sessions[targetID] = sess
	c.mu.Unlock()
	return sess, nil
}

func (c *Client) dropSession(targetID string) {
	c.mu.Lock()
	sess, ok := c.sessions[targetID]
	if ok {
		delete(c.sessions, targetID)
	}
	c.mu.Unlock()
	if ok {
		sess.close()
	}
}

// Close tears down every cached session.
func (c *Client) Close() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = map[string]*session{}
	c.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

func (s *session) call(ctx context.Context, method string, params any) (cdpResponse, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return cdpResponse{}, err
		}
		raw = encoded
	}
	id := s.nextID.Add(1)
	ch := make(chan cdpResponse, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return cdpResponse{}, fmt.Errorf("session closed")
	}
	s.pending[id] = ch
	err := s.ws.WriteJSON(cdpRequest{ID: id, Method: method, Params: raw})
	s.mu.Unlock()
	if err != nil {
		s.forget(id)
		return cdpResponse{}, fmt.Errorf("send %s: %w", method, err)
	}

	timeout := defaultCommandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return cdpResponse{}, fmt.Errorf("connection to target lost during %s", method)
		}
		return resp, nil
	case <-ctx.Done():
		s.forget(id)
		return cdpResponse{}, ctx.Err()
	case <-timer.C:
		s.forget(id)
		return cdpResponse{}, fmt.Errorf("CDP_TIMEOUT: %s did not answer within %s", method, timeout)
	}
}

func (s *session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) readLoop(log *slog.Logger) {
	for {
		var resp cdpResponse
		if err := s.ws.ReadJSON(&resp); err != nil {
			s.close()
			return
		}
		if resp.ID == 0 {
			// Event; this client polls state instead of consuming events.
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		if ok {
			delete(s.pending, resp.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- resp
		} else {
			log.Debug("dropping response for unknown command id", "id", resp.ID)
		}
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = map[int64]chan cdpResponse{}
	s.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	_ = s.ws.Close()
}
