package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Transport sends one fully formed chat request to a model endpoint and
// returns the assembled assistant turn. Implementations classify HTTP
// failures so the retry controller can react without knowing wire details.
type Transport interface {
	Send(ctx context.Context, req ChatRequest, sink TextSink) (AssistantTurn, error)
}

// TransportError is a terminal or retryable model-endpoint failure.
type TransportError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool

	// RetryAfter carries a provider-supplied delay hint (0 = none).
	RetryAfter time.Duration
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "model endpoint request failed"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s (http %d)", msg, e.Status)
	}
	return msg
}

var retryableHTTPStatuses = map[int]struct{}{
	http.StatusRequestTimeout:      {}, // 408
	http.StatusConflict:            {}, // 409
	http.StatusTooManyRequests:     {}, // 429
	http.StatusInternalServerError: {}, // 500
	http.StatusBadGateway:          {}, // 502
	http.StatusServiceUnavailable:  {}, // 503
	http.StatusGatewayTimeout:      {}, // 504
}

// IsRetryableHTTPStatus reports whether a status belongs to the fixed
// retryable set.
func IsRetryableHTTPStatus(status int) bool {
	_, ok := retryableHTTPStatuses[status]
	return ok
}

const transportBodyLimit = 1 << 20

// ChatTransport talks to a generic chat-completions HTTP endpoint
// ({model, messages, tools, tool_choice, temperature, stream} in;
// JSON choices or an SSE delta stream out).
type ChatTransport struct {
	Endpoint string
	APIKey   string

	// HTTPClient defaults to a client without a global timeout; per-attempt
	// deadlines come from the caller's context.
	HTTPClient *http.Client

	// MaxRetryDelay caps provider delay hints. A hint above the cap makes
	// the failure terminal instead of waiting indefinitely.
	MaxRetryDelay time.Duration

	Log *slog.Logger
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

func (t *ChatTransport) Send(ctx context.Context, req ChatRequest, sink TextSink) (AssistantTurn, error) {
	if t == nil {
		return AssistantTurn{}, errors.New("nil transport")
	}
	endpoint := strings.TrimSpace(t.Endpoint)
	if endpoint == "" {
		return AssistantTurn{}, errors.New("missing model endpoint")
	}
	if strings.TrimSpace(req.Model) == "" {
		return AssistantTurn{}, errors.New("missing model id")
	}

	body, err := json.Marshal(buildWireRequest(req))
	if err != nil {
		return AssistantTurn{}, fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return AssistantTurn{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(t.APIKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	client := t.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return AssistantTurn{}, &TransportError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AssistantTurn{}, t.buildHTTPError(resp)
	}
	if req.Stream {
		return t.consumeStream(resp.Body, sink)
	}
	return parseChatResponse(resp.Body)
}

func buildWireRequest(req ChatRequest) wireRequest {
	out := wireRequest{
		Model:       strings.TrimSpace(req.Model),
		ToolChoice:  strings.TrimSpace(req.ToolChoice),
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
	out.Messages = make([]wireMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		wm := wireMessage{Role: msg.Role, Content: msg.Content, ToolCallID: msg.ToolCallID}
		for _, call := range msg.ToolCalls {
			var wc wireToolCall
			wc.ID = call.ID
			wc.Type = "function"
			wc.Function.Name = call.Name
			wc.Function.Arguments = call.ArgumentsJSON
			wm.ToolCalls = append(wm.ToolCalls, wc)
		}
		out.Messages = append(out.Messages, wm)
	}
	for _, def := range req.Tools {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = def.Name
		wt.Function.Description = def.Description
		wt.Function.Parameters = SanitizeToolSchema(def.Parameters)
		out.Tools = append(out.Tools, wt)
	}
	return out
}

func (t *ChatTransport) consumeStream(body io.Reader, sink TextSink) (AssistantTurn, error) {
	acc := newSSEAccumulator(func(delta string) {
		if sink == nil || delta == "" {
			return
		}
		// Sink callbacks must never break stream assembly.
		func() {
			defer func() { _ = recover() }()
			sink(delta)
		}()
	})
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			acc.Feed(buf[:n])
		}
		if acc.Done() {
			break
		}
		if err == io.EOF {
			acc.Flush()
			break
		}
		if err != nil {
			return AssistantTurn{}, &TransportError{Message: "stream read failed: " + err.Error(), Retryable: true}
		}
	}
	msg := acc.Message()
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return AssistantTurn{}, &TransportError{Message: "empty stream response", Retryable: true}
	}
	return AssistantTurn{Message: msg, FinishReason: acc.FinishReason(), TransportAttempts: 1}, nil
}

func parseChatResponse(body io.Reader) (AssistantTurn, error) {
	var parsed struct {
		Choices []struct {
			Message      wireMessage `json:"message"`
			FinishReason string      `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(io.LimitReader(body, transportBodyLimit)).Decode(&parsed); err != nil {
		return AssistantTurn{}, &TransportError{Message: "decode chat response: " + err.Error(), Retryable: false}
	}
	if len(parsed.Choices) == 0 {
		return AssistantTurn{}, &TransportError{Message: "chat response has no choices", Retryable: false}
	}
	first := parsed.Choices[0]
	msg := Message{Role: RoleAssistant, Content: first.Message.Content}
	for _, wc := range first.Message.ToolCalls {
		args := strings.TrimSpace(wc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:            strings.TrimSpace(wc.ID),
			Name:          strings.TrimSpace(wc.Function.Name),
			ArgumentsJSON: args,
		})
	}
	return AssistantTurn{Message: msg, FinishReason: strings.TrimSpace(first.FinishReason), TransportAttempts: 1}, nil
}

func (t *ChatTransport) buildHTTPError(resp *http.Response) *TransportError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, transportBodyLimit))
	body := string(raw)
	msg := strings.TrimSpace(gjson.Get(body, "error.message").String())
	if msg == "" {
		msg = sanitizeBodySnippet(body)
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	terr := &TransportError{
		Status:    resp.StatusCode,
		Code:      strings.TrimSpace(gjson.Get(body, "error.code").String()),
		Message:   msg,
		Retryable: IsRetryableHTTPStatus(resp.StatusCode),
	}
	hint, ok := extractRetryDelayHint(resp.Header, body)
	if ok {
		if t.MaxRetryDelay > 0 && hint > t.MaxRetryDelay {
			// Waiting longer than the cap is worse than failing loudly.
			terr.Retryable = false
			if t.Log != nil {
				t.Log.Debug("model transport retry hint above cap", "hint_ms", hint.Milliseconds(), "cap_ms", t.MaxRetryDelay.Milliseconds())
			}
		} else {
			terr.RetryAfter = hint
		}
	}
	return terr
}

var (
	retryDelayFieldPattern = regexp.MustCompile(`"retryDelay"\s*:\s*"([0-9.]+(?:ms|s))"`)
	retryFreeTextPattern   = regexp.MustCompile(`(?i)retry (?:in|after) ([0-9.]+)\s*(ms|milliseconds?|s|seconds?)`)
)

// extractRetryDelayHint resolves the provider retry hint in priority order:
// Retry-After header (seconds or HTTP-date), rate-limit reset headers, then
// free-text patterns in the body.
func extractRetryDelayHint(header http.Header, body string) (time.Duration, bool) {
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second)), true
		}
		if at, err := http.ParseTime(v); err == nil {
			d := time.Until(at)
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}
	for _, key := range []string{"X-RateLimit-Reset-After", "X-RateLimit-Reset"} {
		v := strings.TrimSpace(header.Get(key))
		if v == "" {
			continue
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 && secs < 3600 {
			return time.Duration(secs * float64(time.Second)), true
		}
	}

	// Google-style RetryInfo detail embedded in the error body.
	if delay := gjson.Get(body, `error.details.#(@type%"*RetryInfo").retryDelay`).String(); strings.TrimSpace(delay) != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(delay)); err == nil && d >= 0 {
			return d, true
		}
	}
	if m := retryDelayFieldPattern.FindStringSubmatch(body); len(m) == 2 {
		if d, err := time.ParseDuration(m[1]); err == nil && d >= 0 {
			return d, true
		}
	}
	if m := retryFreeTextPattern.FindStringSubmatch(body); len(m) == 3 {
		value, err := strconv.ParseFloat(m[1], 64)
		if err == nil && value >= 0 {
			unit := strings.ToLower(m[2])
			if strings.HasPrefix(unit, "ms") || strings.HasPrefix(unit, "mil") {
				return time.Duration(value * float64(time.Millisecond)), true
			}
			return time.Duration(value * float64(time.Second)), true
		}
	}
	return 0, false
}

func sanitizeBodySnippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	runes := []rune(body)
	if len(runes) > 240 {
		return string(runes[:240]) + "..."
	}
	return body
}
