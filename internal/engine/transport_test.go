package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestChatTransport_NonStreamingResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "m1" {
			t.Errorf("model=%q, want m1", req.Model)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization=%q", got)
		}
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"hi","tool_calls":[{"id":"c1","type":"function","function":{"name":"page.find","arguments":"{\"query\":\"login\"}"}}]},"finish_reason":"tool_calls"}]}`)
	}))
	defer srv.Close()

	tr := &ChatTransport{Endpoint: srv.URL, APIKey: "sk-test"}
	turn, err := tr.Send(context.Background(), ChatRequest{Model: "m1", Messages: []Message{{Role: RoleUser, Content: "go"}}}, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if turn.Message.Content != "hi" {
		t.Fatalf("content=%q, want hi", turn.Message.Content)
	}
	if len(turn.Message.ToolCalls) != 1 || turn.Message.ToolCalls[0].Name != "page.find" {
		t.Fatalf("tool calls=%+v", turn.Message.ToolCalls)
	}
	if turn.FinishReason != "tool_calls" {
		t.Fatalf("finish_reason=%q", turn.FinishReason)
	}
}

func TestChatTransport_StreamingResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"str\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"eam\"},\"finish_reason\":\"stop\"}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var deltas []string
	tr := &ChatTransport{Endpoint: srv.URL}
	turn, err := tr.Send(context.Background(), ChatRequest{Model: "m1", Stream: true}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if turn.Message.Content != "stream" {
		t.Fatalf("content=%q, want stream", turn.Message.Content)
	}
	if strings.Join(deltas, "") != "stream" {
		t.Fatalf("sink deltas=%v", deltas)
	}
}

func TestChatTransport_PanickingSinkDoesNotBreakAssembly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"safe\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	tr := &ChatTransport{Endpoint: srv.URL}
	turn, err := tr.Send(context.Background(), ChatRequest{Model: "m1", Stream: true}, func(d string) { panic("sink exploded") })
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if turn.Message.Content != "safe" {
		t.Fatalf("content=%q, want safe", turn.Message.Content)
	}
}

func TestChatTransport_HTTPErrorClassification(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":{"code":"overloaded","message":"try again soon"}}`)
	}))
	defer srv.Close()

	tr := &ChatTransport{Endpoint: srv.URL}
	_, err := tr.Send(context.Background(), ChatRequest{Model: "m1"}, nil)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("err=%v, want TransportError", err)
	}
	if terr.Status != 503 || !terr.Retryable {
		t.Fatalf("terr=%+v, want retryable 503", terr)
	}
	if terr.Code != "overloaded" || terr.Message != "try again soon" {
		t.Fatalf("terr=%+v, want parsed error body", terr)
	}
}

func TestChatTransport_RetryHintAboveCapIsTerminal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	tr := &ChatTransport{Endpoint: srv.URL, MaxRetryDelay: 60 * time.Second}
	_, err := tr.Send(context.Background(), ChatRequest{Model: "m1"}, nil)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("err=%v, want TransportError", err)
	}
	if terr.Retryable {
		t.Fatalf("hint above cap must make the failure terminal: %+v", terr)
	}
	if terr.RetryAfter != 0 {
		t.Fatalf("capped hint must not be carried: %+v", terr)
	}
}

func TestExtractRetryDelayHint(t *testing.T) {
	t.Parallel()

	header := http.Header{}
	header.Set("Retry-After", "2")
	if d, ok := extractRetryDelayHint(header, ""); !ok || d != 2*time.Second {
		t.Fatalf("Retry-After seconds: d=%v ok=%v", d, ok)
	}

	header = http.Header{}
	header.Set("X-RateLimit-Reset-After", "1.5")
	if d, ok := extractRetryDelayHint(header, ""); !ok || d != 1500*time.Millisecond {
		t.Fatalf("reset-after: d=%v ok=%v", d, ok)
	}

	if d, ok := extractRetryDelayHint(http.Header{}, `{"retryDelay":"350ms"}`); !ok || d != 350*time.Millisecond {
		t.Fatalf("retryDelay field: d=%v ok=%v", d, ok)
	}

	if d, ok := extractRetryDelayHint(http.Header{}, "please retry in 3 seconds"); !ok || d != 3*time.Second {
		t.Fatalf("free text: d=%v ok=%v", d, ok)
	}

	if _, ok := extractRetryDelayHint(http.Header{}, "no hint here"); ok {
		t.Fatalf("expected no hint")
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	t.Parallel()

	for _, status := range []int{408, 409, 429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(status) {
			t.Fatalf("status %d should be retryable", status)
		}
	}
	for _, status := range []int{200, 400, 401, 403, 404, 422} {
		if IsRetryableHTTPStatus(status) {
			t.Fatalf("status %d should not be retryable", status)
		}
	}
}

func TestBuildWireRequest_ToolsAndCalls(t *testing.T) {
	t.Parallel()

	req := ChatRequest{
		Model: "m1",
		Messages: []Message{
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "shell.exec", ArgumentsJSON: `{"command":"ls"}`}}},
			{Role: RoleTool, Content: "ok", ToolCallID: "c1"},
		},
		Tools: []ToolDef{
			{Name: "shell.exec", Parameters: json.RawMessage(`{"type":"object"}`)},
			{Name: ""},
		},
	}
	wire := buildWireRequest(req)
	if len(wire.Tools) != 1 {
		t.Fatalf("tools=%d, want 1 (nameless dropped)", len(wire.Tools))
	}
	if wire.Messages[0].ToolCalls[0].Type != "function" {
		t.Fatalf("tool call type=%q, want function", wire.Messages[0].ToolCalls[0].Type)
	}
	if wire.Messages[1].ToolCallID != "c1" {
		t.Fatalf("tool_call_id=%q, want c1", wire.Messages[1].ToolCallID)
	}
}
