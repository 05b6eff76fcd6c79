package engine

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// sseAccumulator assembles one assistant message from a chat-completions
// event stream. It is pure with respect to I/O: callers feed raw bytes as
// they arrive and read the assembled turn after the [DONE] sentinel. Text
// deltas are pushed to the injected sink in arrival order so the UI can
// render incrementally without affecting assembly.
type sseAccumulator struct {
	sink TextSink

	carry     bytes.Buffer // unterminated trailing line bytes
	dataLines []string     // data: lines of the event being collected

	text     strings.Builder
	calls    map[int]*streamToolCall
	finish   string
	sawDone  bool
	packets  int
}

type streamToolCall struct {
	index int
	id    string
	name  strings.Builder
	args  strings.Builder
}

type streamPacket struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func newSSEAccumulator(sink TextSink) *sseAccumulator {
	return &sseAccumulator{sink: sink, calls: map[int]*streamToolCall{}}
}

// Feed consumes one chunk of the response body. Chunks may split lines, and
// multi-byte UTF-8 sequences, at arbitrary byte offsets; the accumulator
// buffers up to the next newline before interpreting anything.
func (a *sseAccumulator) Feed(chunk []byte) {
	if a == nil || len(chunk) == 0 {
		return
	}
	a.carry.Write(chunk)
	for {
		raw := a.carry.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return
		}
		line := string(bytes.TrimRight(raw[:idx], "\r"))
		a.carry.Next(idx + 1)
		a.feedLine(line)
	}
}

func (a *sseAccumulator) feedLine(line string) {
	if a.sawDone {
		return
	}
	if strings.TrimSpace(line) == "" {
		a.flushEvent()
		return
	}
	if payload, ok := strings.CutPrefix(line, "data:"); ok {
		a.dataLines = append(a.dataLines, strings.TrimPrefix(payload, " "))
	}
	// Comment lines and other SSE fields (event:, id:, retry:) are ignored.
}

// Flush processes any event still pending when the stream closes without a
// trailing blank line.
func (a *sseAccumulator) Flush() {
	if a == nil {
		return
	}
	if a.carry.Len() > 0 {
		line := strings.TrimRight(a.carry.String(), "\r")
		a.carry.Reset()
		a.feedLine(line)
	}
	a.flushEvent()
}

func (a *sseAccumulator) flushEvent() {
	if len(a.dataLines) == 0 {
		return
	}
	payload := strings.TrimSpace(strings.Join(a.dataLines, "\n"))
	a.dataLines = a.dataLines[:0]
	if payload == "" {
		return
	}
	if payload == "[DONE]" {
		a.sawDone = true
		return
	}
	var packet streamPacket
	if err := json.Unmarshal([]byte(payload), &packet); err != nil {
		// Malformed keep-alive or vendor extension packets are skipped;
		// correctness rests on the assembled final state.
		return
	}
	a.packets++
	for _, choice := range packet.Choices {
		if choice.Delta.Content != "" {
			a.text.WriteString(choice.Delta.Content)
			if a.sink != nil {
				a.sink(choice.Delta.Content)
			}
		}
		for _, delta := range choice.Delta.ToolCalls {
			call := a.calls[delta.Index]
			if call == nil {
				call = &streamToolCall{index: delta.Index}
				a.calls[delta.Index] = call
			}
			if id := strings.TrimSpace(delta.ID); id != "" {
				call.id = id
			}
			if delta.Function.Name != "" {
				call.name.WriteString(delta.Function.Name)
			}
			if delta.Function.Arguments != "" {
				call.args.WriteString(delta.Function.Arguments)
			}
		}
		if reason := strings.TrimSpace(choice.FinishReason); reason != "" {
			a.finish = reason
		}
	}
}

// Done reports whether the [DONE] sentinel arrived.
func (a *sseAccumulator) Done() bool {
	return a != nil && a.sawDone
}

// Message returns the assembled assistant message. Tool calls are ordered by
// their stream index; calls that never received an id get a deterministic
// synthetic one.
func (a *sseAccumulator) Message() Message {
	msg := Message{Role: RoleAssistant, Content: a.text.String()}
	if len(a.calls) == 0 {
		return msg
	}
	indices := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		call := a.calls[idx]
		id := strings.TrimSpace(call.id)
		if id == "" {
			id = NormalizeToolCallID("stream_call_" + call.name.String() + "_" + strconv.Itoa(idx))
		}
		args := strings.TrimSpace(call.args.String())
		if args == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:            id,
			Name:          strings.TrimSpace(call.name.String()),
			ArgumentsJSON: args,
		})
	}
	return msg
}

func (a *sseAccumulator) FinishReason() string {
	if a == nil {
		return ""
	}
	if a.finish == "" && len(a.calls) > 0 {
		return "tool_calls"
	}
	return a.finish
}

