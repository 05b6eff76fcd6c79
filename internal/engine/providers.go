package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

// Provider adapters for routes that talk to a vendor SDK instead of the
// generic chat-completions endpoint. Both satisfy Transport, so the retry
// controller treats them exactly like ChatTransport.

const providerDefaultMaxOutputTokens = 4096

// OpenAITransport streams turns through the OpenAI Responses API.
type OpenAITransport struct {
	Client          openai.Client
	Model           string
	MaxOutputTokens int64
}

func NewOpenAITransport(apiKey string, baseURL string, model string) *OpenAITransport {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &OpenAITransport{Client: openai.NewClient(opts...), Model: model}
}

func (t *OpenAITransport) Send(ctx context.Context, req ChatRequest, sink TextSink) (AssistantTurn, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(t.Model)
	}
	if model == "" {
		return AssistantTurn{}, errors.New("missing model")
	}

	maxOut := t.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = providerDefaultMaxOutputTokens
	}
	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(model),
		MaxOutputTokens:   openai.Int(maxOut),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	items, instructions := buildOpenAIInput(req.Messages)
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	if tools := buildOpenAITools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	type partialCall struct {
		CallID      string
		Name        string
		OutputIndex int64
		Args        strings.Builder
		Ended       bool
	}
	partials := map[string]*partialCall{} // item_id -> partial
	getPartial := func(itemID string) *partialCall {
		itemID = strings.TrimSpace(itemID)
		if itemID == "" {
			return nil
		}
		if pc := partials[itemID]; pc != nil {
			return pc
		}
		pc := &partialCall{CallID: itemID, OutputIndex: -1}
		partials[itemID] = pc
		return pc
	}

	stream := t.Client.Responses.NewStreaming(ctx, params)
	var textBuf strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			textBuf.WriteString(delta)
			emitDelta(sink, delta)

		case "response.output_item.added", "response.output_item.done":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			pc := getPartial(item.ID)
			if pc == nil {
				continue
			}
			if pc.OutputIndex < 0 {
				pc.OutputIndex = event.OutputIndex
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.CallID = cid
			}
			if name := strings.TrimSpace(item.Name); name != "" {
				pc.Name = name
			}
			if raw := strings.TrimSpace(item.Arguments); raw != "" && strings.TrimSpace(pc.Args.String()) == "" {
				pc.Args.WriteString(raw)
			}
			if strings.TrimSpace(event.Type) == "response.output_item.done" {
				pc.Ended = true
			}

		case "response.function_call_arguments.delta":
			if pc := getPartial(event.ItemID); pc != nil {
				pc.Args.WriteString(event.Delta.OfString)
			}

		case "response.function_call_arguments.done":
			pc := getPartial(event.ItemID)
			if pc == nil {
				continue
			}
			if raw := strings.TrimSpace(event.Arguments); raw != "" {
				pc.Args.Reset()
				pc.Args.WriteString(raw)
			}
			pc.Ended = true
		}
	}
	if err := stream.Err(); err != nil {
		return AssistantTurn{}, wrapOpenAIError(err)
	}

	ordered := make([]*partialCall, 0, len(partials))
	for _, pc := range partials {
		if pc.Ended && strings.TrimSpace(pc.CallID) != "" && strings.TrimSpace(pc.Name) != "" {
			ordered = append(ordered, pc)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].OutputIndex == ordered[j].OutputIndex {
			return ordered[i].CallID < ordered[j].CallID
		}
		return ordered[i].OutputIndex < ordered[j].OutputIndex
	})

	msg := Message{Role: RoleAssistant, Content: strings.TrimSpace(textBuf.String())}
	for _, pc := range ordered {
		args := strings.TrimSpace(pc.Args.String())
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:            NormalizeToolCallID(pc.CallID),
			Name:          pc.Name,
			ArgumentsJSON: args,
		})
	}
	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return AssistantTurn{Message: msg, FinishReason: finish}, nil
}

func buildOpenAIInput(messages []Message) (oresponses.ResponseInputParam, string) {
	items := make(oresponses.ResponseInputParam, 0, len(messages))
	instructions := ""
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				if instructions == "" {
					instructions = txt
				} else {
					instructions += "\n\n" + txt
				}
			}
		case RoleUser:
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
			}
		case RoleAssistant:
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
			}
			for _, call := range msg.ToolCalls {
				args := strings.TrimSpace(call.ArgumentsJSON)
				if args == "" || !json.Valid([]byte(args)) {
					args = "{}"
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(args, call.ID, call.Name))
			}
		case RoleTool:
			if strings.TrimSpace(msg.ToolCallID) == "" {
				continue
			}
			items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(msg.ToolCallID, msg.Content))
		}
	}
	return items, instructions
}

func buildOpenAITools(defs []ToolDef) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if raw := SanitizeToolSchema(def.Parameters); len(raw) > 0 {
			_ = json.Unmarshal(raw, &schema)
		}
		out = append(out, oresponses.ToolParamOfFunction(def.Name, schema, false))
	}
	return out
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &TransportError{
			Status:    apiErr.StatusCode,
			Message:   apiErr.Error(),
			Retryable: IsRetryableHTTPStatus(apiErr.StatusCode),
		}
	}
	return &TransportError{Message: err.Error(), Retryable: true}
}

// AnthropicTransport streams turns through the Anthropic Messages API.
type AnthropicTransport struct {
	Client    anthropic.Client
	Model     string
	MaxTokens int64
}

func NewAnthropicTransport(apiKey string, baseURL string, model string) *AnthropicTransport {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &AnthropicTransport{Client: anthropic.NewClient(opts...), Model: model}
}

func (t *AnthropicTransport) Send(ctx context.Context, req ChatRequest, sink TextSink) (AssistantTurn, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(t.Model)
	}
	if model == "" {
		return AssistantTurn{}, errors.New("missing model")
	}
	maxTokens := t.MaxTokens
	if maxTokens <= 0 {
		maxTokens = providerDefaultMaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  buildAnthropicMessages(req.Messages),
		Tools:     buildAnthropicTools(req.Tools),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if system := collectSystemText(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := t.Client.Messages.NewStreaming(ctx, params)
	accumulated := anthropic.Message{}
	var textBuf strings.Builder
	for stream.Next() {
		event := stream.Current()
		if err := accumulated.Accumulate(event); err != nil {
			return AssistantTurn{}, &TransportError{Message: "stream accumulation failed: " + err.Error()}
		}
		if variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				textBuf.WriteString(delta.Text)
				emitDelta(sink, delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return AssistantTurn{}, wrapAnthropicError(err)
	}

	msg := Message{Role: RoleAssistant, Content: strings.TrimSpace(textBuf.String())}
	for _, block := range accumulated.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if msg.Content == "" {
				msg.Content = strings.TrimSpace(variant.Text)
			}
		case anthropic.ToolUseBlock:
			args := strings.TrimSpace(string(variant.Input))
			if args == "" || !json.Valid([]byte(args)) {
				args = "{}"
			}
			callID := strings.TrimSpace(variant.ID)
			if callID == "" {
				callID = fmt.Sprintf("anthropic_call_%d", len(msg.ToolCalls)+1)
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:            NormalizeToolCallID(callID),
				Name:          strings.TrimSpace(variant.Name),
				ArgumentsJSON: args,
			})
		}
	}
	return AssistantTurn{Message: msg, FinishReason: mapAnthropicStopReason(accumulated.StopReason)}, nil
}

func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(txt)))
			}
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				blocks = append(blocks, anthropic.NewTextBlock(txt))
			}
			for _, call := range msg.ToolCalls {
				input := json.RawMessage(call.ArgumentsJSON)
				if len(input) == 0 || !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{ID: call.ID, Name: call.Name, Input: input},
				})
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			if strings.TrimSpace(msg.ToolCallID) == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func buildAnthropicTools(defs []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if raw := SanitizeToolSchema(def.Parameters); len(raw) > 0 {
			_ = json.Unmarshal(raw, &schema)
		}
		properties := schema["properties"]
		var required []string
		if rawReq, ok := schema["required"].([]any); ok {
			for _, r := range rawReq {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
		param := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: properties, Required: required},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func collectSystemText(messages []Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				parts = append(parts, txt)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func mapAnthropicStopReason(reason anthropic.StopReason) string {
	switch strings.ToLower(strings.TrimSpace(string(reason))) {
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "refusal":
		return "content_filter"
	default:
		return "unknown"
	}
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &TransportError{
			Status:    apiErr.StatusCode,
			Message:   apiErr.Error(),
			Retryable: IsRetryableHTTPStatus(apiErr.StatusCode),
		}
	}
	return &TransportError{Message: err.Error(), Retryable: true}
}

// emitDelta pushes one text delta to the sink. Sink panics never break the
// stream.
func emitDelta(sink TextSink, delta string) {
	if sink == nil || delta == "" {
		return
	}
	defer func() { _ = recover() }()
	sink(delta)
}
