package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	maxToolCallIDLen         = 64
	syntheticNoResultContent = "No result provided"
)

var toolCallIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NormalizeToolCallID returns id unchanged when it already satisfies the
// provider id contract, otherwise a deterministic compliant replacement.
// The same raw id always maps to the same normalized id so the association
// between a tool call and its result survives the rewrite.
func NormalizeToolCallID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "call_empty"
	}
	if toolCallIDPattern.MatchString(id) {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return "call_" + hex.EncodeToString(sum[:16])
}

// RepairHistory makes externally supplied history satisfy the conversation
// invariants before a model turn:
//
//  1. Tool-call ids violating the allowed pattern are rewritten, together
//     with the tool-result messages referencing them.
//  2. A tool message whose ToolCallID has no preceding declaring assistant
//     tool call gets a placeholder assistant message inserted before it.
//  3. Every assistant tool call left unanswered before the next assistant
//     message (or the end of history) gets a placeholder tool result.
//
// The function is idempotent: repairing already-repaired history returns an
// equivalent slice. The input is never mutated.
func RepairHistory(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}
	out := normalizeHistoryIDs(messages)
	out = insertMissingAssistantCalls(out)
	out = synthesizeMissingToolResults(out)
	return out
}

func normalizeHistoryIDs(messages []Message) []Message {
	rewrites := map[string]string{}
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		copied := msg
		if len(msg.ToolCalls) > 0 {
			calls := make([]ToolCall, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				normalized := NormalizeToolCallID(call.ID)
				if normalized != call.ID {
					rewrites[call.ID] = normalized
					call.ID = normalized
				}
				calls = append(calls, call)
			}
			copied.ToolCalls = calls
		}
		if copied.Role == RoleTool && copied.ToolCallID != "" {
			if replacement, ok := rewrites[copied.ToolCallID]; ok {
				copied.ToolCallID = replacement
			} else if !toolCallIDPattern.MatchString(copied.ToolCallID) {
				copied.ToolCallID = NormalizeToolCallID(copied.ToolCallID)
			}
		}
		out = append(out, copied)
	}
	return out
}

func insertMissingAssistantCalls(messages []Message) []Message {
	declared := map[string]struct{}{}
	out := make([]Message, 0, len(messages)+2)
	for _, msg := range messages {
		if msg.Role == RoleAssistant {
			for _, call := range msg.ToolCalls {
				declared[call.ID] = struct{}{}
			}
		}
		if msg.Role == RoleTool && msg.ToolCallID != "" {
			if _, ok := declared[msg.ToolCallID]; !ok {
				placeholder := Message{
					Role: RoleAssistant,
					ToolCalls: []ToolCall{{
						ID:            msg.ToolCallID,
						Name:          "unknown",
						ArgumentsJSON: "{}",
					}},
				}
				out = append(out, placeholder)
				declared[msg.ToolCallID] = struct{}{}
			}
		}
		out = append(out, msg)
	}
	return out
}

func synthesizeMissingToolResults(messages []Message) []Message {
	out := make([]Message, 0, len(messages)+2)
	var pending []string
	flushPending := func() {
		for _, id := range pending {
			out = append(out, Message{
				Role:       RoleTool,
				Content:    syntheticNoResultContent,
				ToolCallID: id,
			})
		}
		pending = pending[:0]
	}

	for _, msg := range messages {
		if msg.Role == RoleAssistant {
			flushPending()
			out = append(out, msg)
			for _, call := range msg.ToolCalls {
				pending = append(pending, call.ID)
			}
			continue
		}
		if msg.Role == RoleTool && msg.ToolCallID != "" {
			pending = removeString(pending, msg.ToolCallID)
		}
		out = append(out, msg)
	}
	flushPending()
	return out
}

func removeString(in []string, value string) []string {
	out := in[:0]
	for _, item := range in {
		if item == value {
			continue
		}
		out = append(out, item)
	}
	return out
}
