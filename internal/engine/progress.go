package engine

import (
	"encoding/json"
	"sort"
	"strings"
)

// ProgressTrigger is the reason the detector fired, or empty.
type ProgressTrigger string

const (
	TriggerNone            ProgressTrigger = ""
	TriggerRepeatSignature ProgressTrigger = "repeat_signature"
	TriggerPingPong        ProgressTrigger = "ping_pong"
)

const (
	defaultProgressWindow = 12
	maxSignatureLength    = 256
)

// NoProgressDetector watches the stream of tool-call signatures for one
// active run and flags loops: the same call repeated back to back, or two
// calls alternating. State is per run and never persisted.
type NoProgressDetector struct {
	SameLimit     int
	PingPongLimit int

	window         []string
	windowSize     int
	sameStreak     int
	pingPongStreak int
}

func NewNoProgressDetector(windowSize int, sameLimit int, pingPongLimit int) *NoProgressDetector {
	if windowSize <= 0 {
		windowSize = defaultProgressWindow
	}
	return &NoProgressDetector{
		SameLimit:     sameLimit,
		PingPongLimit: pingPongLimit,
		windowSize:    windowSize,
	}
}

// Observe appends one signature and reports whether a stall threshold was
// crossed. After a trigger the streak counters reset so the next trigger
// requires a fresh run of repeats.
func (d *NoProgressDetector) Observe(signature string) ProgressTrigger {
	if d == nil {
		return TriggerNone
	}
	prev := ""
	if len(d.window) > 0 {
		prev = d.window[len(d.window)-1]
	}
	d.window = append(d.window, signature)
	if len(d.window) > d.windowSize {
		d.window = d.window[len(d.window)-d.windowSize:]
	}

	if signature == prev && prev != "" {
		d.sameStreak++
	} else {
		d.sameStreak = 1
	}

	if n := len(d.window); n >= 4 {
		a, b := d.window[n-4], d.window[n-3]
		if a != b && d.window[n-2] == a && d.window[n-1] == b {
			d.pingPongStreak++
		} else {
			d.pingPongStreak = 0
		}
	} else {
		d.pingPongStreak = 0
	}

	if d.SameLimit > 0 && d.sameStreak >= d.SameLimit {
		d.sameStreak = 0
		return TriggerRepeatSignature
	}
	if d.PingPongLimit > 0 && d.pingPongStreak >= d.PingPongLimit {
		d.pingPongStreak = 0
		return TriggerPingPong
	}
	return TriggerNone
}

// Reset clears all stall state, used when a run starts over.
func (d *NoProgressDetector) Reset() {
	if d == nil {
		return
	}
	d.window = nil
	d.sameStreak = 0
	d.pingPongStreak = 0
}

// CanonicalSignature builds a stable identity for one tool call: lowercased
// tool name plus deep-sorted argument rendering, length-capped so huge
// payloads cannot defeat comparison.
func CanonicalSignature(tool string, argumentsJSON string) string {
	sig := strings.ToLower(strings.TrimSpace(tool)) + ":" + canonicalJSON(argumentsJSON)
	if len(sig) > maxSignatureLength {
		sig = sig[:maxSignatureLength]
	}
	return sig
}

func canonicalJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "{}"
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return raw
	}
	var sb strings.Builder
	writeCanonical(&sb, value)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			writeCanonical(sb, v[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			sb.WriteString("?")
			return
		}
		sb.Write(encoded)
	}
}
