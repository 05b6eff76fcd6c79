// Package auditlog keeps a local append-only record of every tool
// execution the agent performs. The trail is what lets an operator answer
// "what did the agent actually do to this machine and browser" after the
// fact, independently of the session transcript.
package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes   = int64(4 << 20) // 4 MiB
	defaultMaxBackups = 3

	activeFileName = "tool_events.jsonl"
)

// Entry records one dispatched tool call.
type Entry struct {
	CreatedAt string `json:"created_at"`

	SessionID string `json:"session_id"`

	// Tool is the canonical tool name, PlanKind the execution route the
	// planner chose for it.
	Tool     string `json:"tool"`
	PlanKind string `json:"plan_kind,omitempty"`

	// Target is the browser tab the call acted on, when there was one.
	Target string `json:"target,omitempty"`

	Mutating bool `json:"mutating,omitempty"`

	// Status is "success" or "failure".
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`

	Verified     *bool  `json:"verified,omitempty"`
	VerifyReason string `json:"verify_reason,omitempty"`
}

type Options struct {
	Logger *slog.Logger

	// Dir is where the trail lives, e.g. ~/.webpilot-agent/audit.
	Dir string

	// MaxBytes is the rotation threshold for the active file.
	MaxBytes int64
	// MaxBackups keeps the latest N rotated files next to the active one.
	MaxBackups int
}

type Store struct {
	log *slog.Logger

	dir        string
	activePath string

	maxBytes   int64
	maxBackups int

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("missing audit dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	activePath := filepath.Join(dir, activeFileName)
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return &Store{
		log:        logger,
		dir:        dir,
		activePath: activePath,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
	}, nil
}

// Append writes one entry. Failures are logged, never propagated; the
// audit trail must not break tool dispatch.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = "success"
	}

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Warn("auditlog append failed", "err", err)
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&e); err != nil {
		s.log.Warn("auditlog encode failed", "err", err)
		return
	}

	s.maybeRotateLocked()
}

// List returns up to limit entries, newest first, spanning rotated files.
func (s *Store) List(limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	s.mu.Lock()
	files := s.listFilesLocked()
	s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, path := range files {
		if len(out) >= limit {
			break
		}
		entries, err := readNewestFirst(path, limit-len(out))
		if err != nil {
			s.log.Warn("auditlog read failed", "path", path, "err", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (s *Store) listFilesLocked() []string {
	// Newest first: the active file, then rotated files by timestamp.
	paths := []string{s.activePath}

	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return paths
	}
	var rotated []string
	for _, ent := range ents {
		if ent == nil || ent.IsDir() {
			continue
		}
		if isRotatedName(ent.Name()) {
			rotated = append(rotated, filepath.Join(s.dir, ent.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(rotated)))
	paths = append(paths, rotated...)
	return paths
}

// isRotatedName matches tool_events-<unix_ms>.jsonl. UnixMilli timestamps
// of the same width sort lexicographically in time order.
func isRotatedName(name string) bool {
	return strings.HasPrefix(name, "tool_events-") && strings.HasSuffix(name, ".jsonl")
}

func (s *Store) maybeRotateLocked() {
	st, err := os.Stat(s.activePath)
	if err != nil || st.Size() <= s.maxBytes {
		return
	}

	dst := filepath.Join(s.dir, fmt.Sprintf("tool_events-%d.jsonl", time.Now().UnixMilli()))
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn("auditlog rotate failed", "err", err)
		return
	}
	if f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}

	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	var rotated []string
	for _, ent := range ents {
		if ent == nil || ent.IsDir() {
			continue
		}
		if isRotatedName(ent.Name()) {
			rotated = append(rotated, ent.Name())
		}
	}
	sort.Strings(rotated)
	for len(rotated) > s.maxBackups {
		_ = os.Remove(filepath.Join(s.dir, rotated[0]))
		rotated = rotated[1:]
	}
}

func readNewestFirst(path string, limit int) ([]Entry, error) {
	if strings.TrimSpace(path) == "" || limit <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
