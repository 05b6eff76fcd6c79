package browser

import (
	"context"
	"sync"
	"time"
)

// SessionTargetStore persists each session's default target.
type SessionTargetStore interface {
	LastUsedTarget(sessionID string) string
	SetLastUsedTarget(sessionID string, targetID string)
}

// MemoryTargetStore is the in-process fallback when no durable store is
// wired.
type MemoryTargetStore struct {
	mu   sync.Mutex
	last map[string]string
}

func NewMemoryTargetStore() *MemoryTargetStore {
	return &MemoryTargetStore{last: map[string]string{}}
}

func (s *MemoryTargetStore) LastUsedTarget(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[sessionID]
}

func (s *MemoryTargetStore) SetLastUsedTarget(sessionID string, targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[sessionID] = targetID
}

// TargetDirectory resolves default targets for the planner: per-session
// defaults from the store, shared targets from configuration, and the live
// browser's first page as the active fallback.
type TargetDirectory struct {
	Client   *Client
	Sessions SessionTargetStore
	Shared   []string
}

func (d *TargetDirectory) LastUsedTarget(sessionID string) string {
	if d.Sessions == nil {
		return ""
	}
	return d.Sessions.LastUsedTarget(sessionID)
}

func (d *TargetDirectory) SetLastUsedTarget(sessionID string, targetID string) {
	if d.Sessions != nil {
		d.Sessions.SetLastUsedTarget(sessionID, targetID)
	}
}

func (d *TargetDirectory) SharedTargets() []string {
	return d.Shared
}

func (d *TargetDirectory) ActiveTarget() string {
	if d.Client == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	targets, err := d.Client.Targets(ctx)
	if err != nil || len(targets) == 0 {
		return ""
	}
	return targets[0].ID
}
