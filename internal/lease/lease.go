// Package lease provides time-boxed mutual-exclusion leases scoped to one
// environment target. A lease prevents two concurrent runs from driving the
// same tab at once; expiry makes a crashed holder harmless.
package lease

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type grant struct {
	owner   string
	expires time.Time
}

// Service is an in-memory lease table. Safe for concurrent use.
type Service struct {
	mu     sync.Mutex
	grants map[string]grant
	now    func() time.Time
}

func NewService() *Service {
	return &Service{grants: map[string]grant{}, now: time.Now}
}

// Acquire grants the target lease to owner for ttl. A holder re-acquiring
// its own lease extends it. Returns ok=false with a reason when another
// owner holds an unexpired lease.
func (s *Service) Acquire(ctx context.Context, targetID string, ownerID string, ttl time.Duration) (bool, string, error) {
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	targetID = strings.TrimSpace(targetID)
	ownerID = strings.TrimSpace(ownerID)
	if targetID == "" || ownerID == "" {
		return false, "", fmt.Errorf("lease needs target and owner, got target=%q owner=%q", targetID, ownerID)
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if current, held := s.grants[targetID]; held && current.owner != ownerID && now.Before(current.expires) {
		return false, fmt.Sprintf("held by %s for another %s", current.owner, current.expires.Sub(now).Round(time.Millisecond)), nil
	}
	s.grants[targetID] = grant{owner: ownerID, expires: now.Add(ttl)}
	return true, "", nil
}

// Release drops the lease if owner still holds it. Releasing a lease you
// lost to expiry is a no-op.
func (s *Service) Release(targetID string, ownerID string) {
	targetID = strings.TrimSpace(targetID)
	ownerID = strings.TrimSpace(ownerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, held := s.grants[targetID]; held && current.owner == ownerID {
		delete(s.grants, targetID)
	}
}

// Holder reports the current unexpired holder of a target, if any.
func (s *Service) Holder(targetID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, held := s.grants[strings.TrimSpace(targetID)]
	if !held || s.now().After(current.expires) {
		return "", false
	}
	return current.owner, true
}
