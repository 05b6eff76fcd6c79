// Package vfs is an in-memory filesystem for scratch artifacts the agent
// produces mid-run: extracted text, draft content, intermediate notes.
// Nothing here touches the host filesystem.
package vfs

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// Store holds files keyed by absolute slash-separated paths.
type Store struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewStore() *Store {
	return &Store{files: map[string][]byte{}}
}

func normalize(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if cleaned == "/" || strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid path %q", p)
	}
	return cleaned, nil
}

func (s *Store) Read(p string) ([]byte, error) {
	key, err := normalize(p)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[key]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *Store) Write(p string, data []byte) error {
	key, err := normalize(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.files[key] = stored
	return nil
}

// Edit replaces the first occurrence of find with replace. A missing match
// is an error so the caller learns the file changed under it.
func (s *Store) Edit(p string, find string, replace string) error {
	key, err := normalize(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[key]
	if !ok {
		return fmt.Errorf("file not found: %s", key)
	}
	content := string(data)
	if !strings.Contains(content, find) {
		return fmt.Errorf("find string not present in %s", key)
	}
	s.files[key] = []byte(strings.Replace(content, find, replace, 1))
	return nil
}

func (s *Store) Delete(p string) error {
	key, err := normalize(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[key]; !ok {
		return fmt.Errorf("file not found: %s", key)
	}
	delete(s.files, key)
	return nil
}

// List returns all stored paths under prefix, sorted.
func (s *Store) List(prefix string) []string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "/"
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
