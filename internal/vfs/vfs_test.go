package vfs

import (
	"reflect"
	"strings"
	"testing"
)

func TestStore_WriteReadRoundtrip(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if err := s.Write("/notes/draft.md", []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Relative paths are rooted automatically.
	got, err := s.Read("notes/draft.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("content=%q, want hello", got)
	}

	// Readers get a copy, not the backing slice.
	got[0] = 'X'
	again, _ := s.Read("/notes/draft.md")
	if string(again) != "hello" {
		t.Fatalf("stored content mutated through a read copy: %q", again)
	}
}

func TestStore_PathValidation(t *testing.T) {
	t.Parallel()

	s := NewStore()
	for _, p := range []string{"", "   ", "/", "a/.."} {
		if err := s.Write(p, []byte("x")); err == nil {
			t.Fatalf("path %q accepted", p)
		}
	}

	// Traversal segments are resolved, not preserved.
	if err := s.Write("/tmp/../etc/motd", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.Read("/etc/motd"); err != nil {
		t.Fatalf("cleaned path not used as key: %v", err)
	}
}

func TestStore_Edit(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if err := s.Write("/a.txt", []byte("one two one")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Edit("/a.txt", "one", "three"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	got, _ := s.Read("/a.txt")
	if string(got) != "three two one" {
		t.Fatalf("content=%q, want first occurrence replaced only", got)
	}

	if err := s.Edit("/a.txt", "missing", "x"); err == nil || !strings.Contains(err.Error(), "not present") {
		t.Fatalf("edit with absent find: err=%v", err)
	}
	if err := s.Edit("/nope.txt", "a", "b"); err == nil {
		t.Fatalf("edit on missing file accepted")
	}
}

func TestStore_DeleteAndList(t *testing.T) {
	t.Parallel()

	s := NewStore()
	for _, p := range []string{"/b/two.txt", "/a/one.txt", "/a/three.txt"} {
		if err := s.Write(p, []byte("x")); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	if got := s.List("/a"); !reflect.DeepEqual(got, []string{"/a/one.txt", "/a/three.txt"}) {
		t.Fatalf("list /a=%v", got)
	}
	if got := s.List(""); len(got) != 3 {
		t.Fatalf("list all=%v, want 3 entries", got)
	}

	if err := s.Delete("/a/one.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Read("/a/one.txt"); err == nil {
		t.Fatalf("deleted file still readable")
	}
	if err := s.Delete("/a/one.txt"); err == nil {
		t.Fatalf("double delete accepted")
	}
}
