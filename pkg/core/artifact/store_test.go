package artifact

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/askdesk/askdesk/pkg/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestWriteCommitOpen(t *testing.T) {
	s := newTestStore(t)

	w, err := s.Create(".wav")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// chunked writes
	for _, chunk := range []string{"RIFF", "fake", "audio"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	id, err := w.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !strings.HasSuffix(id, ".wav") {
		t.Errorf("id %q should carry the extension", id)
	}

	r, size, err := s.Open(id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "RIFFfakeaudio" {
		t.Errorf("content = %q", got)
	}
	if size != int64(len(got)) {
		t.Errorf("size = %d, want %d", size, len(got))
	}
}

func TestPartialArtifactNeverVisible(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	w, err := s.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Before commit the id must not resolve.
	if _, _, err := s.Open(w.ID()); err == nil {
		t.Fatal("uncommitted artifact must not be retrievable")
	}

	w.Abort()
	if _, _, err := s.Open(w.ID()); err == nil {
		t.Fatal("aborted artifact must not be retrievable")
	}

	// Abort must leave no stray files behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("dir not empty after abort: %v", entries)
	}
}

func TestOpenUnknownID(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{
		"does-not-exist.wav",
		"../escape.wav",
		"a/b.wav",
		"..",
		"",
		".hidden",
	} {
		_, _, err := s.Open(id)
		var ce *core.Error
		if !errors.As(err, &ce) || ce.Type != core.ErrNotFound {
			t.Errorf("Open(%q) = %v, want not_found_error", id, err)
		}
	}
}

func TestOpenCannotEscapeDir(t *testing.T) {
	parent := t.TempDir()
	secret := filepath.Join(parent, "secret.wav")
	if err := os.WriteFile(secret, []byte("secret"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s, err := NewStore(filepath.Join(parent, "artifacts"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, _, err := s.Open("../secret.wav"); err == nil {
		t.Fatal("path traversal must not resolve")
	}
}

func TestConcurrentIDsUnique(t *testing.T) {
	s := newTestStore(t)

	const n = 100
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := s.Create(".wav")
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			if _, err := w.Write([]byte("same input text")); err != nil {
				t.Errorf("Write: %v", err)
				return
			}
			id, err := w.Commit()
			if err != nil {
				t.Errorf("Commit: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		if id == "" {
			t.Fatal("missing id")
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		if _, _, err := s.Open(id); err != nil {
			t.Errorf("Open(%q): %v", id, err)
		}
	}
}

func TestWriteAfterCommit(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Create(".wav")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := w.Write([]byte("late")); err == nil {
		t.Error("Write after Commit should fail")
	}
	if _, err := w.Commit(); err == nil {
		t.Error("second Commit should fail")
	}
}
