// Package artifact stores synthesized audio on disk so it can be served on a
// later, unrelated HTTP request. Artifacts are referenced only by identifier;
// a partially written artifact is never visible under its identifier.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/askdesk/askdesk/pkg/core"
)

// DefaultExtension is used when a writer is created without one.
const DefaultExtension = ".wav"

// Store writes and serves audio artifacts under a single directory.
type Store struct {
	dir string
}

// NewStore creates the directory if needed and returns a store over it.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, core.NewArtifactWriteError(fmt.Errorf("create artifact dir: %w", err))
	}
	return &Store{dir: dir}, nil
}

// Writer accumulates chunked writes into a temporary file. The artifact
// becomes retrievable only after Commit; Abort discards it.
type Writer struct {
	store *Store
	id    string
	ext   string
	tmp   *os.File
	done  bool
}

// Create starts a new artifact with a fresh unique identifier. The returned
// writer must be finished with Commit or Abort.
func (s *Store) Create(ext string) (*Writer, error) {
	if ext == "" {
		ext = DefaultExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	id := uuid.NewString() + ext
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return nil, core.NewArtifactWriteError(fmt.Errorf("create temp artifact: %w", err))
	}
	return &Writer{store: s, id: id, ext: ext, tmp: tmp}, nil
}

// ID returns the identifier the artifact will be retrievable under once
// committed.
func (w *Writer) ID() string { return w.id }

// Write appends a chunk.
func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, core.NewArtifactWriteError(fmt.Errorf("write after commit or abort"))
	}
	n, err := w.tmp.Write(p)
	if err != nil {
		return n, core.NewArtifactWriteError(fmt.Errorf("write artifact chunk: %w", err))
	}
	return n, nil
}

// Commit flushes, closes, and atomically moves the artifact into place,
// returning its identifier.
func (w *Writer) Commit() (string, error) {
	if w.done {
		return "", core.NewArtifactWriteError(fmt.Errorf("commit after commit or abort"))
	}
	w.done = true
	if err := w.tmp.Sync(); err != nil {
		w.cleanup()
		return "", core.NewArtifactWriteError(fmt.Errorf("sync artifact: %w", err))
	}
	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(w.tmp.Name())
		return "", core.NewArtifactWriteError(fmt.Errorf("close artifact: %w", err))
	}
	final := filepath.Join(w.store.dir, w.id)
	if err := os.Rename(w.tmp.Name(), final); err != nil {
		_ = os.Remove(w.tmp.Name())
		return "", core.NewArtifactWriteError(fmt.Errorf("commit artifact: %w", err))
	}
	return w.id, nil
}

// Abort discards the partial artifact. Safe to call after Commit.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.cleanup()
}

func (w *Writer) cleanup() {
	_ = w.tmp.Close()
	_ = os.Remove(w.tmp.Name())
}

// Open returns a reader over a committed artifact plus its size in bytes.
// Unknown or malformed identifiers yield a not-found error.
func (s *Store) Open(id string) (io.ReadCloser, int64, error) {
	if !validID(id) {
		return nil, 0, core.NewNotFoundError("unknown artifact")
	}
	f, err := os.Open(filepath.Join(s.dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, core.NewNotFoundError("unknown artifact")
		}
		return nil, 0, core.NewArtifactWriteError(fmt.Errorf("open artifact: %w", err))
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, core.NewArtifactWriteError(fmt.Errorf("stat artifact: %w", err))
	}
	return f, info.Size(), nil
}

// validID rejects anything that is not a bare "uuid.ext" style name so ids
// from the URL path can never escape the artifact directory.
func validID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '.' || r == '_':
		default:
			return false
		}
	}
	return true
}
