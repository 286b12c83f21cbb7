package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/askdesk/askdesk/pkg/core"
	"github.com/askdesk/askdesk/pkg/gateway/mw"
)

// ArtifactOpener serves previously synthesized audio by identifier.
type ArtifactOpener interface {
	Open(id string) (io.ReadCloser, int64, error)
}

// Audio streams one synthesized artifact. Unknown ids are 404.
// Route: GET /audio/{id}.
func Audio(logger *slog.Logger, store ArtifactOpener) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		body, size, err := store.Open(id)
		if err != nil {
			var ce *core.Error
			if errors.As(err, &ce) && ce.Type == core.ErrNotFound {
				mw.WriteJSONError(w, http.StatusNotFound, ce)
				return
			}
			reqID, _ := mw.RequestIDFrom(r.Context())
			logger.Error("open artifact failed", "request_id", reqID, "artifact_id", id, "error", err)
			mw.WriteJSONError(w, http.StatusInternalServerError, core.NewArtifactWriteError(err))
			return
		}
		defer body.Close()

		w.Header().Set("Content-Type", contentTypeFor(id))
		w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
		w.Header().Set("Cache-Control", "public, max-age=3600, immutable")
		_, _ = io.Copy(w, body)
	})
}

func contentTypeFor(id string) string {
	switch strings.ToLower(filepath.Ext(id)) {
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	default:
		return "audio/wav"
	}
}
