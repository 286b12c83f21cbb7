package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/askdesk/askdesk/pkg/core"
	"github.com/askdesk/askdesk/pkg/gateway/mw"
)

// maxQuestionBytes bounds the request body; questions are short.
const maxQuestionBytes = 64 << 10

// AnswerService is the slice of the answer service the HTTP surface needs.
type AnswerService interface {
	AnswerQuestion(ctx context.Context, text string) (string, error)
}

type ragRequest struct {
	Question string `json:"question"`
}

type ragResponse struct {
	Answer string `json:"answer"`
}

// RAG answers a single-turn question. Accepts a JSON body
// {"question": "..."} or a plain text body.
func RAG(logger *slog.Logger, svc AnswerService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxQuestionBytes+1))
		if err != nil {
			mw.WriteJSONError(w, http.StatusBadRequest, core.NewInvalidRequestError("unreadable body"))
			return
		}
		if len(body) > maxQuestionBytes {
			mw.WriteJSONError(w, http.StatusRequestEntityTooLarge, core.NewInvalidRequestError("question too large"))
			return
		}

		question := extractQuestion(r.Header.Get("Content-Type"), body)
		if question == "" {
			mw.WriteJSONError(w, http.StatusBadRequest, core.NewInvalidRequestError("question must not be empty"))
			return
		}

		answer, err := svc.AnswerQuestion(r.Context(), question)
		if err != nil {
			reqID, _ := mw.RequestIDFrom(r.Context())
			logger.Error("answer failed", "request_id", reqID, "error", err)
			mw.WriteJSONError(w, http.StatusBadGateway, core.NewAnswerServiceError(err))
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(ragResponse{Answer: answer})
	})
}

// extractQuestion accepts either the JSON or plain-text request shape.
func extractQuestion(contentType string, body []byte) string {
	if strings.HasPrefix(contentType, "application/json") {
		var req ragRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return ""
		}
		return strings.TrimSpace(req.Question)
	}
	return strings.TrimSpace(string(body))
}
