package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jinford/chatball/internal/core/chat"
	"github.com/jinford/chatball/internal/core/llm"
)

const (
	detailNoUserMessage        = "No user message provided."
	detailStreamingUnsupported = "Streaming is only supported with Ollama provider."
)

// statusFor はエラーをHTTPステータスに対応付ける
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrNoUserMessage),
		errors.Is(err, chat.ErrInvalidRole),
		errors.Is(err, chat.ErrStreamingUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, llm.ErrNoCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, llm.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// detailFor は利用者に返すエラーメッセージを返す
func detailFor(err error) string {
	switch {
	case errors.Is(err, chat.ErrNoUserMessage):
		return detailNoUserMessage
	case errors.Is(err, chat.ErrStreamingUnsupported):
		return detailStreamingUnsupported
	}

	var pe *llm.ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
