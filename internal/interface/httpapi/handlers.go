package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jinford/chatball/internal/core/chat"
)

type healthResponse struct {
	OK                 bool   `json:"ok"`
	Provider           string `json:"provider"`
	Model              string `json:"model"`
	Chunks             int    `json:"chunks"`
	StreamSkippedLines int64  `json:"stream_skipped_lines"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		OK:       true,
		Provider: s.deps.Provider.ProviderName(),
		Model:    s.deps.Provider.Model(),
		Chunks:   s.deps.Retriever.Len(),
	}
	if s.deps.SkippedLines != nil {
		resp.StreamSkippedLines = s.deps.SkippedLines()
	}
	writeJSON(w, http.StatusOK, resp)
}

type chatResponse struct {
	Answer    string   `json:"answer"`
	Retrieved []string `json:"retrieved"`
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	res, err := s.deps.Chat.Answer(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Answer:    res.Answer,
		Retrieved: nonNil(res.Retrieved),
	})
}

type streamLine struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	res, err := s.deps.Chat.Stream(r.Context(), req)
	if err != nil && statusFor(err) == http.StatusBadRequest {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	write := func(line streamLine) bool {
		if err := enc.Encode(line); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// 開始に失敗した場合もNDJSONのエラー行で伝える
	if err != nil {
		s.logger.Warn("stream failed before first fragment",
			"requestID", middleware.GetReqID(r.Context()),
			"error", err,
		)
		write(streamLine{Error: detailFor(err)})
		return
	}

	for chunk := range res.Chunks {
		switch {
		case chunk.Err != nil:
			write(streamLine{Error: detailFor(chunk.Err)})
			return
		case chunk.Done:
			write(streamLine{Done: true})
			return
		case chunk.Delta != "":
			if !write(streamLine{Delta: chunk.Delta}) {
				return
			}
		}
	}
}

type reloadResponse struct {
	Chunks int `json:"chunks"`
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reload == nil {
		writeError(w, http.StatusNotImplemented, "reload is not configured")
		return
	}

	n, err := s.deps.Reload(r.Context())
	if err != nil {
		s.logger.Error("reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reloadResponse{Chunks: n})
}

type retrieveResponse struct {
	Query  string   `json:"query"`
	K      int      `json:"k"`
	Chunks []string `json:"chunks"`
}

func (s *Server) retrieve(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	k := s.deps.DefaultTopK
	if raw := r.URL.Query().Get("k"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid k: %q", raw))
			return
		}
		k = v
	}

	writeJSON(w, http.StatusOK, retrieveResponse{
		Query:  q,
		K:      k,
		Chunks: nonNil(s.deps.Retriever.Retrieve(q, k)),
	})
}

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (chat.Request, bool) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return chat.Request{}, false
	}
	return req, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("chat request failed",
			"requestID", middleware.GetReqID(r.Context()),
			"status", status,
			"error", err,
		)
	}
	writeError(w, status, detailFor(err))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
