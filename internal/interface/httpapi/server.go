// Package httpapi はチャット API の HTTP インターフェース
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jinford/chatball/internal/core/chat"
)

// ChatService は回答生成を行う
type ChatService interface {
	Answer(ctx context.Context, req chat.Request) (*chat.Result, error)
	Stream(ctx context.Context, req chat.Request) (*chat.StreamResult, error)
}

// Retriever は索引への問い合わせを行う
type Retriever interface {
	Retrieve(query string, k int) []string
	Len() int
}

// ProviderInfo は選択中のLLMプロバイダを表す
type ProviderInfo interface {
	ProviderName() string
	Model() string
}

// Deps はハンドラの依存
type Deps struct {
	Chat      ChatService
	Retriever Retriever
	Provider  ProviderInfo

	// Reload は索引を再構築し、チャンク数を返す
	Reload func(ctx context.Context) (int, error)

	// SkippedLines はストリーミングで読み飛ばした行数を返す（nil 可）
	SkippedLines func() int64

	AllowOrigins []string
	DefaultTopK  int
	Logger       *slog.Logger
}

// Server はルーティングとハンドラを保持する
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer は新しい Server を作成する
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DefaultTopK <= 0 {
		deps.DefaultTopK = chat.DefaultTopK
	}
	return &Server{deps: deps, logger: deps.Logger}
}

// Handler はルーティング済みの http.Handler を返す
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.deps.AllowOrigins))

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.chat)
		r.Post("/chat/stream", s.chatStream)
		r.Post("/reload", s.reload)
		r.Get("/retrieve", s.retrieve)
	})

	// 旧クライアント向けの互換エンドポイント
	r.Post("/chat", s.chat)

	return r
}
