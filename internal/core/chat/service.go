package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jinford/chatball/internal/core/llm"
)

const (
	// DefaultTopK は top_k 未指定時の取得件数
	DefaultTopK = 4

	// FallbackTopK は top_k に 0 以下が指定された場合の取得件数
	FallbackTopK = 3
)

// Retriever はクエリに関連するチャンクを返す
type Retriever interface {
	Retrieve(query string, k int) []string
}

// Generator はLLMによる生成を行う
type Generator interface {
	Complete(ctx context.Context, prompt llm.Prompt) (string, error)
	Stream(ctx context.Context, prompt llm.Prompt) (<-chan llm.StreamChunk, error)
	CanStream() bool
}

// TokenCounter はトークン数を数える
type TokenCounter interface {
	CountTokens(text string) int
}

// Service は検索結果をコンテキストとしてLLMに質問する
type Service struct {
	retriever    Retriever
	generator    Generator
	systemPrompt string
	defaultTopK  int
	counter      TokenCounter
	logger       *slog.Logger
}

// ServiceOption は Service のオプション
type ServiceOption func(*Service)

// WithChatLogger はロガーを設定する
func WithChatLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTokenCounter はプロンプトのトークン数記録に使うカウンタを設定する
func WithTokenCounter(counter TokenCounter) ServiceOption {
	return func(s *Service) {
		s.counter = counter
	}
}

// WithDefaultTopK は top_k 未指定時の取得件数を設定する
func WithDefaultTopK(k int) ServiceOption {
	return func(s *Service) {
		if k > 0 {
			s.defaultTopK = k
		}
	}
}

// NewService は新しい Service を作成する
func NewService(retriever Retriever, generator Generator, systemPrompt string, opts ...ServiceOption) *Service {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	svc := &Service{
		retriever:    retriever,
		generator:    generator,
		systemPrompt: systemPrompt,
		defaultTopK:  DefaultTopK,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.logger == nil {
		svc.logger = slog.Default()
	}

	return svc
}

// Prepare はリクエストを検証し、検索とプロンプト構築を行う
func (s *Service) Prepare(req Request) (*Prepared, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	query := req.LastUserMessage()
	if query == "" {
		return nil, ErrNoUserMessage
	}

	k := s.resolveTopK(req.TopK)
	retrieved := s.retriever.Retrieve(query, k)

	return &Prepared{
		RequestID: uuid.NewString(),
		Query:     query,
		Prompt: llm.Prompt{
			System: s.systemPrompt,
			User:   BuildUserPayload(retrieved, query),
		},
		Retrieved: retrieved,
	}, nil
}

// Answer は非ストリーミングで回答を生成する
func (s *Service) Answer(ctx context.Context, req Request) (*Result, error) {
	p, err := s.Prepare(req)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("requestID", p.RequestID)
	logger.Info("generating answer",
		"query", p.Query,
		"retrieved", len(p.Retrieved),
		"promptTokens", s.countTokens(p.Prompt.System+p.Prompt.User),
	)

	answer, err := s.generator.Complete(ctx, p.Prompt)
	if err != nil {
		logger.Warn("answer generation failed", "error", err)
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}

	logger.Info("answer generated",
		"answerLength", len(answer),
		"answerTokens", s.countTokens(answer),
	)

	return &Result{
		RequestID: p.RequestID,
		Answer:    answer,
		Retrieved: p.Retrieved,
	}, nil
}

// Stream はストリーミングで回答を生成する
// プロバイダが対応していない場合はリクエストの検証より先に ErrStreamingUnsupported を返す
func (s *Service) Stream(ctx context.Context, req Request) (*StreamResult, error) {
	if !s.generator.CanStream() {
		return nil, ErrStreamingUnsupported
	}

	p, err := s.Prepare(req)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("requestID", p.RequestID)
	logger.Info("streaming answer",
		"query", p.Query,
		"retrieved", len(p.Retrieved),
		"promptTokens", s.countTokens(p.Prompt.System+p.Prompt.User),
	)

	upstream, err := s.generator.Stream(ctx, p.Prompt)
	if err != nil {
		logger.Warn("stream start failed", "error", err)
		return nil, fmt.Errorf("failed to start stream: %w", err)
	}

	out := make(chan llm.StreamChunk)
	go s.relay(ctx, logger, upstream, out)

	return &StreamResult{
		RequestID: p.RequestID,
		Retrieved: p.Retrieved,
		Chunks:    out,
	}, nil
}

// relay は上流の断片をそのまま流し、終了時に結果を記録する
func (s *Service) relay(ctx context.Context, logger *slog.Logger, upstream <-chan llm.StreamChunk, out chan<- llm.StreamChunk) {
	defer close(out)

	var sb strings.Builder
	fragments := 0
	for chunk := range upstream {
		if chunk.Delta != "" {
			fragments++
			sb.WriteString(chunk.Delta)
		}
		if chunk.Err != nil {
			logger.Warn("stream failed", "fragments", fragments, "error", chunk.Err)
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			logger.Info("stream cancelled by client", "fragments", fragments)
			// 上流のゴルーチンは ctx の終了で停止する
			return
		}

		if chunk.Done {
			logger.Info("stream completed",
				"fragments", fragments,
				"answerTokens", s.countTokens(sb.String()),
			)
		}
	}
}

func (s *Service) resolveTopK(topK *int) int {
	if topK == nil {
		return s.defaultTopK
	}
	if *topK <= 0 {
		return FallbackTopK
	}
	return *topK
}

func (s *Service) countTokens(text string) int {
	if s.counter == nil {
		return 0
	}
	return s.counter.CountTokens(text)
}
