package container

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/jinford/chatball/internal/core/chat"
	"github.com/jinford/chatball/internal/core/llm"
	"github.com/jinford/chatball/internal/core/retrieval"
	"github.com/jinford/chatball/internal/infra/anthropic"
	"github.com/jinford/chatball/internal/infra/filesystem"
	"github.com/jinford/chatball/internal/infra/mistral"
	"github.com/jinford/chatball/internal/infra/ollama"
	"github.com/jinford/chatball/internal/infra/tokencount"
	"github.com/jinford/chatball/internal/interface/httpapi"
	"github.com/jinford/chatball/internal/platform/config"
)

// Container はアプリケーションの依存関係を保持する
type Container struct {
	Config     *config.Config
	Logger     *slog.Logger
	Source     *filesystem.DirSource
	Index      *retrieval.Index
	Ollama     *ollama.Client
	Dispatcher *llm.Dispatcher
	Chat       *chat.Service
	Tokens     *tokencount.Counter
}

type containerOptions struct {
	logger    *slog.Logger
	factories map[string]llm.Factory
	counter   *tokencount.Counter
}

// ContainerOption は Container 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerProvider は指定プロバイダの生成関数を差し替える
func WithContainerProvider(name string, factory llm.Factory) ContainerOption {
	return func(opts *containerOptions) {
		opts.factories[name] = factory
	}
}

// WithContainerTokenCounter は TokenCounter を差し替える
func WithContainerTokenCounter(counter *tokencount.Counter) ContainerOption {
	return func(opts *containerOptions) {
		opts.counter = counter
	}
}

// New は設定からコンテナを生成し、索引を構築する
func New(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	options := &containerOptions{
		logger:    slog.Default(),
		factories: make(map[string]llm.Factory),
	}
	for _, opt := range opts {
		opt(options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}

	source := filesystem.NewDirSource(cfg.Retriever.RulesDir, cfg.Retriever.Extensions)
	index := retrieval.NewIndex(retrieval.WithIndexLogger(logger))

	c := &Container{
		Config: cfg,
		Logger: logger,
		Source: source,
		Index:  index,
	}

	if _, err := c.Reload(ctx); err != nil {
		return nil, err
	}

	counter := options.counter
	if counter == nil {
		var err error
		counter, err = tokencount.New(tokencount.DefaultEncoding)
		if err != nil {
			logger.Warn("tiktoken encoding unavailable, falling back to estimates", "error", err)
			counter = &tokencount.Counter{}
		}
	}
	c.Tokens = counter

	c.Ollama = ollama.NewClient(ollama.Config{
		BaseURL: cfg.Ollama.URL,
		Timeout: cfg.Ollama.Timeout,
		Retry: llm.RetryPolicy{
			MaxAttempts: cfg.Ollama.MaxAttempts,
			Delay:       cfg.Ollama.RetryDelay,
		},
	}, ollama.WithLogger(logger))

	c.Dispatcher = llm.NewDispatcher(cfg.LLM.Provider, c.dispatcherOptions(options.factories)...)
	logger.Info("llm provider selected", "provider", cfg.LLM.Provider, "model", cfg.Model())

	if key := cfg.MissingCredential(); key != "" {
		logger.Warn("provider credential is not set; requests will fail until it is configured",
			"provider", cfg.LLM.Provider,
			"env", key,
		)
	}

	c.Chat = chat.NewService(index, c.Dispatcher, cfg.SystemPrompt,
		chat.WithChatLogger(logger),
		chat.WithTokenCounter(counter),
		chat.WithDefaultTopK(cfg.Retriever.TopK),
	)

	return c, nil
}

func (c *Container) dispatcherOptions(overrides map[string]llm.Factory) []llm.DispatcherOption {
	cfg := c.Config

	factories := map[string]llm.Factory{
		llm.ProviderMistralAPI: func() (llm.Provider, error) {
			client, err := mistral.NewClient(mistral.Config{
				APIKey:  cfg.Mistral.APIKey,
				BaseURL: cfg.Mistral.BaseURL,
				Timeout: cfg.Mistral.Timeout,
			}, mistral.WithLogger(c.Logger))
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		llm.ProviderAnthropic: func() (llm.Provider, error) {
			client, err := anthropic.NewClient(anthropic.Config{
				APIKey:  cfg.Anthropic.APIKey,
				BaseURL: cfg.Anthropic.BaseURL,
				Timeout: cfg.Anthropic.Timeout,
			}, anthropic.WithLogger(c.Logger))
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		llm.ProviderOllama: func() (llm.Provider, error) {
			return c.Ollama, nil
		},
	}
	for name, f := range overrides {
		factories[name] = f
	}

	params := map[string]llm.Params{
		llm.ProviderMistralAPI: {Model: cfg.Mistral.Model, MaxTokens: cfg.Mistral.MaxTokens, Temperature: cfg.Mistral.Temperature},
		llm.ProviderAnthropic:  {Model: cfg.Anthropic.Model, MaxTokens: cfg.Anthropic.MaxTokens, Temperature: cfg.Anthropic.Temperature},
		llm.ProviderOllama:     {Model: cfg.Ollama.Model, MaxTokens: cfg.Ollama.MaxTokens, Temperature: cfg.Ollama.Temperature},
	}

	opts := []llm.DispatcherOption{llm.WithDispatcherLogger(c.Logger)}
	for name, f := range factories {
		opts = append(opts, llm.WithProvider(name, params[name], f))
	}
	if cfg.LLM.RequestsPerSecond > 0 {
		burst := cfg.LLM.Burst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, llm.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.LLM.RequestsPerSecond), burst)))
	}
	return opts
}

// Reload はルールディレクトリから索引を再構築し、チャンク数を返す
func (c *Container) Reload(ctx context.Context) (int, error) {
	n, err := c.Index.Build(ctx, c.Source, c.Config.Retriever.MaxCharsPerChunk)
	if err != nil {
		return 0, fmt.Errorf("failed to build index: %w", err)
	}
	c.Logger.Info("index built", "dir", c.Source.Dir(), "chunks", n)
	return n, nil
}

// HTTPServer はチャット API サーバーを作成する
func (c *Container) HTTPServer() *httpapi.Server {
	return httpapi.NewServer(httpapi.Deps{
		Chat:         c.Chat,
		Retriever:    c.Index,
		Provider:     c.Dispatcher,
		Reload:       c.Reload,
		SkippedLines: c.Ollama.SkippedLines,
		AllowOrigins: c.Config.HTTP.AllowOrigins,
		DefaultTopK:  c.Config.Retriever.TopK,
		Logger:       c.Logger,
	})
}

// Watcher はルールディレクトリの変更で索引を再構築する Watcher を作成する
func (c *Container) Watcher() *filesystem.Watcher {
	return filesystem.NewWatcher(c.Source.Dir(), func(ctx context.Context) {
		if _, err := c.Reload(ctx); err != nil {
			c.Logger.Error("reload after change failed", "error", err)
		}
	}, filesystem.WithWatcherLogger(c.Logger))
}
