package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Provider は非ストリーミング生成を行うバックエンドクライアント
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Streamer はストリーミング生成に対応したバックエンドクライアント
// 返されるチャネルは Done または Err を持つ要素を最後に閉じられる
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// Factory はプロバイダクライアントを生成する
// 最初の呼び出し時に一度だけ実行される
type Factory func() (Provider, error)

type registration struct {
	params Params
	get    func() (Provider, error)
}

// Dispatcher は設定されたプロバイダへ生成呼び出しを振り分ける
type Dispatcher struct {
	selected string
	entries  map[string]*registration
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// DispatcherOption は Dispatcher のオプション
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger はロガーを設定する
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithRateLimiter は生成呼び出しの前に待機するレートリミッタを設定する
func WithRateLimiter(limiter *rate.Limiter) DispatcherOption {
	return func(d *Dispatcher) {
		d.limiter = limiter
	}
}

// WithProvider はプロバイダを登録する
// factory は初回利用時に一度だけ呼ばれ、結果（エラー含む）は保持される
func WithProvider(name string, params Params, factory Factory) DispatcherOption {
	return func(d *Dispatcher) {
		d.entries[name] = &registration{
			params: params,
			get:    sync.OnceValues(factory),
		}
	}
}

// NewDispatcher は selected を有効なプロバイダとする Dispatcher を作成する
func NewDispatcher(selected string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		selected: selected,
		entries:  make(map[string]*registration),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		d.logger = slog.Default()
	}

	return d
}

// ProviderName は有効なプロバイダ選択子を返す
func (d *Dispatcher) ProviderName() string {
	return d.selected
}

// Model は有効なプロバイダのモデル名を返す。未登録なら空文字
func (d *Dispatcher) Model() string {
	if entry, ok := d.entries[d.selected]; ok {
		return entry.params.Model
	}
	return ""
}

// CanStream は有効なプロバイダがストリーミングに対応しているかを返す
func (d *Dispatcher) CanStream() bool {
	return d.selected == ProviderOllama
}

// Complete は有効なプロバイダで一括生成する
// 生成パラメータはプロバイダごとの設定値を使い、呼び出し側からはプロンプトのみ受け取る
func (d *Dispatcher) Complete(ctx context.Context, prompt Prompt) (string, error) {
	provider, params, err := d.resolve()
	if err != nil {
		return "", err
	}

	if err := d.wait(ctx); err != nil {
		return "", err
	}

	d.logger.Debug("dispatching completion",
		"provider", d.selected,
		"model", params.Model,
		"maxTokens", params.MaxTokens,
	)

	return provider.Complete(ctx, Request{Prompt: prompt, Params: params})
}

// Stream は有効なプロバイダでストリーミング生成する
// ストリーミング非対応のプロバイダでは Misconfigured を返す
func (d *Dispatcher) Stream(ctx context.Context, prompt Prompt) (<-chan StreamChunk, error) {
	if !d.CanStream() {
		return nil, NewMisconfiguredError(d.selected, "streaming is only supported with the "+ProviderOllama+" provider")
	}

	provider, params, err := d.resolve()
	if err != nil {
		return nil, err
	}

	streamer, ok := provider.(Streamer)
	if !ok {
		return nil, NewMisconfiguredError(d.selected, "provider does not implement streaming")
	}

	if err := d.wait(ctx); err != nil {
		return nil, err
	}

	return streamer.Stream(ctx, Request{Prompt: prompt, Params: params})
}

// Warmup はローカルバックエンドにモデルを読み込ませるための短い生成を行う
// 失敗はエラーとして返さず、状態文字列に含めて返す
func (d *Dispatcher) Warmup(ctx context.Context) string {
	if d.selected != ProviderOllama {
		return "warmup not needed"
	}

	provider, params, err := d.resolve()
	if err != nil {
		return fmt.Sprintf("warmup failed: %v", err)
	}

	req := Request{
		Prompt: Prompt{System: "You are a noop.", User: "Say: ok"},
		Params: Params{Model: params.Model, MaxTokens: 8, Temperature: 0},
	}
	if _, err := provider.Complete(ctx, req); err != nil {
		return fmt.Sprintf("warmup failed: %v", err)
	}

	return "ollama warmup ok"
}

// resolve は有効なプロバイダとそのパラメータを返す
func (d *Dispatcher) resolve() (Provider, Params, error) {
	entry, ok := d.entries[d.selected]
	if !ok {
		return nil, Params{}, NewMisconfiguredError("", fmt.Sprintf("unknown LLM_PROVIDER: %s", d.selected))
	}

	provider, err := entry.get()
	if err != nil {
		return nil, Params{}, err
	}

	return provider, entry.params, nil
}

func (d *Dispatcher) wait(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	err := d.limiter.Wait(ctx)
	if err == nil {
		return nil
	}

	// 期限内に順番が回らない場合は、期限切れを待たずにエラーが返る
	if _, hasDeadline := ctx.Deadline(); hasDeadline && !errors.Is(err, context.Canceled) {
		return NewTimeoutError(d.selected, "rate limit wait exceeded the request deadline", err)
	}
	return NewUnavailableError(d.selected, fmt.Sprintf("rate limiter wait failed: %v", err), err)
}
