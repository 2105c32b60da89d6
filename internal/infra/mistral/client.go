package mistral

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/tidwall/gjson"

	"github.com/jinford/chatball/internal/core/llm"
)

const (
	// DefaultBaseURL は Mistral API の既定エンドポイント（OpenAI 互換）
	DefaultBaseURL = "https://api.mistral.ai/v1/"

	// DefaultModel は既定のモデル名
	DefaultModel = "mistral-small-latest"

	// DefaultTimeout はAPI呼び出しのタイムアウト
	DefaultTimeout = 90 * time.Second
)

// billingVocabulary は課金・クレジット不足を示すエラーメッセージの語彙
var billingVocabulary = []string{"insufficient", "credit", "billing", "payment", "quota"}

// Config は Mistral クライアントの設定
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client は OpenAI 互換の chat completions API で Mistral を呼び出すクライアント
type Client struct {
	client  openai.Client
	timeout time.Duration
	logger  *slog.Logger
}

// ClientOption は Client のオプション
type ClientOption func(*Client)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient は新しい Client を作成する
// APIキーが空の場合は Misconfigured を返す
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, llm.NewMisconfiguredError(llm.ProviderMistralAPI, "MISTRAL_API_KEY is not set.")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		client: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
			// 再試行は行わず、失敗はそのまま分類して返す
			option.WithMaxRetries(0),
		),
		timeout: cfg.Timeout,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c, nil
}

// Complete はシステムプロンプトとユーザー入力を送信し、最初の候補のテキストを返す
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", c.classify(err)
	}

	if len(completion.Choices) == 0 {
		return "", llm.NewUnavailableError(llm.ProviderMistralAPI,
			fmt.Sprintf("Unexpected Mistral response format: %s", truncate(completion.RawJSON(), 200)), nil)
	}

	c.logger.Debug("mistral completion",
		"model", completion.Model,
		"promptTokens", completion.Usage.PromptTokens,
		"completionTokens", completion.Usage.CompletionTokens,
	)

	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

// classify は API エラーを llm のエラー種別に変換する
func (c *Client) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusPaymentRequired:
			return llm.NewNoCreditsError(llm.ProviderMistralAPI,
				fmt.Sprintf("Mistral API billing/auth: %d", apiErr.StatusCode), err)
		}

		body := errorBody(apiErr)
		detail := errorDetail(apiErr, body)
		c.logger.Debug("mistral api error", "status", apiErr.StatusCode, "body", truncate(body, 500))

		if llm.ContainsAny(body+" "+detail, billingVocabulary) {
			return llm.NewNoCreditsError(llm.ProviderMistralAPI,
				fmt.Sprintf("Mistral API billing/credits error: %s", detail), err)
		}
		return llm.NewUnavailableError(llm.ProviderMistralAPI,
			fmt.Sprintf("Mistral API error %d: %s", apiErr.StatusCode, detail), err)
	}

	if llm.IsTimeout(err) {
		return llm.NewTimeoutError(llm.ProviderMistralAPI, "Mistral API timeout.", err)
	}

	return llm.NewUnavailableError(llm.ProviderMistralAPI, fmt.Sprintf("Mistral API call failed: %v", err), err)
}

// errorBody は SDK が読み戻したエラーレスポンスの本文を返す
func errorBody(apiErr *openai.Error) string {
	if apiErr.Response == nil || apiErr.Response.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(apiErr.Response.Body)
	if err != nil {
		return ""
	}
	// 本文は再度読めるように戻す
	apiErr.Response.Body = io.NopCloser(bytes.NewReader(raw))
	return strings.TrimSpace(string(raw))
}

// errorDetail はエラー本文から人が読めるメッセージを取り出す
// Mistral はトップレベルの message、OpenAI 形式は error.message を返す
func errorDetail(apiErr *openai.Error, body string) string {
	if gjson.Valid(body) {
		for _, path := range []string{"message", "error.message", "detail", "error"} {
			if v := gjson.Get(body, path); v.Exists() && v.String() != "" {
				return truncate(v.String(), 500)
			}
		}
	}
	if body != "" {
		return truncate(body, 500)
	}
	if apiErr.Message != "" {
		return apiErr.Message
	}
	return apiErr.Error()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// インターフェース実装の確認
var _ llm.Provider = (*Client)(nil)
