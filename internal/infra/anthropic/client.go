// Package anthropic は Anthropic messages API を呼び出す LLM プロバイダ
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jinford/chatball/internal/core/llm"
)

const (
	// DefaultBaseURL は Anthropic API の既定URL
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultModel は既定のモデル名
	DefaultModel = "claude-3-5-sonnet-latest"

	// DefaultTimeout はAPI呼び出しのタイムアウト
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens は max_tokens 未指定時の値（API 側で必須）
	DefaultMaxTokens = 800

	anthropicVersion = "2023-06-01"
	messagesPath     = "/v1/messages"
)

// billingVocabulary は課金失敗を示すエラーメッセージの語彙
var billingVocabulary = []string{"credit balance", "payment required", "insufficient credits", "billing"}

// Config は Anthropic クライアントの設定
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client は /v1/messages を呼び出すクライアント
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
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
		return nil, llm.NewMisconfiguredError(llm.ProviderAnthropic, "ANTHROPIC_API_KEY is not set.")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c, nil
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete はシステムプロンプトとユーザー入力を1往復で送信し、テキストブロックを連結して返す
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	body, err := json.Marshal(messagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      req.System,
		Messages: []message{
			{Role: "user", Content: []contentBlock{{Type: "text", Text: req.User}}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if llm.IsTimeout(err) {
			return "", llm.NewTimeoutError(llm.ProviderAnthropic, "Anthropic API timeout.", err)
		}
		return "", c.classify(fmt.Sprintf("send request: %v", err), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", c.classify(fmt.Sprintf("read response: %v", err), err)
	}

	var out messagesResponse
	decodeErr := json.Unmarshal(data, &out)

	if resp.StatusCode >= http.StatusBadRequest || out.Error != nil {
		detail := strings.TrimSpace(string(data))
		if out.Error != nil && out.Error.Message != "" {
			detail = out.Error.Message
		}
		return "", c.classify(fmt.Sprintf("Anthropic error %d: %s", resp.StatusCode, detail), nil)
	}
	if decodeErr != nil {
		return "", llm.NewUnavailableError(llm.ProviderAnthropic, fmt.Sprintf("decode response: %v", decodeErr), decodeErr)
	}

	texts := make([]string, 0, len(out.Content))
	for _, block := range out.Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}

	c.logger.Debug("anthropic completion",
		"model", model,
		"inputTokens", out.Usage.InputTokens,
		"outputTokens", out.Usage.OutputTokens,
	)

	return strings.TrimSpace(strings.Join(texts, "\n")), nil
}

// classify はエラーメッセージを課金語彙と照合し、該当すれば NoCredits とする
func (c *Client) classify(msg string, cause error) error {
	if llm.ContainsAny(msg, billingVocabulary) {
		return llm.NewNoCreditsError(llm.ProviderAnthropic, "Anthropic billing: insufficient credits.", cause)
	}
	return llm.NewUnavailableError(llm.ProviderAnthropic, msg, cause)
}

// インターフェース実装の確認
var _ llm.Provider = (*Client)(nil)
