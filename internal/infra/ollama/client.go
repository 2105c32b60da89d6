package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jinford/chatball/internal/core/llm"
)

const (
	// DefaultBaseURL はローカル Ollama デーモンの既定URL
	DefaultBaseURL = "http://localhost:11434"

	// DefaultModel は既定のモデル名
	DefaultModel = "mistral"

	// DefaultTimeout は1回の試行あたりのタイムアウト
	DefaultTimeout = 120 * time.Second

	generatePath = "/api/generate"
)

// Config は Ollama クライアントの設定
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   llm.RetryPolicy
}

// Client はローカル Ollama デーモンの /api/generate を呼び出すクライアント
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	retry      llm.RetryPolicy
	logger     *slog.Logger

	skippedLines atomic.Int64
}

// ClientOption は Client のオプション
type ClientOption func(*Client)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient は HTTP クライアントを差し替える
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient は新しい Client を作成する
func NewClient(cfg Config, opts ...ClientOption) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = llm.DefaultRetryPolicy()
	}

	c := &Client{
		// タイムアウトは試行ごとにコンテキストで管理する
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		retry:      cfg.Retry,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c
}

// generateRequest は /api/generate のリクエスト形式
type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Options options `json:"options"`
	Stream  bool    `json:"stream"`
}

type options struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

// generateResponse は /api/generate の応答1件（ストリーミング時は1行）
type generateResponse struct {
	Response *string `json:"response"`
	Done     bool    `json:"done"`
}

// SkippedLines はストリーミング中に解析できず読み飛ばした行数を返す
func (c *Client) SkippedLines() int64 {
	return c.skippedLines.Load()
}

// Complete は stream=false で生成し、応答テキストを返す
// タイムアウトまたはその他の失敗時は固定待機を挟んで再試行する
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	body, err := c.buildBody(req, false)
	if err != nil {
		return "", err
	}

	var answer string
	err = c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		out, err := c.generateOnce(ctx, body)
		if err != nil {
			c.logger.Warn("ollama attempt failed",
				"attempt", attempt,
				"maxAttempts", c.retry.MaxAttempts,
				"error", err,
			)
			return err
		}
		answer = out
		return nil
	})
	if err != nil {
		if llm.IsTimeout(err) {
			return "", llm.NewTimeoutError(llm.ProviderOllama,
				"Ollama timed out twice. Try fewer tokens or a smaller model.", err)
		}
		if llm.KindOf(err) == nil {
			return "", llm.NewUnavailableError(llm.ProviderOllama, err.Error(), err)
		}
		return "", err
	}

	return answer, nil
}

func (c *Client) generateOnce(ctx context.Context, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", llm.NewUnavailableError(llm.ProviderOllama, fmt.Sprintf("decode response: %v", err), err)
	}
	if out.Response == nil {
		return "", llm.NewMisconfiguredError(llm.ProviderOllama,
			fmt.Sprintf("unexpected response format: %s", truncate(string(data), 200)))
	}

	return strings.TrimSpace(*out.Response), nil
}

// Stream は stream=true で生成し、改行区切りJSONの各行から断片を送るチャネルを返す
// 初回応答が 400 以上の場合は断片を送る前に Unavailable を返す
// 呼び出し側が ctx をキャンセルすると接続は解放される
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	body, err := c.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	// 応答ヘッダが届くまでの時間だけを制限する
	headerTimer := time.AfterFunc(c.timeout, cancel)
	resp, err := c.post(ctx, body)
	if !headerTimer.Stop() {
		cancel()
		if err == nil {
			resp.Body.Close()
		}
		return nil, llm.NewTimeoutError(llm.ProviderOllama, "Ollama took too long to respond (timeout).", err)
	}
	if err != nil {
		cancel()
		return nil, llm.NewUnavailableError(llm.ProviderOllama, err.Error(), err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer cancel()
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		defer cancel()
		defer resp.Body.Close()
		c.readStream(ctx, resp.Body, ch)
	}()

	return ch, nil
}

// readStream は行ごとに解析して断片を送る
// 解析できない行は読み飛ばして数える。done を受け取った時点で残りは読まない
func (c *Client) readStream(ctx context.Context, body io.Reader, ch chan<- llm.StreamChunk) {
	send := func(chunk llm.StreamChunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// 1行の長さに上限は設けない
	reader := bufio.NewReaderSize(body, 64*1024)

	for {
		raw, readErr := reader.ReadBytes('\n')

		if line := bytes.TrimSpace(raw); len(line) > 0 {
			var obj generateResponse
			if err := json.Unmarshal(line, &obj); err != nil {
				c.skippedLines.Add(1)
				c.logger.Debug("skipping malformed stream line", "line", truncate(string(line), 200), "error", err)
			} else {
				if obj.Response != nil && *obj.Response != "" {
					if !send(llm.StreamChunk{Delta: *obj.Response}) {
						return
					}
				}
				if obj.Done {
					send(llm.StreamChunk{Done: true})
					return
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if ctx.Err() != nil && errors.Is(readErr, context.Canceled) {
				return
			}
			send(llm.StreamChunk{Err: llm.NewUnavailableError(llm.ProviderOllama, fmt.Sprintf("stream interrupted: %v", readErr), readErr)})
			return
		}
	}

	// done を受け取らずに終端に達した場合も正常終了として扱う
	send(llm.StreamChunk{Done: true})
}

func (c *Client) buildBody(req llm.Request, stream bool) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: BuildPrompt(req.Prompt),
		Options: options{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
		Stream: stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generatePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}

// BuildPrompt はシステムプロンプトとユーザー入力を1つのプロンプトにまとめる
func BuildPrompt(p llm.Prompt) string {
	return p.System + "\n\nUSER:\n" + p.User
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	detail := strings.TrimSpace(string(data))

	var errBody struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
		detail = errBody.Error
	}

	return llm.NewUnavailableError(llm.ProviderOllama,
		fmt.Sprintf("Ollama error %d: %s", resp.StatusCode, detail), nil)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// インターフェース実装の確認
var (
	_ llm.Provider = (*Client)(nil)
	_ llm.Streamer = (*Client)(nil)
)
