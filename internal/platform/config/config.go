package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 既知のプロバイダ識別子
const (
	ProviderAnthropic  = "anthropic"
	ProviderMistralAPI = "mistral_api"
	ProviderOllama     = "ollama_mistral"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	LLM       LLMConfig
	Anthropic AnthropicConfig
	Mistral   MistralConfig
	Ollama    OllamaConfig
	Retriever RetrieverConfig
	HTTP      HTTPConfig
	Log       LogConfig

	// 空の場合は既定のシステムプロンプトを使う
	SystemPrompt string
}

// LLMConfig はプロバイダ選択と呼び出し頻度の設定
type LLMConfig struct {
	Provider          string
	RequestsPerSecond float64 // 0 は無制限
	Burst             int
}

// AnthropicConfig は Anthropic API 設定
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// MistralConfig は Mistral API 設定
type MistralConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// OllamaConfig はローカル Ollama 設定
// 温度と最大トークン数は Mistral の設定を共有する
type OllamaConfig struct {
	URL         string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// RetrieverConfig はルール文書の検索設定
type RetrieverConfig struct {
	RulesDir         string
	MaxCharsPerChunk int
	TopK             int
	Extensions       []string
	Watch            bool
}

// HTTPConfig はHTTPサーバー設定
type HTTPConfig struct {
	Addr            string
	AllowOrigins    []string
	ShutdownTimeout time.Duration
}

// LogConfig はログ設定
type LogConfig struct {
	Level  string
	Format string
}

// Load は .env ファイル、YAML ファイル、環境変数の順に設定を読み込みます
// 同じキーは環境変数が優先されます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	src := source{}
	if path := os.Getenv("CHATBALL_CONFIG_FILE"); path != "" {
		base, err := loadYAML(path)
		if err != nil {
			return nil, err
		}
		src.base = base
	}

	mistralTemperature := src.getFloat("MISTRAL_TEMPERATURE", 0.2)
	mistralMaxTokens := src.getInt("MISTRAL_MAX_TOKENS", 800)

	cfg := &Config{
		LLM: LLMConfig{
			Provider:          strings.ToLower(strings.TrimSpace(src.get("LLM_PROVIDER", ProviderMistralAPI))),
			RequestsPerSecond: src.getFloat("LLM_REQUESTS_PER_SECOND", 0),
			Burst:             src.getInt("LLM_BURST", 1),
		},
		Anthropic: AnthropicConfig{
			APIKey:      src.get("ANTHROPIC_API_KEY", ""),
			BaseURL:     src.get("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			Model:       src.get("CLAUDE_MODEL", "claude-3-5-sonnet-latest"),
			Temperature: src.getFloat("CLAUDE_TEMPERATURE", 0.2),
			MaxTokens:   src.getInt("CLAUDE_MAX_TOKENS", 800),
			Timeout:     src.getDuration("ANTHROPIC_TIMEOUT", 120*time.Second),
		},
		Mistral: MistralConfig{
			APIKey:      src.get("MISTRAL_API_KEY", ""),
			BaseURL:     src.get("MISTRAL_BASE_URL", "https://api.mistral.ai/v1/"),
			Model:       src.get("MISTRAL_MODEL", "mistral-small-latest"),
			Temperature: mistralTemperature,
			MaxTokens:   mistralMaxTokens,
			Timeout:     src.getDuration("MISTRAL_TIMEOUT", 90*time.Second),
		},
		Ollama: OllamaConfig{
			URL:         src.get("OLLAMA_URL", "http://localhost:11434"),
			Model:       src.get("OLLAMA_MODEL", "mistral"),
			Temperature: mistralTemperature,
			MaxTokens:   mistralMaxTokens,
			Timeout:     src.getDuration("OLLAMA_TIMEOUT", 120*time.Second),
			MaxAttempts: src.getInt("OLLAMA_MAX_ATTEMPTS", 2),
			RetryDelay:  src.getDuration("OLLAMA_RETRY_DELAY", 1500*time.Millisecond),
		},
		Retriever: RetrieverConfig{
			RulesDir:         src.get("RULES_DIR", "data/rules"),
			MaxCharsPerChunk: src.getInt("RETRIEVER_MAX_CHARS_PER_CHUNK", 800),
			TopK:             src.getInt("RETRIEVER_TOP_K", 4),
			Extensions:       src.getList("RETRIEVER_EXTENSIONS", []string{".md"}),
			Watch:            src.getBool("RETRIEVER_WATCH", false),
		},
		HTTP: HTTPConfig{
			Addr:            src.get("HTTP_ADDR", ":8000"),
			AllowOrigins:    src.getList("CORS_ALLOW_ORIGINS", []string{"http://localhost:5173"}),
			ShutdownTimeout: src.getDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:  src.get("LOG_LEVEL", "info"),
			Format: src.get("LOG_FORMAT", "json"),
		},
		SystemPrompt: src.get("SYSTEM_PROMPT", ""),
	}

	return cfg, nil
}

// Validate は起動時に検出すべき設定ミスを返します
func (c *Config) Validate() error {
	var errs []error

	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderMistralAPI, ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER: %s", c.LLM.Provider))
	}
	if c.Retriever.MaxCharsPerChunk <= 0 {
		errs = append(errs, fmt.Errorf("RETRIEVER_MAX_CHARS_PER_CHUNK must be positive: %d", c.Retriever.MaxCharsPerChunk))
	}
	if c.Retriever.TopK <= 0 {
		errs = append(errs, fmt.Errorf("RETRIEVER_TOP_K must be positive: %d", c.Retriever.TopK))
	}
	if c.Ollama.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("OLLAMA_MAX_ATTEMPTS must be positive: %d", c.Ollama.MaxAttempts))
	}
	if c.LLM.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("LLM_REQUESTS_PER_SECOND must not be negative: %v", c.LLM.RequestsPerSecond))
	}

	return errors.Join(errs...)
}

// Model は選択中のプロバイダのモデル名を返します
func (c *Config) Model() string {
	switch c.LLM.Provider {
	case ProviderOllama:
		return c.Ollama.Model
	case ProviderAnthropic:
		return c.Anthropic.Model
	default:
		return c.Mistral.Model
	}
}

// MissingCredential は選択中のプロバイダに必要な API キーが未設定ならその変数名を返します
func (c *Config) MissingCredential() string {
	switch c.LLM.Provider {
	case ProviderAnthropic:
		if c.Anthropic.APIKey == "" {
			return "ANTHROPIC_API_KEY"
		}
	case ProviderMistralAPI:
		if c.Mistral.APIKey == "" {
			return "MISTRAL_API_KEY"
		}
	}
	return ""
}

func loadYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	base := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case []any:
			items := make([]string, 0, len(val))
			for _, item := range val {
				items = append(items, fmt.Sprint(item))
			}
			base[strings.ToUpper(k)] = strings.Join(items, ",")
		default:
			base[strings.ToUpper(k)] = fmt.Sprint(val)
		}
	}
	return base, nil
}

// source は環境変数と YAML の値を引く
type source struct {
	base map[string]string
}

func (s source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return s.base[key]
}

// get は値を取得し、存在しない場合はデフォルト値を返します
func (s source) get(key, defaultValue string) string {
	if value := s.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func (s source) getInt(key string, defaultValue int) int {
	valueStr := s.lookup(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return value
}

func (s source) getFloat(key string, defaultValue float64) float64 {
	valueStr := s.lookup(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func (s source) getBool(key string, defaultValue bool) bool {
	valueStr := s.lookup(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return value
}

// getDuration は "90s" 形式または秒数を受け付けます
func (s source) getDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(s.lookup(key))
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

// getList はカンマ区切りの値を返します（空要素は除く）
func (s source) getList(key string, defaultValue []string) []string {
	valueStr := s.lookup(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
