package llm

// プロバイダ選択子
const (
	ProviderAnthropic  = "anthropic"
	ProviderMistralAPI = "mistral_api"
	ProviderOllama     = "ollama_mistral"
)

// Prompt は呼び出し側が組み立てたシステムプロンプトとユーザー入力
type Prompt struct {
	System string
	User   string
}

// Params はプロバイダごとの生成パラメータ
type Params struct {
	// Model は使用するモデル名
	Model string

	// MaxTokens は生成する最大トークン数
	MaxTokens int

	// Temperature は生成の多様性（範囲はプロバイダ依存）
	Temperature float64
}

// Request は1回の生成呼び出しのパラメータ
type Request struct {
	Prompt
	Params
}

// StreamChunk はストリーミング生成で届く1つの断片
// Done が true の要素で正常終了、Err が非 nil の要素で異常終了を表す
type StreamChunk struct {
	Delta string
	Done  bool
	Err   error
}
