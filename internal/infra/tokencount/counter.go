package tokencount

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding は既定のエンコーディング名
const DefaultEncoding = "cl100k_base"

// Counter はトークン数をカウントする
// ゼロ値はエンコーディングを持たず、文字数からの推定値を返す
type Counter struct {
	encoding *tiktoken.Tiktoken
}

// New は指定エンコーディングの Counter を作成する
func New(encodingName string) (*Counter, error) {
	if encodingName == "" {
		encodingName = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}
	return &Counter{encoding: enc}, nil
}

// Exact はエンコーディングによる正確なカウントが可能かを返す
func (c *Counter) Exact() bool {
	return c != nil && c.encoding != nil
}

// CountTokens はテキストのトークン数を返す
func (c *Counter) CountTokens(text string) int {
	if !c.Exact() {
		return EstimateTokens(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// EstimateTokens はテキストの推定トークン数を返す（3文字で1トークン）
func EstimateTokens(text string) int {
	return len([]rune(text)) / 3
}
