package retrieval

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChunkChars はチャンクの既定の最大文字数
const DefaultMaxChunkChars = 800

// mergeRatio は小さなブロックを結合し続ける上限（最大文字数に対する比率）
const mergeRatio = 0.7

// blockSeparator は見出し行、または空行を挟む改行の連続にマッチする
var blockSeparator = regexp.MustCompile(`\n#+\s.*\n|\n{2,}`)

// Chunker は文書を上限付きのパッセージに分割する
type Chunker struct {
	maxChars int
}

// NewChunker は maxChars を上限とする Chunker を作成する
func NewChunker(maxChars int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChunkChars
	}
	return &Chunker{maxChars: maxChars}
}

// MaxChars はチャンクの最大文字数を返す
func (c *Chunker) MaxChars() int {
	return c.maxChars
}

// Chunk はテキストを索引に格納するパッセージ列に変換する
// 各パッセージは前後の空白を除去され、空のものは捨てられ、最大文字数で切り詰められる
func (c *Chunker) Chunk(text string) []string {
	merged := c.Split(text)

	passages := make([]string, 0, len(merged))
	for _, m := range merged {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		passages = append(passages, truncateRunes(m, c.maxChars))
	}
	return passages
}

// Split は見出し行と空行でブロックに分け、隣接する小さなブロックを順に結合する
// 結合後のブロックは切り詰め前のため、最大文字数を超えることがある
func (c *Chunker) Split(text string) []string {
	blocks := blockSeparator.Split(text, -1)
	threshold := float64(c.maxChars) * mergeRatio

	var merged []string
	buf := ""
	for _, b := range blocks {
		if isBlank(b) {
			continue
		}
		if float64(utf8.RuneCountInString(buf)+utf8.RuneCountInString(b)) < threshold {
			buf = strings.TrimSpace(buf + "\n\n" + b)
			continue
		}
		if buf != "" {
			merged = append(merged, buf)
		}
		buf = b
	}
	if buf != "" {
		merged = append(merged, buf)
	}
	return merged
}

func isBlank(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return !unicode.IsSpace(r) }) < 0
}

// truncateRunes は s を先頭 max 文字に切り詰める（単語境界は考慮しない）
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
