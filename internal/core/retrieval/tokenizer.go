package retrieval

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minTokenRunes 以下の長さのトークンは比較対象から除外する
const minTokenRunes = 2

// TokenSet は正規化済みトークンの集合
type TokenSet map[string]struct{}

// Tokenize はテキストを小文字化し、英数字以外を空白として分割したトークン集合を返す
// 2文字以下のトークンは除外し、重複はまとめる
func Tokenize(text string) TokenSet {
	normalized := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)

	fields := strings.Fields(normalized)
	set := make(TokenSet, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) <= minTokenRunes {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

// Overlap は両集合に共通するトークン数を返す
func (s TokenSet) Overlap(other TokenSet) int {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}

	n := 0
	for token := range small {
		if _, ok := large[token]; ok {
			n++
		}
	}
	return n
}
