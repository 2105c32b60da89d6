package chat

import "strings"

// NoRulesPlaceholder は検索結果が空のときのコンテキスト
const NoRulesPlaceholder = "- (no local rules found)"

// DefaultSystemPrompt は既定のシステムプロンプト
const DefaultSystemPrompt = "You are Chatball, a friendly basketball assistant.\n" +
	"- Answer in the user's language.\n" +
	"- Prefer grounded facts from the provided CONTEXT.\n" +
	"- If the user asks for rules, cite or paraphrase the relevant rule precisely.\n" +
	"- If data isn't in context, say so briefly and suggest what you *can* answer.\n" +
	"- Format short lists with bullets; be concise.\n"

// BuildContextBlock は検索結果を箇条書きにして空行で連結する
func BuildContextBlock(chunks []string) string {
	if len(chunks) == 0 {
		return NoRulesPlaceholder
	}

	items := make([]string, len(chunks))
	for i, c := range chunks {
		items[i] = "- " + c
	}
	return strings.Join(items, "\n\n")
}

// BuildUserPayload はコンテキストと質問からユーザー入力を組み立てる
func BuildUserPayload(chunks []string, query string) string {
	var sb strings.Builder
	sb.WriteString("CONTEXT:\n")
	sb.WriteString(BuildContextBlock(chunks))
	sb.WriteString("\n\nUSER:\n")
	sb.WriteString(query)
	return sb.String()
}
