package chat

import (
	"errors"
	"fmt"

	"github.com/jinford/chatball/internal/core/llm"
)

var (
	// ErrNoUserMessage は会話に user ロールのメッセージがない場合のエラー
	ErrNoUserMessage = errors.New("no user message provided")

	// ErrInvalidRole は許可されていないロールのエラー
	ErrInvalidRole = errors.New("invalid message role")

	// ErrStreamingUnsupported は選択中のプロバイダがストリーミングに対応していない場合のエラー
	ErrStreamingUnsupported = errors.New("streaming is only supported with the ollama provider")
)

// Role はメッセージの発言者
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid は許可されたロールかを返す
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn は会話の1発言
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request はチャットリクエスト
type Request struct {
	Messages []Turn `json:"messages"`
	TopK     *int   `json:"top_k,omitempty"` // 未指定時は既定値
}

// Validate はすべてのロールが許可されたものか検証する
func (r Request) Validate() error {
	for i, m := range r.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: messages[%d].role=%q", ErrInvalidRole, i, m.Role)
		}
	}
	return nil
}

// LastUserMessage は最後の user メッセージの本文を返す
func (r Request) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Result は非ストリーミング応答
type Result struct {
	RequestID string
	Answer    string
	Retrieved []string
}

// StreamResult はストリーミング応答
type StreamResult struct {
	RequestID string
	Retrieved []string
	Chunks    <-chan llm.StreamChunk
}

// Prepared はLLMに渡す直前のリクエスト
type Prepared struct {
	RequestID string
	Query     string
	Prompt    llm.Prompt
	Retrieved []string
}
