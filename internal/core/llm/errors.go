package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrNoCredits は課金・認証の失敗（クレジット不足など）を表す
	ErrNoCredits = errors.New("llm: no credits")

	// ErrTimeout は期限内にバックエンドが応答しなかったことを表す
	ErrTimeout = errors.New("llm: timeout")

	// ErrUnavailable はバックエンド・ネットワーク・プロトコルの一般的な失敗を表す
	ErrUnavailable = errors.New("llm: unavailable")

	// ErrMisconfigured は認証情報の欠落や不明なプロバイダ指定など設定の誤りを表す
	ErrMisconfigured = errors.New("llm: misconfigured")
)

// ProviderError はプロバイダ呼び出しの失敗を分類したエラー
// Kind は上記の番兵エラーのいずれかで、errors.Is で判定できる
type ProviderError struct {
	Kind     error
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Provider == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Unwrap は原因となったエラーを返す
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is は Kind と一致する番兵エラーに対して true を返す
func (e *ProviderError) Is(target error) bool {
	return target == e.Kind
}

// NewNoCreditsError は NoCredits 種別のエラーを生成する
func NewNoCreditsError(provider, message string, cause error) *ProviderError {
	return &ProviderError{Kind: ErrNoCredits, Provider: provider, Message: message, Err: cause}
}

// NewTimeoutError は Timeout 種別のエラーを生成する
func NewTimeoutError(provider, message string, cause error) *ProviderError {
	return &ProviderError{Kind: ErrTimeout, Provider: provider, Message: message, Err: cause}
}

// NewUnavailableError は Unavailable 種別のエラーを生成する
func NewUnavailableError(provider, message string, cause error) *ProviderError {
	return &ProviderError{Kind: ErrUnavailable, Provider: provider, Message: message, Err: cause}
}

// NewMisconfiguredError は Misconfigured 種別のエラーを生成する
func NewMisconfiguredError(provider, message string) *ProviderError {
	return &ProviderError{Kind: ErrMisconfigured, Provider: provider, Message: message}
}

// KindOf はエラーの種別を返す。分類されていないエラーには nil を返す
func KindOf(err error) error {
	for _, kind := range []error{ErrNoCredits, ErrTimeout, ErrUnavailable, ErrMisconfigured} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsTimeout はネットワーク層のタイムアウトかどうかを判定する
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ContainsAny はメッセージ（小文字化済みで比較）が語彙のいずれかを含むかを判定する
// 課金系エラーの本文判定に使う
func ContainsAny(message string, vocabulary []string) bool {
	lower := strings.ToLower(message)
	for _, word := range vocabulary {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
