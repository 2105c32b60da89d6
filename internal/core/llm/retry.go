package llm

import (
	"context"
	"time"
)

// RetryPolicy は最大試行回数と固定待機時間からなるリトライ方針
type RetryPolicy struct {
	// MaxAttempts は初回を含む最大試行回数
	MaxAttempts int

	// Delay は試行間の固定待機時間
	Delay time.Duration
}

// DefaultRetryPolicy はローカルバックエンド向けの既定値（2回試行、1.5秒待機）
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Delay: 1500 * time.Millisecond}
}

// Do は fn が成功するか試行回数を使い切るまで実行し、最後のエラーを返す
// 親コンテキストが終了した場合はそれ以上試行しない
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}
