package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type stubProvider struct {
	mu       sync.Mutex
	requests []Request
	answer   string
	err      error
}

func (p *stubProvider) Complete(ctx context.Context, req Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.answer, p.err
}

type stubStreamer struct {
	stubProvider
	chunks []StreamChunk
}

func (s *stubStreamer) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcher_CompleteUsesProviderParams(t *testing.T) {
	mistral := &stubProvider{answer: "from mistral"}
	claude := &stubProvider{answer: "from claude"}

	d := NewDispatcher(ProviderMistralAPI,
		WithDispatcherLogger(discardLogger()),
		WithProvider(ProviderMistralAPI, Params{Model: "mistral-small-latest", MaxTokens: 800, Temperature: 0.2},
			func() (Provider, error) { return mistral, nil }),
		WithProvider(ProviderAnthropic, Params{Model: "claude", MaxTokens: 100, Temperature: 0.5},
			func() (Provider, error) { return claude, nil }),
	)

	answer, err := d.Complete(context.Background(), Prompt{System: "sys", User: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "from mistral", answer)

	require.Len(t, mistral.requests, 1)
	assert.Empty(t, claude.requests)
	req := mistral.requests[0]
	assert.Equal(t, "sys", req.System)
	assert.Equal(t, "hello", req.User)
	assert.Equal(t, "mistral-small-latest", req.Model)
	assert.Equal(t, 800, req.MaxTokens)
	assert.InDelta(t, 0.2, req.Temperature, 1e-9)
	assert.Equal(t, "mistral-small-latest", d.Model())
}

func TestDispatcher_UnknownProviderIsMisconfigured(t *testing.T) {
	d := NewDispatcher("gpt-magic", WithDispatcherLogger(discardLogger()))

	_, err := d.Complete(context.Background(), Prompt{User: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMisconfigured)
	assert.Contains(t, err.Error(), "gpt-magic")
	assert.Empty(t, d.Model())
}

func TestDispatcher_FactoryRunsOnce(t *testing.T) {
	var created atomic.Int32
	provider := &stubProvider{answer: "ok"}

	d := NewDispatcher(ProviderAnthropic,
		WithDispatcherLogger(discardLogger()),
		WithProvider(ProviderAnthropic, Params{Model: "claude"}, func() (Provider, error) {
			created.Add(1)
			return provider, nil
		}),
	)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Complete(context.Background(), Prompt{User: "hi"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Len(t, provider.requests, 16)
}

func TestDispatcher_FactoryErrorSurfaces(t *testing.T) {
	d := NewDispatcher(ProviderMistralAPI,
		WithDispatcherLogger(discardLogger()),
		WithProvider(ProviderMistralAPI, Params{}, func() (Provider, error) {
			return nil, NewMisconfiguredError(ProviderMistralAPI, "MISTRAL_API_KEY is not set")
		}),
	)

	_, err := d.Complete(context.Background(), Prompt{User: "hi"})
	assert.ErrorIs(t, err, ErrMisconfigured)
}

func TestDispatcher_StreamRejectedForNonStreamingProvider(t *testing.T) {
	d := NewDispatcher(ProviderMistralAPI,
		WithDispatcherLogger(discardLogger()),
		WithProvider(ProviderMistralAPI, Params{}, func() (Provider, error) { return &stubProvider{}, nil }),
	)

	assert.False(t, d.CanStream())
	_, err := d.Stream(context.Background(), Prompt{User: "hi"})
	assert.ErrorIs(t, err, ErrMisconfigured)
}

func TestDispatcher_StreamDelegatesToLocalBackend(t *testing.T) {
	streamer := &stubStreamer{chunks: []StreamChunk{{Delta: "a"}, {Delta: "b"}, {Done: true}}}
	d := NewDispatcher(ProviderOllama,
		WithDispatcherLogger(discardLogger()),
		WithProvider(ProviderOllama, Params{Model: "mistral"}, func() (Provider, error) { return streamer, nil }),
	)

	require.True(t, d.CanStream())
	ch, err := d.Stream(context.Background(), Prompt{User: "hi"})
	require.NoError(t, err)

	var got []StreamChunk
	for c := range ch {
		got = append(got, c)
	}
	assert.Equal(t, []StreamChunk{{Delta: "a"}, {Delta: "b"}, {Done: true}}, got)
}

func TestDispatcher_Warmup(t *testing.T) {
	tests := []struct {
		name     string
		selected string
		err      error
		want     string
		calls    int
	}{
		{
			name:     "ローカルバックエンド成功",
			selected: ProviderOllama,
			want:     "ollama warmup ok",
			calls:    1,
		},
		{
			name:     "ローカルバックエンド失敗は文字列で返す",
			selected: ProviderOllama,
			err:      errors.New("connection refused"),
			want:     "warmup failed: connection refused",
			calls:    1,
		},
		{
			name:     "ホスト型では不要",
			selected: ProviderMistralAPI,
			want:     "warmup not needed",
			calls:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &stubProvider{answer: "ok", err: tt.err}
			d := NewDispatcher(tt.selected,
				WithDispatcherLogger(discardLogger()),
				WithProvider(tt.selected, Params{Model: "mistral", MaxTokens: 800, Temperature: 0.7},
					func() (Provider, error) { return provider, nil }),
			)

			assert.Equal(t, tt.want, d.Warmup(context.Background()))
			require.Len(t, provider.requests, tt.calls)
			if tt.calls > 0 {
				req := provider.requests[0]
				assert.Equal(t, 8, req.MaxTokens)
				assert.Zero(t, req.Temperature)
				assert.Equal(t, "mistral", req.Model)
				assert.Equal(t, "Say: ok", req.User)
			}
		})
	}
}

func TestDispatcher_RateLimiterFailuresAreProviderErrors(t *testing.T) {
	newDispatcher := func(provider *stubProvider) *Dispatcher {
		// 初回のトークンを使い切り、次は1時間後まで空かない
		limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
		require.True(t, limiter.Allow())

		return NewDispatcher(ProviderMistralAPI,
			WithDispatcherLogger(discardLogger()),
			WithRateLimiter(limiter),
			WithProvider(ProviderMistralAPI, Params{Model: "mistral-small-latest"},
				func() (Provider, error) { return provider, nil }),
		)
	}

	t.Run("期限内に待てなければタイムアウト", func(t *testing.T) {
		provider := &stubProvider{answer: "ok"}
		d := newDispatcher(provider)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := d.Complete(ctx, Prompt{System: "sys", User: "q"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Empty(t, provider.requests)
	})

	t.Run("キャンセルは利用不可", func(t *testing.T) {
		provider := &stubProvider{answer: "ok"}
		d := newDispatcher(provider)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := d.Complete(ctx, Prompt{System: "sys", User: "q"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Empty(t, provider.requests)
	})
}
