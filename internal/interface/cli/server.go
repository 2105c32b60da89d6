package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

// ServeAction はHTTPサーバを起動するコマンドのアクション
// SIGINT/SIGTERM で ctx が終了すると処理中のリクエストを待って停止する
func ServeAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	// 共通コンテキストの初期化
	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}

	cfg := appCtx.Config
	cont := appCtx.Container
	logger := appCtx.Logger()

	addr := cfg.HTTP.Addr
	if a := cmd.String("addr"); a != "" {
		addr = a
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           cont.HTTPServer().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTPサーバを起動", "addr", addr, "provider", cont.Dispatcher.ProviderName(), "model", cont.Dispatcher.Model())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバの起動に失敗: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		logger.Info("HTTPサーバを停止します")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTPサーバの停止に失敗: %w", err)
		}
		return nil
	})

	// ウォームアップは起動を妨げない
	g.Go(func() error {
		logger.Info("ウォームアップ", "status", cont.Dispatcher.Warmup(gctx))
		return nil
	})

	if cfg.Retriever.Watch || cmd.Bool("watch") {
		g.Go(func() error {
			if err := cont.Watcher().Run(gctx); err != nil {
				logger.Warn("ルールディレクトリを監視できません", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("HTTPサーバを停止しました")
	return nil
}
