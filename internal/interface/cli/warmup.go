package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// WarmupAction はLLMのウォームアップを実行して結果を表示するコマンドのアクション
func WarmupAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}

	fmt.Fprintln(output(cmd), appCtx.Container.Dispatcher.Warmup(ctx))
	return nil
}
