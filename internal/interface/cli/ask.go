package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jinford/chatball/internal/core/chat"
)

// AskAction は1問だけ質問して回答を表示するコマンドのアクション
func AskAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	question := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if question == "" {
		return errors.New("質問を指定してください")
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}

	req := chat.Request{
		Messages: []chat.Turn{{Role: chat.RoleUser, Content: question}},
	}
	if cmd.IsSet("k") {
		k := int(cmd.Int("k"))
		req.TopK = &k
	}

	w := output(cmd)
	svc := appCtx.Container.Chat

	var retrieved []string
	if cmd.Bool("stream") {
		res, err := svc.Stream(ctx, req)
		if err != nil {
			return fmt.Errorf("回答の生成に失敗: %w", err)
		}
		retrieved = res.Retrieved

		for chunk := range res.Chunks {
			if chunk.Err != nil {
				fmt.Fprintln(w)
				return fmt.Errorf("回答の生成に失敗: %w", chunk.Err)
			}
			fmt.Fprint(w, chunk.Delta)
		}
		fmt.Fprintln(w)
	} else {
		res, err := svc.Answer(ctx, req)
		if err != nil {
			return fmt.Errorf("回答の生成に失敗: %w", err)
		}
		retrieved = res.Retrieved
		fmt.Fprintln(w, res.Answer)
	}

	if cmd.Bool("show-sources") {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "--- 参照したルール (%d件) ---\n", len(retrieved))
		for i, c := range retrieved {
			fmt.Fprintf(w, "[%d] %s\n", i+1, c)
		}
	}

	return nil
}
