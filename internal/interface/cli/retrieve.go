package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"
)

// RetrieveAction はクエリに対して検索されるチャンクを表示するコマンドのアクション
func RetrieveAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	query := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if query == "" {
		return errors.New("検索クエリを指定してください")
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}

	k := appCtx.Config.Retriever.TopK
	if cmd.IsSet("k") {
		k = int(cmd.Int("k"))
	}

	chunks := appCtx.Container.Index.Retrieve(query, k)

	w := output(cmd)
	fmt.Fprintf(w, "索引: %dチャンク / 取得: %d件\n", appCtx.Container.Index.Len(), len(chunks))
	for i, c := range chunks {
		fmt.Fprintf(w, "\n[%d]\n%s\n", i+1, c)
	}

	return nil
}
