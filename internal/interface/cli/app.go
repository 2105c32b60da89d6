package cli

import (
	"github.com/urfave/cli/v3"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

// NewApp はコマンドツリーを構築する
func NewApp() *cli.Command {
	return &cli.Command{
		Name:  "chatball",
		Usage: "ローカルのルール文書を根拠に回答するバスケットボール・チャットボット",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "HTTP APIサーバを起動",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "addr",
						Usage: "待ち受けアドレス（HTTP_ADDR より優先）",
					},
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "ルールディレクトリの変更を監視して索引を再構築",
					},
				},
				Action: ServeAction,
			},
			{
				Name:      "ask",
				Usage:     "質問して回答を表示",
				ArgsUsage: "<質問>",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:  "show-sources",
						Usage: "参照したルールのチャンクも表示",
					},
					&cli.BoolFlag{
						Name:  "stream",
						Usage: "ストリーミングで表示（Ollama のみ）",
					},
					&cli.IntFlag{
						Name:  "k",
						Usage: "取得するチャンク数",
					},
				},
				Action: AskAction,
			},
			{
				Name:      "retrieve",
				Usage:     "検索されるチャンクを表示",
				ArgsUsage: "<クエリ>",
				Flags: []cli.Flag{
					envFlag(),
					&cli.IntFlag{
						Name:  "k",
						Usage: "取得するチャンク数（既定: RETRIEVER_TOP_K）",
					},
				},
				Action: RetrieveAction,
			},
			{
				Name:   "warmup",
				Usage:  "LLMのウォームアップを実行",
				Flags:  []cli.Flag{envFlag()},
				Action: WarmupAction,
			},
		},
	}
}
