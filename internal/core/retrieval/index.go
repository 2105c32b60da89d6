package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
)

// DocumentSource は索引の元になるテキストファイル群を提供する
type DocumentSource interface {
	// List はファイル名をソート済みで返す。ディレクトリが存在しない場合は空を返す
	List(ctx context.Context) ([]string, error)

	// Read はファイルの全文を返す
	Read(ctx context.Context, name string) (string, error)
}

// Document は読み込まれた1つの文書
type Document struct {
	Name string
	Text string
}

type entry struct {
	text   string
	tokens TokenSet
}

type snapshot struct {
	entries []entry
}

// Index は全チャンクをメモリ上に保持し、クエリとの語彙重なりで順位付けする
// 再構築はスナップショットの差し替えで行い、検索は常に不変のスナップショットを読む
type Index struct {
	current atomic.Pointer[snapshot]
	logger  *slog.Logger
}

// IndexOption は Index のオプション
type IndexOption func(*Index)

// WithIndexLogger はロガーを設定する
func WithIndexLogger(logger *slog.Logger) IndexOption {
	return func(ix *Index) {
		ix.logger = logger
	}
}

// NewIndex は空の Index を作成する
func NewIndex(opts ...IndexOption) *Index {
	ix := &Index{logger: slog.Default()}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.logger == nil {
		ix.logger = slog.Default()
	}
	ix.current.Store(&snapshot{})
	return ix
}

// Build は source の全ファイルを読み込んで索引を作り直し、チャンク数を返す
// 失敗した場合は既存の索引をそのまま残す
func (ix *Index) Build(ctx context.Context, source DocumentSource, maxChunkChars int) (int, error) {
	names, err := source.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list documents: %w", err)
	}
	slices.Sort(names)

	docs := make([]Document, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		text, err := source.Read(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("failed to read document %s: %w", name, err)
		}
		docs = append(docs, Document{Name: name, Text: text})
	}

	n := ix.Load(docs, maxChunkChars)

	ix.logger.Info("retriever index built",
		"documents", len(docs),
		"chunks", n,
		"maxChunkChars", maxChunkChars,
	)

	return n, nil
}

// Load は与えられた文書の順にチャンク化して索引を差し替え、チャンク数を返す
func (ix *Index) Load(docs []Document, maxChunkChars int) int {
	chunker := NewChunker(maxChunkChars)

	var entries []entry
	for _, doc := range docs {
		for _, passage := range chunker.Chunk(doc.Text) {
			entries = append(entries, entry{text: passage, tokens: Tokenize(passage)})
		}
	}

	ix.current.Store(&snapshot{entries: entries})
	return len(entries)
}

// Len は索引中のチャンク数を返す
func (ix *Index) Len() int {
	return len(ix.current.Load().entries)
}

// Chunks は索引中の全チャンクを挿入順で返す
func (ix *Index) Chunks() []string {
	snap := ix.current.Load()
	out := make([]string, len(snap.entries))
	for i, e := range snap.entries {
		out[i] = e.text
	}
	return out
}

// Retrieve は query との重なりが大きい順に最大 k 件のチャンクを返す
// 同点は挿入順を保つ。どのチャンクとも重ならない場合は先頭 k 件を挿入順で返す
func (ix *Index) Retrieve(query string, k int) []string {
	snap := ix.current.Load()
	if len(snap.entries) == 0 || k <= 0 {
		return []string{}
	}

	type scored struct {
		overlap int
		text    string
	}

	queryTokens := Tokenize(query)
	var hits []scored
	for _, e := range snap.entries {
		if overlap := queryTokens.Overlap(e.tokens); overlap > 0 {
			hits = append(hits, scored{overlap: overlap, text: e.text})
		}
	}

	if len(hits) == 0 {
		// フォールバック: 関連度順ではなく先頭から k 件
		n := min(k, len(snap.entries))
		out := make([]string, n)
		for i := range n {
			out[i] = snap.entries[i].text
		}
		return out
	}

	slices.SortStableFunc(hits, func(a, b scored) int {
		return b.overlap - a.overlap
	})

	n := min(k, len(hits))
	out := make([]string, n)
	for i := range n {
		out[i] = hits[i].text
	}
	return out
}
