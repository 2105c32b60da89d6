package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-enry/go-enry/v2"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/jinford/chatball/internal/core/retrieval"
)

// IgnoreFileName はディレクトリ直下に置く除外パターンファイル名
const IgnoreFileName = ".chatballignore"

// DefaultExtensions は既定で読み込む拡張子
var DefaultExtensions = []string{".md"}

// DirSource はディレクトリ直下のテキストファイルを文書として提供する
type DirSource struct {
	dir        string
	extensions []string
}

// NewDirSource は dir を読み込む DirSource を作成する
// extensions が空の場合は DefaultExtensions を使う
func NewDirSource(dir string, extensions []string) *DirSource {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}

	return &DirSource{dir: dir, extensions: normalized}
}

// Dir は対象ディレクトリを返す
func (s *DirSource) Dir() string {
	return s.dir
}

// List は対象となるファイル名をソートして返す
// ディレクトリが存在しない場合はエラーにせず空を返す
func (s *DirSource) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", s.dir, err)
	}

	ignore, err := s.loadIgnore()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if !s.matchesExtension(name) {
			continue
		}
		if ignore != nil && ignore.MatchesPath(name) {
			continue
		}
		if s.isBinary(name) {
			continue
		}
		names = append(names, name)
	}

	slices.Sort(names)
	return names, nil
}

// Read はファイルの全文を返す
func (s *DirSource) Read(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(name)))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return string(data), nil
}

func (s *DirSource) matchesExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return slices.Contains(s.extensions, ext)
}

// isBinary は先頭部分から enry でバイナリ判定する
func (s *DirSource) isBinary(name string) bool {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, 8000)
	n, _ := f.Read(head)
	return enry.IsBinary(head[:n])
}

// loadIgnore は除外パターンファイルを読み込む。存在しない場合は nil を返す
func (s *DirSource) loadIgnore() (*gitignore.GitIgnore, error) {
	path := filepath.Join(s.dir, IgnoreFileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", IgnoreFileName, err)
	}

	matcher, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", IgnoreFileName, err)
	}
	return matcher, nil
}

// インターフェース実装の確認
var _ retrieval.DocumentSource = (*DirSource)(nil)
