package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDirSource_ListFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b_rules.md", "bravo")
	writeFile(t, dir, "A_intro.MD", "alpha")
	writeFile(t, dir, "notes.txt", "ignored by extension")
	writeFile(t, dir, "draft.md", "ignored by pattern")
	writeFile(t, dir, "blob.md", "bin\x00ary")
	writeFile(t, dir, IgnoreFileName, "# drafts\ndraft.md\n")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.md"), 0o755))

	src := NewDirSource(dir, nil)
	names, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A_intro.MD", "b_rules.md"}, names)
}

func TestDirSource_ListMissingDirectory(t *testing.T) {
	src := NewDirSource(filepath.Join(t.TempDir(), "does-not-exist"), nil)

	names, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDirSource_CustomExtensions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "markdown")
	writeFile(t, dir, "b.txt", "text")

	src := NewDirSource(dir, []string{"txt", " .MD "})
	names, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.txt"}, names)
}

func TestDirSource_Read(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.md", "A foul is illegal contact.")

	src := NewDirSource(dir, nil)
	text, err := src.Read(context.Background(), "rules.md")
	require.NoError(t, err)
	assert.Equal(t, "A foul is illegal contact.", text)

	_, err = src.Read(context.Background(), "missing.md")
	assert.Error(t, err)
}
