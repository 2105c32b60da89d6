package cli

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnv はルールディレクトリと Ollama 互換サーバーを用意する
func setupEnv(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.md"),
		[]byte("Traveling is moving your pivot foot without dribbling."), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":" Traveling is a violation. ","done":true}`)
	}))
	t.Cleanup(srv.Close)

	t.Setenv("CHATBALL_CONFIG_FILE", "")
	t.Setenv("LLM_PROVIDER", "ollama_mistral")
	t.Setenv("OLLAMA_URL", srv.URL)
	t.Setenv("RULES_DIR", dir)
	t.Setenv("RETRIEVER_TOP_K", "")
	t.Setenv("LOG_LEVEL", "error")

	return filepath.Join(t.TempDir(), "missing.env")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	app := NewApp()
	app.Writer = &buf
	err := app.Run(context.Background(), append([]string{"chatball"}, args...))
	return buf.String(), err
}

func TestAskCommand(t *testing.T) {
	envFile := setupEnv(t)

	out, err := run(t, "ask", "--env", envFile, "--show-sources", "what", "is", "traveling")
	require.NoError(t, err)
	assert.Contains(t, out, "Traveling is a violation.\n")
	assert.Contains(t, out, "--- 参照したルール (1件) ---")
	assert.Contains(t, out, "[1] Traveling is moving your pivot foot without dribbling.")
}

func TestAskCommand_RequiresQuestion(t *testing.T) {
	envFile := setupEnv(t)

	_, err := run(t, "ask", "--env", envFile)
	assert.Error(t, err)
}

func TestRetrieveCommand(t *testing.T) {
	envFile := setupEnv(t)

	out, err := run(t, "retrieve", "--env", envFile, "--k", "1", "pivot")
	require.NoError(t, err)
	assert.Contains(t, out, "索引: 1チャンク / 取得: 1件")
	assert.Contains(t, out, "[1]\nTraveling is moving")
}

func TestWarmupCommand(t *testing.T) {
	envFile := setupEnv(t)

	out, err := run(t, "warmup", "--env", envFile)
	require.NoError(t, err)
	assert.Equal(t, "ollama warmup ok\n", out)
}
