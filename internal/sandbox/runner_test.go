package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsViolationMessage(t *testing.T) {
	require.True(t, isViolationMessage(`module "http" is not permitted: missing capability`))
	require.True(t, isViolationMessage(`module path "../secret" escapes the bundle directory`))
	require.False(t, isViolationMessage("handler threw a plain error"))
}

func TestExitInfoNilErrorIsCleanExit(t *testing.T) {
	code, signal := exitInfo(nil)
	require.Equal(t, 0, code)
	require.Empty(t, signal)
}

func TestNormalizeResultNilBecomesEmptyObject(t *testing.T) {
	require.Equal(t, map[string]any{}, normalizeResult(nil))
	require.Equal(t, map[string]any{"a": 1}, normalizeResult(map[string]any{"a": 1}))
}

func TestEnsureHarnessScriptsWritesBothFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "harness")
	jsPath, pyPath, err := ensureHarnessScripts(dir)
	require.NoError(t, err)
	require.FileExists(t, jsPath)
	require.FileExists(t, pyPath)

	data, err := os.ReadFile(jsPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "installModuleGuard")

	data, err = os.ReadFile(pyPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "install_import_guard")
}
