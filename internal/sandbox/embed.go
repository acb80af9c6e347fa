package sandbox

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed harness/js/harness.js
var jsHarnessSource []byte

//go:embed harness/py/harness.py
var pyHarnessSource []byte

// ensureHarnessScripts writes the embedded harness sources to stable paths
// under dir, overwriting any stale copy. Called once per Execute rather
// than cached: the write is a few KB to a local disk and staying
// idempotent-by-rewrite avoids any shared extraction-state across Runners
// pointed at different scratch directories (as tests do).
func ensureHarnessScripts(dir string) (jsPath, pyPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create harness dir: %w", err)
	}
	jsPath = filepath.Join(dir, "harness.js")
	pyPath = filepath.Join(dir, "harness.py")
	if err := os.WriteFile(jsPath, jsHarnessSource, 0o755); err != nil {
		return "", "", fmt.Errorf("write js harness: %w", err)
	}
	if err := os.WriteFile(pyPath, pyHarnessSource, 0o755); err != nil {
		return "", "", fmt.Errorf("write python harness: %w", err)
	}
	return jsPath, pyPath, nil
}
