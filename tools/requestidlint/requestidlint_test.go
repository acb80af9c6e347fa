package requestidlint_test

import (
	"testing"

	"golang.org/x/tools/go/analysis/analysistest"

	"github.com/benediktbwimmer/apphub-controlplane/tools/requestidlint"
)

func TestAnalyzer(t *testing.T) {
	analysistest.Run(t, analysistest.TestData(), requestidlint.Analyzer, "internal/controlapi/good", "internal/controlapi/bad")
}
