package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"github.com/benediktbwimmer/apphub-controlplane/tools/requestidlint"
)

func main() {
	singlechecker.Main(requestidlint.Analyzer)
}
