package ingestion

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
)

// packageMetadata is the language/runtime/framework/category signal derived
// from a checkout's package manifests, used both to tag the repository and
// to pick preview tile sources.
type packageMetadata struct {
	Language  string
	Runtime   string
	Framework string
	Category  string
	HasReadme bool
}

// detectPackageMetadata probes for common manifest files to derive a coarse
// language/runtime/framework signal without needing a full dependency
// parse.
func detectPackageMetadata(repoDir string) packageMetadata {
	meta := packageMetadata{Category: "application"}

	if pkg, ok := readJSON(filepath.Join(repoDir, "package.json")); ok {
		meta.Language = "javascript"
		meta.Runtime = "node"
		meta.Framework = detectNodeFramework(pkg)
	} else if fileExists(filepath.Join(repoDir, "go.mod")) {
		meta.Language = "go"
		meta.Runtime = "go"
	} else if fileExists(filepath.Join(repoDir, "requirements.txt")) || fileExists(filepath.Join(repoDir, "pyproject.toml")) {
		meta.Language = "python"
		meta.Runtime = "python"
		if fileExists(filepath.Join(repoDir, "manage.py")) {
			meta.Framework = "django"
		}
	} else if fileExists(filepath.Join(repoDir, "Cargo.toml")) {
		meta.Language = "rust"
		meta.Runtime = "rust"
	}

	meta.HasReadme = fileExists(filepath.Join(repoDir, "README.md")) || fileExists(filepath.Join(repoDir, "README"))
	return meta
}

func readJSON(path string) (map[string]any, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	return out, true
}

func detectNodeFramework(pkg map[string]any) string {
	deps, _ := pkg["dependencies"].(map[string]any)
	if deps == nil {
		return ""
	}
	for _, candidate := range []string{"next", "react", "express", "fastify", "@nestjs/core", "vue"} {
		if _, ok := deps[candidate]; ok {
			return candidate
		}
	}
	return ""
}

// deriveTags builds the system-sourced tag set: one tag per detected
// signal, plus a tag naming the Dockerfile path used.
func deriveTags(dockerfilePath string, meta packageMetadata) []catalog.Tag {
	tags := []catalog.Tag{{Key: "dockerfile", Value: dockerfilePath}}
	if meta.Language != "" {
		tags = append(tags, catalog.Tag{Key: "language", Value: meta.Language})
	}
	if meta.Runtime != "" {
		tags = append(tags, catalog.Tag{Key: "runtime", Value: meta.Runtime})
	}
	if meta.Framework != "" {
		tags = append(tags, catalog.Tag{Key: "framework", Value: meta.Framework})
	}
	if meta.Category != "" {
		tags = append(tags, catalog.Tag{Key: "category", Value: meta.Category})
	}
	return tags
}

// derivePreviewTiles builds the repository's preview tile list: a readme
// tile when present, plus one tile per detected signal for quick scanning
// in the catalog UI.
func derivePreviewTiles(repoDir string, meta packageMetadata) []catalog.PreviewTile {
	var tiles []catalog.PreviewTile
	if meta.HasReadme {
		tiles = append(tiles, catalog.PreviewTile{Title: "README", Kind: "markdown", Src: "README.md"})
	}
	if meta.Language != "" {
		tiles = append(tiles, catalog.PreviewTile{Title: "Language", Kind: "badge", Src: meta.Language})
	}
	if meta.Framework != "" {
		tiles = append(tiles, catalog.PreviewTile{Title: "Framework", Kind: "badge", Src: meta.Framework})
	}
	return tiles
}
