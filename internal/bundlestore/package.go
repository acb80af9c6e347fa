package bundlestore

import (
	"archive/tar"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
)

// Manifest is the normalized manifest.json written alongside packaged
// bundle files.
type Manifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Entry        string   `json:"entry"`
	Main         string   `json:"main,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// NormalizeManifest dedupes and sorts Capabilities.
func NormalizeManifest(m Manifest) Manifest {
	if len(m.Capabilities) == 0 {
		return m
	}
	seen := make(map[string]bool, len(m.Capabilities))
	out := make([]string, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	m.Capabilities = out
	return m
}

// Pack builds a deterministic tar+gzip archive from a suggestion's files
// plus a manifest, the same algorithm a fresh bundle publish uses. Entries
// are written in a fixed sort order so identical inputs always produce an
// identical checksum.
func Pack(files []catalog.SuggestedFile, manifest Manifest) ([]byte, error) {
	manifest = NormalizeManifest(manifest)
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	type entry struct {
		path       string
		data       []byte
		executable bool
	}
	entries := make([]entry, 0, len(files)+1)
	for _, f := range files {
		clean := path.Clean(f.Path)
		if strings.HasPrefix(clean, "../") || clean == ".." || path.IsAbs(clean) {
			return nil, apperrors.New(apperrors.KindValidation, "bundle file path escapes the archive root: "+f.Path)
		}
		data, err := decodeFile(f)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{path: clean, data: data, executable: f.Executable})
	}
	entries = append(entries, entry{path: "manifest.json", data: manifestJSON})

	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	var buf strings.Builder
	gz := gzip.NewWriter(&byteWriter{&buf})
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		mode := int64(0o644)
		if e.executable {
			mode = 0o755
		}
		hdr := &tar.Header{
			Name: e.path,
			Mode: mode,
			Size: int64(len(e.data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header for %s: %w", e.path, err)
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, fmt.Errorf("write tar body for %s: %w", e.path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return []byte(buf.String()), nil
}

// byteWriter adapts strings.Builder to io.Writer for gzip.NewWriter.
type byteWriter struct{ b *strings.Builder }

func (w *byteWriter) Write(p []byte) (int, error) { return w.b.Write(p) }

func decodeFile(f catalog.SuggestedFile) ([]byte, error) {
	switch f.Encoding {
	case "", "utf8":
		return []byte(f.Content), nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return nil, fmt.Errorf("decode base64 file %s: %w", f.Path, err)
		}
		return data, nil
	default:
		return nil, apperrors.New(apperrors.KindValidation, "unknown file encoding: "+f.Encoding)
	}
}
