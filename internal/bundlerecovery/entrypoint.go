package bundlerecovery

import (
	"strings"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
)

// EntryPoint is a parsed "bundle:<slug>@<version>[#<export>]" reference.
type EntryPoint struct {
	Slug       string
	Version    string
	ExportName string
}

// ParseEntryPoint parses a job definition's entry_point field. Entry points
// that do not use the "bundle:" scheme (inline script paths) are not
// bundle references and return ok=false.
func ParseEntryPoint(raw string) (EntryPoint, bool, error) {
	if !strings.HasPrefix(raw, "bundle:") {
		return EntryPoint{}, false, nil
	}
	body := strings.TrimPrefix(raw, "bundle:")

	exportName := ""
	if idx := strings.IndexByte(body, '#'); idx >= 0 {
		exportName = body[idx+1:]
		body = body[:idx]
	}

	at := strings.LastIndexByte(body, '@')
	if at <= 0 {
		return EntryPoint{}, true, apperrors.New(apperrors.KindValidation, "bundle entry point missing version: "+raw)
	}
	slug, version := body[:at], body[at+1:]
	if slug == "" || version == "" {
		return EntryPoint{}, true, apperrors.New(apperrors.KindValidation, "bundle entry point malformed: "+raw)
	}
	return EntryPoint{Slug: slug, Version: version, ExportName: exportName}, true, nil
}

// String renders the entry point back to its wire form.
func (e EntryPoint) String() string {
	s := "bundle:" + e.Slug + "@" + e.Version
	if e.ExportName != "" {
		s += "#" + e.ExportName
	}
	return s
}
