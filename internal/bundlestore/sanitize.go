// Package bundlestore implements content-addressed job-bundle artifact
// persistence: a local-filesystem backend and an S3-compatible backend
// behind one capability interface, plus signed download URL minting.
package bundlestore

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	unsafeSegmentChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	repeatedDashes     = regexp.MustCompile(`-+`)
	validExtension     = regexp.MustCompile(`^\.[a-zA-Z0-9]{1,10}$`)
)

// SanitizeSegment normalizes a slug or version path segment: lowercased,
// disallowed characters replaced with '-', repeated dashes collapsed,
// leading/trailing '-' and '.' stripped. fallback is used if the result is
// empty.
func SanitizeSegment(raw, fallback string) string {
	s := strings.ToLower(raw)
	s = unsafeSegmentChars.ReplaceAllString(s, "-")
	s = repeatedDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return fallback
	}
	return s
}

// SanitizeFilename keeps the original basename's extension if it matches
// a short alphanumeric pattern, otherwise falls back to ".bin".
func SanitizeFilename(raw string) string {
	ext := extensionOf(raw)
	lower := strings.ToLower(ext)
	if validExtension.MatchString(lower) {
		return "artifact" + lower
	}
	return "artifact.bin"
}

func extensionOf(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return ""
	}
	return name[idx:]
}

// Checksum returns the lowercase hex sha256 digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
