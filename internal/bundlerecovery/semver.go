// Package bundlerecovery rebuilds a missing or corrupt job-bundle artifact
// from its embedded AI-builder suggestion, reusing the existing version
// when checksums still match and otherwise publishing a new, semver-bumped
// version.
package bundlerecovery

import (
	"fmt"
	"strconv"
	"strings"
)

// semver is a minimal major.minor.patch parser, just enough to bump the
// patch component the way recovery needs to.
type semver struct {
	major, minor, patch int
}

func parseSemver(s string) (semver, bool) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return semver{}, false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	patch, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return semver{}, false
	}
	return semver{major, minor, patch}, true
}

func (v semver) String() string {
	return fmt.Sprintf("%d.%d.%d", v.major, v.minor, v.patch)
}

func (v semver) bumpPatch() semver {
	return semver{v.major, v.minor, v.patch + 1}
}
