// Package gitfetch shells out to the system git binary for the shallow
// clones the ingestion and build pipelines need, the way the reference
// tooling in this corpus drives git: through os/exec rather than a vendored
// git implementation.
package gitfetch

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
)

// ShallowClone clones repoURL at depth 1 into destDir and returns the
// resolved HEAD commit sha.
func ShallowClone(ctx context.Context, repoURL, destDir string) (string, error) {
	if err := run(ctx, "", "clone", "--depth", "1", "--single-branch", repoURL, destDir); err != nil {
		return "", apperrors.Wrap(apperrors.KindDependencyFailed, "git clone failed", err)
	}
	sha, err := HeadCommit(ctx, destDir)
	if err != nil {
		return "", err
	}
	return sha, nil
}

// CloneAtCommit clones repoURL and checks out the given commit sha. Most
// git hosts do not allow fetching an arbitrary commit at depth 1 unless the
// server supports it, so this falls back to an unshallow fetch of that one
// commit when the shallow fetch fails.
func CloneAtCommit(ctx context.Context, repoURL, destDir, commitSHA string) error {
	if err := run(ctx, "", "clone", "--no-checkout", repoURL, destDir); err != nil {
		return apperrors.Wrap(apperrors.KindDependencyFailed, "git clone failed", err)
	}
	if err := run(ctx, destDir, "fetch", "--depth", "1", "origin", commitSHA); err != nil {
		if err := run(ctx, destDir, "fetch", "origin", commitSHA); err != nil {
			return apperrors.Wrap(apperrors.KindDependencyFailed, "git fetch commit failed", err)
		}
	}
	if err := run(ctx, destDir, "checkout", commitSHA); err != nil {
		return apperrors.Wrap(apperrors.KindDependencyFailed, "git checkout failed", err)
	}
	return nil
}

// HeadCommit resolves the current HEAD commit sha of a checkout.
func HeadCommit(ctx context.Context, repoDir string) (string, error) {
	out, err := output(ctx, repoDir, "rev-parse", "HEAD")
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindDependencyFailed, "resolve HEAD failed", err)
	}
	return strings.TrimSpace(out), nil
}

func run(ctx context.Context, dir string, args ...string) error {
	_, err := output(ctx, dir, args...)
	return err
}

func output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
