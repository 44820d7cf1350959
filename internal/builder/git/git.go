// Package git shells out to the git binary for repository checkout.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// CloneAtCommit materializes the repository at the exact commit a job
// was enqueued for. The branch tip may have moved since admission, so a
// plain shallow clone is not enough: clone, then fetch and check out the
// pinned commit.
func CloneAtCommit(ctx context.Context, repoURL, branch, commitSHA, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if commitSHA == "" {
		return fmt.Errorf("commit sha cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	cloneArgs := []string{"clone", "--depth", "1"}
	if branch != "" {
		cloneArgs = append(cloneArgs, "--branch", branch)
	}
	cloneArgs = append(cloneArgs, repoURL, ".")
	if err := run(ctx, dest, cloneArgs...); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	if err := run(ctx, dest, "fetch", "--depth", "1", "origin", commitSHA); err != nil {
		return fmt.Errorf("git fetch %s failed: %w", commitSHA, err)
	}
	if err := run(ctx, dest, "checkout", commitSHA); err != nil {
		return fmt.Errorf("git checkout %s failed: %w", commitSHA, err)
	}
	return nil
}

func run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
