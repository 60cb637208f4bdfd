package cliproc

import (
	"context"
	"fmt"
	"os/exec"
)

// GitDiff captures a session directory's working-tree changes with git.
type GitDiff struct{}

// Diff returns the raw unified diff for the directory. A directory that is
// not a git repository yields an error the backend logs and skips.
func (GitDiff) Diff(ctx context.Context, directory string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", directory, "diff")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git diff in %s: %w", directory, err)
	}
	return string(out), nil
}
