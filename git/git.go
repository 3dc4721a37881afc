// Package git provides the version-control operations the engine needs on a
// notebook working tree: initialization, staging, commits and history.
package git

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// InitNotebook initializes a git working tree at root if absent. The
// engine's control directory is excluded via .gitignore, and an initial
// commit stages only that .gitignore.
func InitNotebook(root, controlDir string) error {
	gitDir := filepath.Join(root, ".git")
	if _, err := os.Stat(gitDir); err == nil {
		return nil
	}

	slog.Info("initializing notebook repository", "root", root)

	if err := run(root, "init"); err != nil {
		return err
	}
	if err := run(root, "config", "--local", "user.name", "codex-engine"); err != nil {
		return err
	}
	if err := run(root, "config", "--local", "user.email", "engine@codex.local"); err != nil {
		return err
	}

	gitignore := filepath.Join(root, ".gitignore")
	line := controlDir + "/\n"
	if content, err := os.ReadFile(gitignore); err == nil {
		if !strings.Contains(string(content), controlDir+"/") {
			if err := os.WriteFile(gitignore, append(content, []byte(line)...), 0644); err != nil {
				return fmt.Errorf("update .gitignore: %w", err)
			}
		}
	} else {
		if err := os.WriteFile(gitignore, []byte(line), 0644); err != nil {
			return fmt.Errorf("write .gitignore: %w", err)
		}
	}

	if err := run(root, "add", "--", ".gitignore"); err != nil {
		return err
	}
	if err := run(root, "commit", "-m", "Initialize notebook"); err != nil {
		return err
	}
	return nil
}

// Add stages paths (additions and modifications). Paths must be relative to
// root.
func Add(root string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	for _, p := range paths {
		if err := validatePath(p); err != nil {
			return err
		}
	}
	args := append([]string{"add", "--"}, paths...)
	return run(root, args...)
}

// StageDeleted stages removals for paths that no longer exist on disk.
// Untracked paths are ignored.
func StageDeleted(root string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	for _, p := range paths {
		if err := validatePath(p); err != nil {
			return err
		}
		cmd := exec.Command("git", "rm", "--cached", "--ignore-unmatch", "--quiet", "--", p)
		cmd.Dir = root
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git rm %s failed: %w (output: %s)", p, err, string(output))
		}
	}
	return nil
}

// IndexDirty reports whether the index differs from HEAD.
func IndexDirty(root string) (bool, error) {
	cmd := exec.Command("git", "diff", "--cached", "--quiet")
	cmd.Dir = root
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("git diff --cached failed: %w", err)
}

// Commit records the staged index with the given message and returns the new
// commit hash.
func Commit(root, message string) (string, error) {
	cmd := exec.Command("git", "commit", "-m", message)
	cmd.Dir = root
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git commit failed: %w (output: %s)", err, string(output))
	}
	return HeadHash(root)
}

// HeadHash returns the current HEAD commit hash.
func HeadHash(root string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = root
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// TrackedFiles returns the paths in HEAD's tree.
func TrackedFiles(root string) ([]string, error) {
	cmd := exec.Command("git", "ls-tree", "-r", "--name-only", "HEAD")
	cmd.Dir = root
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git ls-tree failed: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(string(output), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// CommitFiles returns the paths touched by the given commit.
func CommitFiles(root, hash string) ([]string, error) {
	if err := validateCommitHash(hash); err != nil {
		return nil, err
	}
	cmd := exec.Command("git", "show", "--name-only", "--format=", hash)
	cmd.Dir = root
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git show failed: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(string(output), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// DirtyWorkingTree returns the relative paths that differ between the
// working tree and HEAD, including untracked files. Used on restart to
// re-stage changes that were pending when the process stopped.
func DirtyWorkingTree(root string) (modified, deleted []string, err error) {
	// -z terminates entries with NUL and leaves paths unquoted, so names
	// with spaces or non-ASCII bytes come back usable as-is.
	cmd := exec.Command("git", "--no-optional-locks", "status", "--porcelain=v1", "-z", "-uall")
	cmd.Dir = root
	output, err := cmd.Output()
	if err != nil {
		return nil, nil, fmt.Errorf("git status failed: %w", err)
	}

	entries := strings.Split(string(output), "\x00")
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 4 {
			continue
		}
		// Porcelain v1: XY PATH where X=staged, Y=unstaged. For renames and
		// copies the origin path follows as its own NUL-terminated field.
		status := entry[:2]
		path := entry[3:]
		if status[0] == 'R' || status[0] == 'C' {
			i++
			if status[0] == 'R' && i < len(entries) && entries[i] != "" {
				deleted = append(deleted, entries[i])
			}
		}
		if strings.Contains(status, "D") {
			deleted = append(deleted, path)
		} else {
			modified = append(modified, path)
		}
	}
	return modified, deleted, nil
}

// CommitInfo is one entry of the history listing.
type CommitInfo struct {
	Hash    string `json:"hash"`
	Subject string `json:"subject"`
	Author  string `json:"author"`
	Date    string `json:"date"`
}

// Log returns up to limit commits, newest first.
func Log(root string, limit int) ([]CommitInfo, error) {
	if limit <= 0 {
		limit = 50
	}

	cmd := exec.Command("git", "log", fmt.Sprintf("-n%d", limit), "--format=%H%x1f%s%x1f%an%x1f%aI")
	cmd.Dir = root
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git log failed: %w", err)
	}

	var commits []CommitInfo
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\x1f")
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, CommitInfo{
			Hash:    parts[0],
			Subject: parts[1],
			Author:  parts[2],
			Date:    parts[3],
		})
	}
	return commits, nil
}

func run(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s failed: %w (output: %s)", args[0], err, string(output))
	}
	return nil
}

// validatePath checks for path traversal.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	cleanPath := filepath.Clean(path)

	if filepath.IsAbs(cleanPath) {
		return fmt.Errorf("absolute paths are not allowed")
	}

	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal is not allowed")
	}

	return nil
}

// validateCommitHash validates a git commit hash to prevent injection.
func validateCommitHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("commit hash is empty")
	}
	if len(hash) < 7 {
		return fmt.Errorf("commit hash too short")
	}
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return fmt.Errorf("invalid commit hash character: %c", c)
		}
	}
	return nil
}
