package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func initTestNotebook(t *testing.T) string {
	t.Helper()
	requireGit(t)

	root := t.TempDir()
	if err := InitNotebook(root, ".codex"); err != nil {
		t.Fatalf("InitNotebook: %v", err)
	}
	return root
}

func TestInitNotebook(t *testing.T) {
	root := initTestNotebook(t)

	// Initial commit stages only .gitignore.
	tracked, err := TrackedFiles(root)
	if err != nil {
		t.Fatalf("TrackedFiles: %v", err)
	}
	if !slices.Equal(tracked, []string{".gitignore"}) {
		t.Errorf("got tracked %v, want [.gitignore]", tracked)
	}

	content, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != ".codex/\n" {
		t.Errorf("got .gitignore %q", content)
	}

	// Second init is a no-op.
	if err := InitNotebook(root, ".codex"); err != nil {
		t.Fatalf("re-init: %v", err)
	}
}

func TestAddCommitHead(t *testing.T) {
	root := initTestNotebook(t)

	if err := os.WriteFile(filepath.Join(root, "a.md"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	dirty, err := IndexDirty(root)
	if err != nil {
		t.Fatal(err)
	}
	if dirty {
		t.Error("index dirty before staging")
	}

	if err := Add(root, "a.md"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	dirty, err = IndexDirty(root)
	if err != nil {
		t.Fatal(err)
	}
	if !dirty {
		t.Fatal("index clean after staging a new file")
	}

	hash, err := Commit(root, "Update a.md")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	head, err := HeadHash(root)
	if err != nil {
		t.Fatal(err)
	}
	if head != hash {
		t.Errorf("HeadHash = %s, Commit returned %s", head, hash)
	}

	files, err := CommitFiles(root, hash)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(files, []string{"a.md"}) {
		t.Errorf("commit files = %v, want [a.md]", files)
	}
}

func TestStageDeleted(t *testing.T) {
	root := initTestNotebook(t)

	path := filepath.Join(root, "gone.md")
	os.WriteFile(path, []byte("x"), 0644)
	if err := Add(root, "gone.md"); err != nil {
		t.Fatal(err)
	}
	if _, err := Commit(root, "Update gone.md"); err != nil {
		t.Fatal(err)
	}

	os.Remove(path)
	if err := StageDeleted(root, "gone.md"); err != nil {
		t.Fatalf("StageDeleted: %v", err)
	}
	if _, err := Commit(root, "Delete gone.md"); err != nil {
		t.Fatal(err)
	}

	tracked, err := TrackedFiles(root)
	if err != nil {
		t.Fatal(err)
	}
	if slices.Contains(tracked, "gone.md") {
		t.Error("deleted file still tracked")
	}

	// Deleting an untracked path is not an error.
	if err := StageDeleted(root, "never-existed.md"); err != nil {
		t.Errorf("StageDeleted untracked: %v", err)
	}
}

func TestDirtyWorkingTreeUnquotedPaths(t *testing.T) {
	root := initTestNotebook(t)

	// Space and non-ASCII names come back usable, not C-quoted.
	os.WriteFile(filepath.Join(root, "a b.txt"), []byte("1"), 0644)
	os.WriteFile(filepath.Join(root, "café.md"), []byte("2"), 0644)

	modified, deleted, err := DirtyWorkingTree(root)
	if err != nil {
		t.Fatalf("DirtyWorkingTree: %v", err)
	}
	if !slices.Contains(modified, "a b.txt") {
		t.Errorf("got modified %v, want it to contain %q", modified, "a b.txt")
	}
	if !slices.Contains(modified, "café.md") {
		t.Errorf("got modified %v, want it to contain %q", modified, "café.md")
	}
	if len(deleted) != 0 {
		t.Errorf("got deleted %v, want none", deleted)
	}

	// Committed removals surface on the deleted side.
	if err := Add(root, "a b.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := Commit(root, "Update a b.txt"); err != nil {
		t.Fatal(err)
	}
	os.Remove(filepath.Join(root, "a b.txt"))

	_, deleted, err = DirtyWorkingTree(root)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(deleted, "a b.txt") {
		t.Errorf("got deleted %v, want it to contain %q", deleted, "a b.txt")
	}
}

func TestLog(t *testing.T) {
	root := initTestNotebook(t)

	os.WriteFile(filepath.Join(root, "a.md"), []byte("1"), 0644)
	Add(root, "a.md")
	Commit(root, "Update a.md")

	commits, err := Log(root, 10)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("got %d commits, want 2", len(commits))
	}
	if commits[0].Subject != "Update a.md" {
		t.Errorf("got subject %q", commits[0].Subject)
	}
	if commits[1].Subject != "Initialize notebook" {
		t.Errorf("got subject %q", commits[1].Subject)
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"valid relative", "notes/a.md", false},
		{"empty", "", true},
		{"absolute", "/etc/passwd", true},
		{"traversal", "../outside", true},
		{"traversal nested", "a/../../outside", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}
