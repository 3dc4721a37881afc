package sidecar

import (
	"os"
	"path/filepath"
	"testing"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveOrder(t *testing.T) {
	root := t.TempDir()
	write(t, root, "dir/note.md", "body")
	write(t, root, "dir/.note.md.json", `{"a":1}`)
	write(t, root, "dir/note.md.xml", "<props><a>2</a></props>")

	// Plain form beats dot form.
	got, ok := Resolve(root, "dir/note.md")
	if !ok {
		t.Fatal("expected a sidecar")
	}
	if want := "dir/note.md.xml"; got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolveNone(t *testing.T) {
	root := t.TempDir()
	write(t, root, "plain.txt", "x")

	if _, ok := Resolve(root, "plain.txt"); ok {
		t.Error("expected no sidecar")
	}
}

func TestLoadJSON(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.txt", "x")
	write(t, root, ".a.txt.json", `{"kind":"snippet","rank":3}`)

	props, scRel, ok, err := Load(root, "a.txt")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected sidecar")
	}
	if scRel != ".a.txt.json" {
		t.Errorf("got sidecar path %q", scRel)
	}
	if props["kind"] != "snippet" {
		t.Errorf("got kind %v, want snippet", props["kind"])
	}
}

func TestParseXML(t *testing.T) {
	root := t.TempDir()
	write(t, root, "doc.bin.xml", "<properties><author>ann</author><rev> 4 </rev></properties>")

	props, err := ParseFile(filepath.Join(root, "doc.bin.xml"))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if props["author"] != "ann" {
		t.Errorf("got author %v, want ann", props["author"])
	}
	if props["rev"] != "4" {
		t.Errorf("got rev %v, want 4", props["rev"])
	}
}

func TestParseFrontmatter(t *testing.T) {
	content := "---\ntitle: My Note\ntags: [a, b]\n---\n# Heading\nbody text\n"
	props, body := ParseFrontmatter([]byte(content))
	if props["title"] != "My Note" {
		t.Errorf("got title %v, want My Note", props["title"])
	}
	if body != "# Heading\nbody text\n" {
		t.Errorf("got body %q", body)
	}

	props, body = ParseFrontmatter([]byte("no frontmatter here"))
	if props != nil {
		t.Error("expected nil props without frontmatter")
	}
	if body != "no frontmatter here" {
		t.Errorf("got body %q", body)
	}
}

func TestParseFrontmatterSkipsBOM(t *testing.T) {
	content := "\ufeff---\ntitle: Marked\n---\nbody\n"
	props, _ := ParseFrontmatter([]byte(content))
	if props["title"] != "Marked" {
		t.Errorf("got title %v, want Marked", props["title"])
	}
}

func TestWriteDefaultsToDotJSON(t *testing.T) {
	root := t.TempDir()
	write(t, root, "dir/a.txt", "x")

	scRel, err := Write(root, "dir/a.txt", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if want := "dir/.a.txt.json"; scRel != want {
		t.Errorf("got %q, want %q", scRel, want)
	}

	props, _, ok, err := Load(root, "dir/a.txt")
	if err != nil || !ok {
		t.Fatalf("Load after Write: ok=%v err=%v", ok, err)
	}
	if props["k"] != "v" {
		t.Errorf("got %v, want v", props["k"])
	}
}

func TestCompanion(t *testing.T) {
	root := t.TempDir()
	write(t, root, "dir/a.txt", "x")
	write(t, root, "dir/.a.txt.json", `{}`)
	write(t, root, "dir/orphan.json", `{}`)

	companion, ok := Companion(root, "dir/.a.txt.json")
	if !ok {
		t.Fatal("expected companion")
	}
	if companion != "dir/a.txt" {
		t.Errorf("got %q, want dir/a.txt", companion)
	}

	if _, ok := Companion(root, "dir/orphan.json"); ok {
		t.Error("orphan.json should have no companion")
	}
}
