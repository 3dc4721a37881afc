// Package sidecar resolves and parses companion metadata files. A sidecar
// supplies a key/value map that is merged into its companion's properties.
//
// For a file dir/base.ext the candidates are, in order:
//
//	dir/base.ext.json  dir/base.ext.xml  dir/base.ext.md
//	dir/.base.ext.json dir/.base.ext.xml dir/.base.ext.md
//
// First hit wins. Writes default to the dot-prefixed JSON form.
package sidecar

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var extensions = []string{".json", ".xml", ".md"}

// Resolve returns the relative path of the first existing sidecar for rel,
// or ok=false when none exists.
func Resolve(root, rel string) (string, bool) {
	dir := path.Dir(rel)
	base := path.Base(rel)

	for _, name := range []string{base, "." + base} {
		for _, ext := range extensions {
			candidate := path.Join(dir, name+ext)
			if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(candidate))); err == nil {
				return candidate, true
			}
		}
	}
	return "", false
}

// DefaultPath is where a fresh sidecar for rel is written: the dot-prefixed
// JSON form next to the companion.
func DefaultPath(rel string) string {
	return path.Join(path.Dir(rel), "."+path.Base(rel)+".json")
}

// Companion maps a sidecar's relative path back to its companion file, when
// that companion exists under root. Both the plain and the dot-prefixed
// forms are recognized.
func Companion(root, rel string) (string, bool) {
	base := path.Base(rel)
	ext := path.Ext(base)

	ok := false
	for _, e := range extensions {
		if ext == e {
			ok = true
			break
		}
	}
	if !ok {
		return "", false
	}

	companion := strings.TrimSuffix(base, ext)
	companion = strings.TrimPrefix(companion, ".")
	if companion == "" {
		return "", false
	}

	rel = path.Join(path.Dir(rel), companion)
	if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
		return "", false
	}
	return rel, true
}

// Load resolves and parses the sidecar for rel. Returns the merged property
// map and the sidecar's relative path; ok=false when rel has no sidecar.
func Load(root, rel string) (map[string]any, string, bool, error) {
	scRel, ok := Resolve(root, rel)
	if !ok {
		return nil, "", false, nil
	}

	props, err := ParseFile(filepath.Join(root, filepath.FromSlash(scRel)))
	if err != nil {
		return nil, scRel, true, err
	}
	return props, scRel, true, nil
}

// ParseFile parses a sidecar file by its extension: JSON object, flat XML
// document, or markdown frontmatter.
func ParseFile(path string) (map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		props := map[string]any{}
		if err := json.Unmarshal(content, &props); err != nil {
			return nil, fmt.Errorf("parse sidecar %s: %w", path, err)
		}
		return props, nil
	case ".xml":
		props, err := parseFlatXML(content)
		if err != nil {
			return nil, fmt.Errorf("parse sidecar %s: %w", path, err)
		}
		return props, nil
	case ".md":
		props, _ := ParseFrontmatter(content)
		return props, nil
	default:
		return nil, fmt.Errorf("parse sidecar %s: unsupported extension", path)
	}
}

// Write persists props for rel. An existing sidecar is rewritten in place if
// it is the JSON form; otherwise (or when none exists) the dot-prefixed JSON
// form is written. Returns the sidecar's relative path.
func Write(root, rel string, props map[string]any) (string, error) {
	scRel, ok := Resolve(root, rel)
	if !ok || !strings.HasSuffix(scRel, ".json") {
		scRel = DefaultPath(rel)
	}

	data, err := json.MarshalIndent(props, "", "  ")
	if err != nil {
		return "", err
	}
	data = append(data, '\n')

	full := filepath.Join(root, filepath.FromSlash(scRel))
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("write sidecar: %w", err)
	}
	return scRel, nil
}

// parseFlatXML reads the direct children of the document element as
// key/value pairs.
func parseFlatXML(content []byte) (map[string]any, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	props := map[string]any{}

	depth := 0
	var key string
	var value strings.Builder

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				key = t.Name.Local
				value.Reset()
			}
		case xml.CharData:
			if depth == 2 {
				value.Write(t)
			}
		case xml.EndElement:
			if depth == 2 && key != "" {
				props[key] = strings.TrimSpace(value.String())
				key = ""
			}
			depth--
		}
	}
	return props, nil
}

var frontmatterDelim = []byte("---")

// ParseFrontmatter splits markdown content into its YAML frontmatter map and
// the remaining body. Content without a frontmatter block yields a nil map
// and the content unchanged.
func ParseFrontmatter(content []byte) (map[string]any, string) {
	trimmed := bytes.TrimPrefix(content, []byte("\ufeff"))
	if !bytes.HasPrefix(trimmed, frontmatterDelim) {
		return nil, string(content)
	}

	rest := trimmed[len(frontmatterDelim):]
	if len(rest) > 0 && rest[0] == '\r' {
		rest = rest[1:]
	}
	if len(rest) == 0 || rest[0] != '\n' {
		return nil, string(content)
	}
	rest = rest[1:]

	end := bytes.Index(rest, []byte("\n---"))
	if end == -1 {
		return nil, string(content)
	}

	block := rest[:end+1]
	body := rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i != -1 {
		body = body[i+1:]
	} else {
		body = nil
	}

	props := map[string]any{}
	if err := yaml.Unmarshal(block, &props); err != nil {
		return nil, string(content)
	}
	return props, string(body)
}
