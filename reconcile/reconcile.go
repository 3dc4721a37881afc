// Package reconcile builds metadata records from on-disk file state. Both
// the queue worker and the filesystem watcher funnel through it so a file
// looks the same no matter which path ingested it.
package reconcile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codexkb/server/fileinfo"
	"github.com/codexkb/server/sidecar"
	"github.com/codexkb/server/store"
)

// Result is the ingested view of one file.
type Result struct {
	Record     store.FileRecord
	SearchText string
	Binary     bool
}

// File inspects the file at rel under root and produces its metadata
// record: hash, size, MIME type, frontmatter-derived fields, sidecar
// properties and image dimensions.
func File(root, rel string) (*Result, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))

	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", rel)
	}

	content, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}

	binary := fileinfo.IsBinary(content)
	res := &Result{Binary: binary}

	rec := store.FileRecord{
		Path:        rel,
		ContentType: fileinfo.DetectMIME(rel, content),
		Size:        info.Size(),
		Hash:        fileinfo.HashBytes(content),
		GitTracked:  !binary,
	}
	rec.FileModifiedAt.Time = info.ModTime().UTC()
	rec.FileModifiedAt.Valid = true

	props := map[string]any{}
	body := string(content)

	if !binary && isMarkdown(rel) {
		if fm, rest := sidecar.ParseFrontmatter(content); fm != nil {
			for k, v := range fm {
				props[k] = v
			}
			body = rest
		}
	}

	// Sidecar properties win over frontmatter on key collisions.
	scProps, scRel, hasSidecar, err := sidecar.Load(root, rel)
	if err == nil && hasSidecar {
		rec.SidecarPath = scRel
		for k, v := range scProps {
			props[k] = v
		}
	}

	if dims, ok := fileinfo.ProbeImage(full); ok {
		props["width"] = dims.Width
		props["height"] = dims.Height
		props["format"] = dims.Format
	}

	if title, ok := props["title"].(string); ok {
		rec.Title = title
	}
	if desc, ok := props["description"].(string); ok {
		rec.Description = desc
	}
	if ft, ok := props["file_type"].(string); ok {
		rec.FileType = ft
	} else if ft, ok := props["type"].(string); ok {
		rec.FileType = ft
	}

	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode properties for %s: %w", rel, err)
	}
	rec.Properties = raw

	if !binary {
		res.SearchText = body + "\n" + store.CanonicalProps(props)
	}

	res.Record = rec
	return res, nil
}

// Apply persists an ingested result: record upsert plus search index entry.
// Caller must hold the notebook lock.
func Apply(st *store.Store, res *Result) error {
	id, err := st.UpsertFile(&res.Record)
	if err != nil {
		return err
	}
	return st.SetSearchText(id, res.SearchText)
}

// Upsert ingests the file at rel and persists the result.
func Upsert(st *store.Store, root, rel string) (*Result, error) {
	res, err := File(root, rel)
	if err != nil {
		return nil, err
	}
	if err := Apply(st, res); err != nil {
		return nil, err
	}
	return res, nil
}

func isMarkdown(rel string) bool {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// Hidden reports whether any segment of the relative path starts with a
// dot. Sidecar forms are the caller's exception to handle.
func Hidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
