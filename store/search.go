package store

import (
	"fmt"
	"sort"
	"strings"
)

// Search performs a substring scan over the search index, titles,
// descriptions and a canonicalized view of file properties. Matching is
// case-insensitive; results are ordered by path.
func (s *Store) Search(query string, limit int) ([]FileRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []FileRecord{}, nil
	}

	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"

	var recs []FileRecord
	err := s.db.Select(&recs, `
		SELECT f.* FROM files f
		LEFT JOIN search_index si ON si.file_id = f.id
		WHERE f.notebook_id = ?
		AND (
			lower(COALESCE(si.content, '')) LIKE ? ESCAPE '\'
			OR lower(f.title) LIKE ? ESCAPE '\'
			OR lower(f.description) LIKE ? ESCAPE '\'
			OR lower(f.properties) LIKE ? ESCAPE '\'
		)
		ORDER BY f.path
		LIMIT ?`,
		s.notebookID, pattern, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	return recs, nil
}

// CanonicalProps flattens a property map to a deterministic, lowercased
// "key:value" form suitable for substring matching. Nested values are
// skipped; only scalar properties participate in search.
func CanonicalProps(props map[string]any) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		switch v := props[k].(type) {
		case string:
			fmt.Fprintf(&b, "%s:%s\n", strings.ToLower(k), strings.ToLower(v))
		case bool, int, int64, float64:
			fmt.Fprintf(&b, "%s:%v\n", strings.ToLower(k), v)
		}
	}
	return b.String()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
