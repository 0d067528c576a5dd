package memory

import (
	"sort"
	"strings"
)

// Relevant reports whether any of fields matches query: a case-insensitive
// substring hit in a single field, or at least min(3, words in query)
// query words appearing among the words of all fields.
func Relevant(query string, fields ...string) bool {
	return Score(query, fields...) > 0
}

// Score ranks how well fields match query. A substring hit scores above
// any word overlap; zero means not relevant under Relevant's rule.
func Score(query string, fields ...string) int {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}

	content := make([]string, 0, len(fields))
	substring := false
	for _, f := range fields {
		f = strings.ToLower(f)
		if strings.Contains(f, q) {
			substring = true
		}
		content = append(content, f)
	}

	queryWords := uniqueWords(q)
	contentWords := make(map[string]struct{})
	for w := range uniqueWords(strings.Join(content, " ")) {
		contentWords[w] = struct{}{}
	}

	overlap := 0
	for w := range queryWords {
		if _, ok := contentWords[w]; ok {
			overlap++
		}
	}

	if substring {
		return len(queryWords) + 1 + overlap
	}
	need := len(queryWords)
	if need > 3 {
		need = 3
	}
	if overlap >= need && overlap > 0 {
		return overlap
	}
	return 0
}

func uniqueWords(s string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127)
	}) {
		words[w] = struct{}{}
	}
	return words
}

// Ranked pairs a value with its relevance score.
type Ranked[T any] struct {
	Value T
	Score int
}

// Rank scores every value with fields, drops the irrelevant ones and
// returns at most limit values ordered by descending score. Ties keep
// input order.
func Rank[T any](query string, values []T, fields func(T) []string, limit int) []Ranked[T] {
	var out []Ranked[T]
	for _, v := range values {
		if sc := Score(query, fields(v)...); sc > 0 {
			out = append(out, Ranked[T]{Value: v, Score: sc})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
