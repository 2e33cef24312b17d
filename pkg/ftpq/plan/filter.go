package plan

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter decides which selected names enter the queue. Patterns are
// doublestar globs matched against slash-separated relative paths,
// case-insensitively. An empty include list means include everything;
// excludes always win.
type Filter struct {
	includes []string
	excludes []string
}

// NewFilter validates the patterns up front so a typo surfaces before
// any connection is opened.
func NewFilter(includes, excludes []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range includes {
		n := normalizePattern(p)
		if !doublestar.ValidatePattern(n) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
		f.includes = append(f.includes, n)
	}
	for _, p := range excludes {
		n := normalizePattern(p)
		if !doublestar.ValidatePattern(n) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
		f.excludes = append(f.excludes, n)
	}
	return f, nil
}

// Match reports whether rel passes the filter. A nil filter passes
// everything.
func (f *Filter) Match(rel string) bool {
	if f == nil {
		return true
	}
	n := strings.ToLower(filepath.ToSlash(rel))
	for _, p := range f.excludes {
		if ok, _ := doublestar.Match(p, n); ok {
			return false
		}
	}
	if len(f.includes) == 0 {
		return true
	}
	for _, p := range f.includes {
		if ok, _ := doublestar.Match(p, n); ok {
			return true
		}
	}
	return false
}

func normalizePattern(p string) string {
	return strings.ToLower(filepath.ToSlash(strings.TrimSpace(p)))
}
