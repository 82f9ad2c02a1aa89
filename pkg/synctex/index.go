package synctex

import (
	"errors"
	"path"
	"sort"
	"strings"
)

// DefaultPageHeight is the A4 height in points, used to normalize y
// when the caller does not know the real page geometry.
const DefaultPageHeight = 842.0

// ErrNotFound reports a lookup with no matching record
var ErrNotFound = errors.New("synctex: no matching record")

// Index is the queryable form of a parsed position map
type Index struct {
	byFile map[string][]Record
	byPage map[int][]Record
	count  int
}

func buildIndex(records []Record) *Index {
	idx := &Index{
		byFile: make(map[string][]Record),
		byPage: make(map[int][]Record),
		count:  len(records),
	}
	for _, r := range records {
		idx.byFile[r.File] = append(idx.byFile[r.File], r)
		idx.byPage[r.Page] = append(idx.byPage[r.Page], r)
	}
	for _, group := range idx.byFile {
		sort.SliceStable(group, func(i, j int) bool { return group[i].Line < group[j].Line })
	}
	for _, group := range idx.byPage {
		sort.SliceStable(group, func(i, j int) bool { return group[i].Y < group[j].Y })
	}
	return idx
}

// Len returns the number of records in the index
func (idx *Index) Len() int { return idx.count }

// Files returns the source files with at least one record
func (idx *Index) Files() []string {
	files := make([]string, 0, len(idx.byFile))
	for f := range idx.byFile {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Position is a forward lookup result
type Position struct {
	Page  int     `json:"page"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	YNorm float64 `json:"y_norm"`
}

// SourceRef is an inverse lookup result
type SourceRef struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// SourceToPage maps a source location to its position in the rendered
// document. The record chosen is the one with the largest line at or
// before the requested line; if the whole group starts after it, the
// first record stands in. pageHeight <= 0 falls back to DefaultPageHeight.
func (idx *Index) SourceToPage(file string, line int, pageHeight float64) (Position, error) {
	group := idx.fileGroup(file)
	if len(group) == 0 {
		return Position{}, ErrNotFound
	}
	if pageHeight <= 0 {
		pageHeight = DefaultPageHeight
	}

	// First record past the requested line; the one before it is the match
	i := sort.Search(len(group), func(i int) bool { return group[i].Line > line })
	if i > 0 {
		i--
	}
	rec := group[i]

	norm := rec.Y / pageHeight
	if norm < 0 {
		norm = 0
	} else if norm > 1 {
		norm = 1
	}
	return Position{Page: rec.Page, X: rec.X, Y: rec.Y, YNorm: norm}, nil
}

// fileGroup resolves a user-facing path to a record group, falling back
// to a basename suffix match when the exact key is absent.
func (idx *Index) fileGroup(file string) []Record {
	if group, ok := idx.byFile[file]; ok {
		return group
	}
	base := path.Base(file)
	for key, group := range idx.byFile {
		if path.Base(key) == base || strings.HasSuffix(key, "/"+file) {
			return group
		}
	}
	return nil
}

// PageToSource maps a click position on a page back to the source
// location whose record lies nearest in Euclidean distance.
func (idx *Index) PageToSource(page int, x, y float64) (SourceRef, error) {
	group := idx.byPage[page]
	if len(group) == 0 {
		return SourceRef{}, ErrNotFound
	}

	best := 0
	bestDist := distSq(group[0], x, y)
	for i := 1; i < len(group); i++ {
		if d := distSq(group[i], x, y); d < bestDist {
			best, bestDist = i, d
		}
	}
	rec := group[best]
	return SourceRef{File: rec.File, Line: rec.Line, Column: rec.Column}, nil
}

func distSq(r Record, x, y float64) float64 {
	dx, dy := x-r.X, y-r.Y
	return dx*dx + dy*dy
}

// LineToPageMap returns, for one file, the first page seen for each
// source line in record order.
func (idx *Index) LineToPageMap(file string) map[int]int {
	group := idx.fileGroup(file)
	pages := make(map[int]int, len(group))
	for _, r := range group {
		if _, seen := pages[r.Line]; !seen {
			pages[r.Line] = r.Page
		}
	}
	return pages
}
