package synctex

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// unitsPerPoint is the fixed-point scale of the raw map: 65536 units
// equal one typographic point (1/72 inch).
const unitsPerPoint = 65536.0

// Mount prefixes stripped from file paths so lookups by user-facing
// relative paths succeed.
var containerPrefixes = []string{"/work/source/", "/work/output/"}

// ErrMalformed reports a position map that cannot be parsed at all.
// Individual bad record lines are skipped, not fatal.
var ErrMalformed = errors.New("synctex: malformed position map")

// Record is one source↔page correspondence, coordinates in points
type Record struct {
	File   string
	Line   int
	Column int
	Page   int
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// recordTags are the single-character leads of content record lines
const recordTags = "hxgkv$[("

// Parse reads a gzip-wrapped position map and builds the index
func Parse(r io.Reader) (*Index, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: bad gzip envelope: %v", ErrMalformed, err)
	}
	defer gz.Close()
	return ParseText(gz)
}

// ParseText reads an already-decompressed position map.
//
// The preamble declares numeric file ids (Input:<id>:<path>) up to the
// Content: boundary. After it, {<n> opens page n, } closes it, and
// record lines carry <file_id>,<line>,<col>:<x>,<y>[:<w>,<h>,<d>] after
// a single tag character. Records with line <= 0, an undeclared file id,
// or no open page are skipped.
func ParseText(r io.Reader) (*Index, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	inputs := make(map[int]string)
	inContent := false
	page := 0
	var records []Record

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		if !inContent {
			if line == "Content:" {
				inContent = true
				continue
			}
			if rest, ok := strings.CutPrefix(line, "Input:"); ok {
				id, path, ok := strings.Cut(rest, ":")
				if !ok {
					continue
				}
				n, err := strconv.Atoi(id)
				if err != nil {
					continue
				}
				inputs[n] = normalizePath(path)
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "{"):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "{"))
			if err == nil && n >= 1 {
				page = n
			}
		case strings.HasPrefix(line, "}"):
			page = 0
		case strings.IndexByte(recordTags, line[0]) >= 0:
			if page < 1 {
				continue
			}
			rec, ok := parseRecord(line[1:], inputs)
			if !ok {
				continue
			}
			rec.Page = page
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !inContent {
		return nil, fmt.Errorf("%w: missing Content: boundary", ErrMalformed)
	}

	return buildIndex(records), nil
}

// parseRecord decodes "<file_id>,<line>,<col>:<x>,<y>[:<w>,<h>,<d>]"
func parseRecord(s string, inputs map[int]string) (Record, bool) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return Record{}, false
	}

	link := strings.Split(parts[0], ",")
	if len(link) < 2 {
		return Record{}, false
	}
	fileID, err := strconv.Atoi(link[0])
	if err != nil {
		return Record{}, false
	}
	srcLine, err := strconv.Atoi(link[1])
	if err != nil || srcLine <= 0 {
		return Record{}, false
	}
	col := 0
	if len(link) >= 3 {
		col, _ = strconv.Atoi(link[2])
	}

	file, known := inputs[fileID]
	if !known {
		return Record{}, false
	}

	pos := strings.Split(parts[1], ",")
	if len(pos) < 2 {
		return Record{}, false
	}
	x, err := strconv.Atoi(pos[0])
	if err != nil {
		return Record{}, false
	}
	y, err := strconv.Atoi(pos[1])
	if err != nil {
		return Record{}, false
	}

	rec := Record{
		File:   file,
		Line:   srcLine,
		Column: col,
		X:      float64(x) / unitsPerPoint,
		Y:      float64(y) / unitsPerPoint,
	}

	if len(parts) == 3 {
		box := strings.Split(parts[2], ",")
		if len(box) >= 2 {
			if w, err := strconv.Atoi(box[0]); err == nil {
				rec.Width = float64(w) / unitsPerPoint
			}
			if h, err := strconv.Atoi(box[1]); err == nil {
				rec.Height = float64(h) / unitsPerPoint
			}
		}
	}
	return rec, true
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	for _, prefix := range containerPrefixes {
		if rest, ok := strings.CutPrefix(p, prefix); ok {
			p = rest
			break
		}
	}
	p = strings.TrimPrefix(p, "./")
	return p
}
