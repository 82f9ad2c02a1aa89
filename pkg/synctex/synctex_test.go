package synctex

import (
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Coordinates are multiples of 65536 so point values come out exact.
const sampleMap = `SyncTeX Version:1
Input:1:/work/source/main.tex
Input:2:./chapters/intro.tex
Output:pdf
Magnification:1000
Unit:1
Content:
!432
{1
h1,1,0:655360,1310720:13107200,655360,0
x1,5,2:1310720,6553600
g2,3,0:1966080,13107200
}
{2
x1,10,0:655360,3276800
v2,7,1:2621440,26214400
}
Postamble:
`

func parseSample(t *testing.T) *Index {
	t.Helper()
	idx, err := ParseText(strings.NewReader(sampleMap))
	require.NoError(t, err)
	return idx
}

func TestParseGzipEnvelope(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(sampleMap))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	idx, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, 5, idx.Len())
}

func TestParseRejectsNonGzip(t *testing.T) {
	_, err := Parse(strings.NewReader("plain text"))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRequiresContentBoundary(t *testing.T) {
	_, err := ParseText(strings.NewReader("Input:1:main.tex\n{1\nh1,1,0:1,1\n}\n"))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestPathNormalization(t *testing.T) {
	idx := parseSample(t)
	assert.ElementsMatch(t, []string{"main.tex", "chapters/intro.tex"}, idx.Files())
}

func TestUnitConversion(t *testing.T) {
	idx := parseSample(t)

	pos, err := idx.SourceToPage("main.tex", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.Page)
	assert.Equal(t, 10.0, pos.X)
	assert.Equal(t, 20.0, pos.Y)
}

func TestSkipsBadRecords(t *testing.T) {
	text := `Input:1:main.tex
Content:
x1,1,0:655360,655360
{1
x1,0,0:655360,655360
x99,3,0:655360,655360
q1,4,0:655360,655360
x1,5,0:655360,655360
}
`
	idx, err := ParseText(strings.NewReader(text))
	require.NoError(t, err)

	// Only the line-5 record survives: the others precede the first page
	// marker, have line 0, cite an undeclared file id, or carry an
	// unknown tag.
	assert.Equal(t, 1, idx.Len())
	pages := idx.LineToPageMap("main.tex")
	assert.Equal(t, map[int]int{5: 1}, pages)
}

func TestSourceToPage(t *testing.T) {
	idx := parseSample(t)

	tests := []struct {
		name     string
		file     string
		line     int
		wantPage int
		wantY    float64
	}{
		{"exact line", "main.tex", 5, 1, 100},
		{"between lines picks preceding", "main.tex", 7, 1, 100},
		{"before first record picks first", "main.tex", 0, 1, 20},
		{"past last record picks last", "main.tex", 99, 2, 50},
		{"basename fallback", "intro.tex", 3, 1, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, err := idx.SourceToPage(tt.file, tt.line, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPage, pos.Page)
			assert.Equal(t, tt.wantY, pos.Y)
			assert.InDelta(t, tt.wantY/DefaultPageHeight, pos.YNorm, 1e-9)
		})
	}

	_, err := idx.SourceToPage("nonexistent.tex", 1, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestYNormClamped(t *testing.T) {
	idx := parseSample(t)

	// y = 100 with a 50pt page height clamps to 1
	pos, err := idx.SourceToPage("main.tex", 5, 50)
	require.NoError(t, err)
	assert.Equal(t, 1.0, pos.YNorm)
}

func TestPageToSource(t *testing.T) {
	idx := parseSample(t)

	// Nearest to (39, 398) on page 2 is intro.tex line 7 at (40, 400)
	ref, err := idx.PageToSource(2, 39, 398)
	require.NoError(t, err)
	assert.Equal(t, "chapters/intro.tex", ref.File)
	assert.Equal(t, 7, ref.Line)
	assert.Equal(t, 1, ref.Column)

	ref, err = idx.PageToSource(2, 11, 51)
	require.NoError(t, err)
	assert.Equal(t, "main.tex", ref.File)
	assert.Equal(t, 10, ref.Line)

	_, err = idx.PageToSource(9, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLineToPageMap(t *testing.T) {
	idx := parseSample(t)
	assert.Equal(t, map[int]int{1: 1, 5: 1, 10: 2}, idx.LineToPageMap("main.tex"))
	assert.Equal(t, map[int]int{3: 1, 7: 2}, idx.LineToPageMap("chapters/intro.tex"))
	assert.Empty(t, idx.LineToPageMap("nonexistent.tex"))
}

func TestBoxDimensions(t *testing.T) {
	idx := parseSample(t)

	group := idx.fileGroup("main.tex")
	require.NotEmpty(t, group)
	assert.Equal(t, 200.0, group[0].Width)
	assert.Equal(t, 10.0, group[0].Height)
}
