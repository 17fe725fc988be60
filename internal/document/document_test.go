package document

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		filename string
		want     string
		wantErr  bool
	}{
		{"notes.md", FormatMarkdown, false},
		{"README.MARKDOWN", FormatMarkdown, false},
		{"paper.pdf", FormatPDF, false},
		{"todo.txt", FormatText, false},
		{"sheet.xlsx", FormatXLSX, false},
		{"legacy.xls", "", true},
		{"noext", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, err := DetectFormat(tt.filename)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMarkdownToText(t *testing.T) {
	source := "# Trip plan\n\nWe fly to **Lisbon** on _Friday_.\nThen we take the [train](https://example.com) north.\n\n- pack bikes\n- book hotel\n\n```\ngo run .\n```\n"

	out, err := ExtractText(FormatMarkdown, []byte(source))
	require.NoError(t, err)

	assert.Contains(t, out, "Trip plan")
	assert.Contains(t, out, "We fly to Lisbon on Friday. Then we take the train north.")
	assert.Contains(t, out, "pack bikes")
	assert.Contains(t, out, "go run .")
	assert.NotContains(t, out, "**")
	assert.NotContains(t, out, "https://example.com")
	assert.NotContains(t, out, "#")
}

func TestExtractTextPlain(t *testing.T) {
	out, err := ExtractText(FormatText, []byte("line one\r\nline   two\x00\n\n\n\nparagraph two"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n\nparagraph two", out)
}

func TestExtractTextRejectsInvalidUTF8(t *testing.T) {
	_, err := ExtractText(FormatText, []byte{0xff, 0xfe, 0xfd})
	assert.Error(t, err)
}

func TestPDFToTextRejectsGarbage(t *testing.T) {
	_, err := ExtractText(FormatPDF, []byte("not a pdf"))
	assert.Error(t, err)
}

func workbook(t *testing.T, sheets map[string][][]string, order ...string) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	for i, name := range order {
		if i == 0 {
			require.NoError(t, f.SetSheetName("Sheet1", name))
		} else {
			_, err := f.NewSheet(name)
			require.NoError(t, err)
		}
		for r, row := range sheets[name] {
			for c, value := range row {
				cell, err := excelize.CoordinatesToCellName(c+1, r+1)
				require.NoError(t, err)
				require.NoError(t, f.SetCellValue(name, cell, value))
			}
		}
	}

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestExtractTextXLSX(t *testing.T) {
	data := workbook(t, map[string][][]string{
		"Trips": {
			{"City", "Month", "Notes"},
			{"Kyoto", "April", "cherry blossoms"},
			{"Oslo", "", "fjord cruise"},
		},
		"Empty": {},
		"Tags": {{"hiking", "", "ramen"}},
	}, "Trips", "Empty", "Tags")

	got, err := ExtractText(FormatXLSX, data)
	require.NoError(t, err)
	assert.Equal(t, "Trips\n\nCity: Kyoto; Month: April; Notes: cherry blossoms\nCity: Oslo; Notes: fjord cruise\n\nTags\n\nhiking; ramen", got)
}

func TestXLSXToTextRejectsGarbage(t *testing.T) {
	_, err := XLSXToText([]byte("not a zip archive"))
	assert.Error(t, err)
}

func TestChunkShortText(t *testing.T) {
	chunks, truncated := Chunk("A short note.", DefaultChunkOptions())
	assert.Equal(t, []string{"A short note."}, chunks)
	assert.False(t, truncated)
}

func TestChunkEmptyText(t *testing.T) {
	chunks, truncated := Chunk("  \n\n  ", DefaultChunkOptions())
	assert.Empty(t, chunks)
	assert.False(t, truncated)
}

func TestChunkRespectsSizeAndOverlap(t *testing.T) {
	var paragraphs []string
	for i := 0; i < 30; i++ {
		paragraphs = append(paragraphs, strings.Repeat("word ", 30)+"end.")
	}
	text := strings.Join(paragraphs, "\n\n")
	opts := ChunkOptions{Size: 400, Overlap: 60, MaxChunks: 200}

	chunks, truncated := Chunk(text, opts)

	require.Greater(t, len(chunks), 1)
	assert.False(t, truncated)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), opts.Size)
	}
	// every chunk after the first starts with text from the previous one
	for i := 1; i < len(chunks); i++ {
		head := strings.Fields(chunks[i])[0]
		assert.Contains(t, chunks[i-1], head)
	}
}

func TestChunkSplitsLongSentences(t *testing.T) {
	text := strings.Repeat("a", 2000)
	chunks, _ := Chunk(text, ChunkOptions{Size: 800, Overlap: 100, MaxChunks: 200})

	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 800)
	}
}

func TestChunkCap(t *testing.T) {
	text := strings.Repeat("Sentence number something here. ", 500)
	chunks, truncated := Chunk(text, ChunkOptions{Size: 100, Overlap: 0, MaxChunks: 5})

	assert.Len(t, chunks, 5)
	assert.True(t, truncated)
}

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("Cycling in Lisbon. Lisbon hills make cycling hard; cycling is fun. The city is great.", 3)
	assert.Equal(t, []string{"cycling", "lisbon", "hills"}, got)

	assert.Equal(t, []string{}, ExtractKeywords("a an the of", 5))
	assert.Equal(t, []string{}, ExtractKeywords("anything", 0))
}
