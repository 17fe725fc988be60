package document

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Supported document formats
const (
	FormatMarkdown = "markdown"
	FormatPDF      = "pdf"
	FormatText     = "text"
	FormatXLSX     = "xlsx"
)

const (
	// MaxPDFPages limits the number of pages to process
	MaxPDFPages = 100

	// MaxExtractedTextSize limits the extracted text size (1MB)
	MaxExtractedTextSize = 1024 * 1024

	// MaxSheetRows limits the rows read from one worksheet
	MaxSheetRows = 10000
)

// ErrUnsupportedFormat is returned for file types that cannot be ingested
var ErrUnsupportedFormat = errors.New("unsupported document format")

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// DetectFormat maps a filename to a supported format
func DetectFormat(filename string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".pdf":
		return FormatPDF, nil
	case ".txt", ".text":
		return FormatText, nil
	case ".xlsx":
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
}

// ExtractText returns the plain text of a document
func ExtractText(format string, data []byte) (string, error) {
	var (
		out string
		err error
	)
	switch format {
	case FormatMarkdown:
		out = MarkdownToText(data)
	case FormatPDF:
		out, err = PDFToText(data)
	case FormatXLSX:
		out, err = XLSXToText(data)
	case FormatText:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("text file is not valid UTF-8")
		}
		out = string(data)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return "", err
	}

	out = cleanText(out)
	if len(out) > MaxExtractedTextSize {
		out = strings.ToValidUTF8(out[:MaxExtractedTextSize], "")
	}
	return out, nil
}

// MarkdownToText renders markdown to plain text by walking the goldmark AST.
// Block elements are separated by blank lines; markup is dropped.
func MarkdownToText(source []byte) string {
	doc := markdown.Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				buf.Write(node.Segment.Value(source))
				if node.HardLineBreak() {
					buf.WriteByte('\n')
				} else if node.SoftLineBreak() {
					buf.WriteByte(' ')
				}
			}
		case *ast.AutoLink:
			if entering {
				buf.Write(node.URL(source))
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					segment := lines.At(i)
					buf.Write(segment.Value(source))
				}
				buf.WriteString("\n\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock, *ast.ThematicBreak:
			if !entering {
				buf.WriteString("\n\n")
			}
		case *ast.ListItem:
			if !entering {
				buf.WriteString("\n")
			}
		}
		return ast.WalkContinue, nil
	})

	return buf.String()
}

// PDFToText extracts the text of every page, skipping unreadable pages
func PDFToText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}

	totalPages := reader.NumPage()
	if totalPages == 0 {
		return "", fmt.Errorf("PDF has no pages")
	}
	if totalPages > MaxPDFPages {
		return "", fmt.Errorf("PDF has too many pages (%d), max allowed is %d", totalPages, MaxPDFPages)
	}

	var builder strings.Builder
	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if content = strings.TrimSpace(content); content != "" {
			builder.WriteString(content)
			builder.WriteString("\n\n")
		}
		if builder.Len() > MaxExtractedTextSize {
			break
		}
	}
	return builder.String(), nil
}

// XLSXToText renders every worksheet as a titled block of rows. The first
// row is treated as headers, so each later row reads "Header: value; ...".
func XLSXToText(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheetNames := f.GetSheetList()
	if len(sheetNames) == 0 {
		return "", fmt.Errorf("no sheets found in workbook")
	}

	var builder strings.Builder
	for _, sheet := range sheetNames {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("failed to read sheet '%s': %w", sheet, err)
		}
		if len(rows) > MaxSheetRows {
			rows = rows[:MaxSheetRows]
		}
		block := sheetToText(rows)
		if block == "" {
			continue
		}
		builder.WriteString(sheet)
		builder.WriteString("\n\n")
		builder.WriteString(block)
		builder.WriteString("\n\n")
		if builder.Len() > MaxExtractedTextSize {
			break
		}
	}
	return builder.String(), nil
}

func sheetToText(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}

	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = strings.TrimSpace(h)
	}

	var lines []string
	if len(rows) == 1 {
		if line := strings.Join(nonEmpty(headers), "; "); line != "" {
			lines = append(lines, line)
		}
	}
	for _, row := range rows[1:] {
		var cells []string
		for i, cell := range row {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			if i < len(headers) && headers[i] != "" {
				cell = headers[i] + ": " + cell
			}
			cells = append(cells, cell)
		}
		if len(cells) > 0 {
			lines = append(lines, strings.Join(cells, "; "))
		}
	}
	return strings.Join(lines, "\n")
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// cleanText drops NUL bytes, normalizes line endings and collapses runs of
// spaces while keeping paragraph breaks
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var result strings.Builder
	newlines := 0
	pendingSpace := false
	for _, r := range s {
		switch {
		case r == '\n':
			newlines++
			pendingSpace = false
		case unicode.IsSpace(r):
			if newlines == 0 {
				pendingSpace = true
			}
		default:
			if result.Len() > 0 {
				if newlines >= 2 {
					result.WriteString("\n\n")
				} else if newlines == 1 {
					result.WriteByte('\n')
				} else if pendingSpace {
					result.WriteByte(' ')
				}
			}
			newlines = 0
			pendingSpace = false
			result.WriteRune(r)
		}
	}
	return result.String()
}
