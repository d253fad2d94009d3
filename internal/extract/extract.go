// Package extract turns collector payloads (PDF, HTML, plain files) into the
// plain text the storage manager ingests. These are boundary helpers for the
// CLI and collectors; the manager itself never depends on them.
package extract

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Document is extracted text plus whatever structure the format exposed.
type Document struct {
	Title string
	Text  string
}

// File extracts text from a local file, dispatching on extension.
func File(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return PDF(data)
	case ".html", ".htm":
		return HTML(data)
	default:
		return &Document{Title: filepath.Base(path), Text: string(data)}, nil
	}
}

// PDF extracts page text from a PDF. Pages without extractable text
// (image-only, malformed) are skipped rather than failing the document.
func PDF(data []byte) (*Document, error) {
	rdr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	var pages []string
	for i := 1; i <= rdr.NumPage(); i++ {
		text, err := rdr.Page(i).GetPlainText(nil)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdf has no extractable text")
	}
	return &Document{Text: strings.Join(pages, "\n\n")}, nil
}

// HTML extracts the title and visible body text, dropping script, style,
// and comment noise.
func HTML(data []byte) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	doc := &Document{}
	var b strings.Builder
	collectText(root, &b, doc)
	doc.Text = collapseWhitespace(b.String())
	return doc, nil
}

func collectText(n *html.Node, b *strings.Builder, doc *Document) {
	switch n.Type {
	case html.CommentNode:
		return
	case html.ElementNode:
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript", "template", "iframe":
			return
		case "title":
			if doc.Title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				doc.Title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			b.WriteString(text)
			b.WriteByte(' ')
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b, doc)
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
