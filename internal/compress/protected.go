package compress

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var (
	errorLine  = regexp.MustCompile(`(?i)(^\s*[-*>]?\s*(error|fatal|panic|exception)\b|\b(error|failed|failure)\s*:)`)
	sourceLine = regexp.MustCompile(`(?i)^\s*[-*]?\s*(source|sources|ref|reference|citation)s?\s*:`)
)

// token brackets stand-ins for protected literals while the text is
// normalized and split, so literals cannot be altered or cut across blocks.
const tokenMark = "\x1a"

type literals struct {
	values []string
}

// hide replaces every protected literal occurring in s with a token.
func (l *literals) hide(s string, protected []string) string {
	for _, lit := range protected {
		if strings.TrimSpace(lit) == "" || !strings.Contains(s, lit) {
			continue
		}
		tok := fmt.Sprintf("%sP%d%s", tokenMark, len(l.values), tokenMark)
		l.values = append(l.values, lit)
		s = strings.ReplaceAll(s, lit, tok)
	}
	return s
}

// restore puts the literals back.
func (l *literals) restore(s string) string {
	if !strings.Contains(s, tokenMark) {
		return s
	}
	for i, lit := range l.values {
		s = strings.ReplaceAll(s, fmt.Sprintf("%sP%d%s", tokenMark, i, tokenMark), lit)
	}
	return s
}

// sourceIdentifiers returns every link destination and autolinked URL in
// markdown content.
func sourceIdentifiers(md goldmark.Markdown, content string) []string {
	src := []byte(content)
	doc := md.Parser().Parse(text.NewReader(src))

	var ids []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Link:
			ids = append(ids, string(v.Destination))
		case *ast.Image:
			ids = append(ids, string(v.Destination))
		case *ast.AutoLink:
			ids = append(ids, string(v.Label(src)))
		}
		return ast.WalkContinue, nil
	})
	return ids
}

func newMarkdown() goldmark.Markdown {
	return goldmark.New(goldmark.WithExtensions(extension.Linkify))
}

// classifier decides which lines are protected.
type classifier struct {
	ids [][]byte
}

func newClassifier(md goldmark.Markdown, content string) classifier {
	var c classifier
	for _, id := range sourceIdentifiers(md, content) {
		if id = strings.TrimSpace(id); id != "" {
			c.ids = append(c.ids, []byte(id))
		}
	}
	return c
}

func (c classifier) protected(line string) bool {
	if strings.Contains(line, tokenMark) {
		return true
	}
	if errorLine.MatchString(line) || sourceLine.MatchString(line) {
		return true
	}
	b := []byte(line)
	for _, id := range c.ids {
		if bytes.Contains(b, id) {
			return true
		}
	}
	return false
}

// IsErrorLine reports whether line carries an error message.
func IsErrorLine(line string) bool { return errorLine.MatchString(line) }
