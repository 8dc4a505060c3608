// Package chunker splits markdown section content into heading-aware blocks.
// Compression keeps, truncates or drops whole blocks, so block boundaries
// follow markdown structure rather than fixed sizes.
package chunker

import (
	"strings"
)

const (
	DefaultTargetSize = 400
	DefaultMaxSize    = 800
)

// Options configures chunking behavior.
type Options struct {
	TargetSize int // merge adjacent small blocks up to this size
	MaxSize    int // hard-split blocks larger than this on line boundaries
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MaxSize:    DefaultMaxSize,
	}
}

// Block is a contiguous run of lines from the original text.
type Block struct {
	Text      string
	Heading   string // nearest markdown heading above the block, if any
	StartLine int
	EndLine   int
}

// Lines returns the block's lines.
func (b Block) Lines() []string { return strings.Split(b.Text, "\n") }

// Split splits text into blocks. Blank-line-separated paragraphs and headings
// start new blocks; small neighbours under the same heading are merged.
// Joining the returned blocks with "\n\n" preserves every non-blank line in order.
func Split(text string, opts Options) []Block {
	if opts.TargetSize <= 0 {
		opts = DefaultOptions()
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	raw := paragraphs(text)
	merged := merge(raw, opts)

	var out []Block
	for _, b := range merged {
		if len(b.Text) > opts.MaxSize {
			out = append(out, hardSplit(b, opts)...)
			continue
		}
		out = append(out, b)
	}
	return out
}

// Join reassembles blocks into text.
func Join(blocks []Block) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if t := strings.TrimSpace(b.Text); t != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// paragraphs breaks text on blank lines and before headings.
func paragraphs(text string) []Block {
	lines := strings.Split(text, "\n")
	var blocks []Block
	var current []string
	heading := ""
	start := 1

	flush := func(end int) {
		t := strings.TrimSpace(strings.Join(current, "\n"))
		if t != "" {
			blocks = append(blocks, Block{Text: t, Heading: heading, StartLine: start, EndLine: end})
		}
		current = nil
	}

	for i, line := range lines {
		n := i + 1
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			flush(n - 1)
			start = n + 1
			continue
		case isHeading(trimmed):
			flush(n - 1)
			start = n
			heading = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
		if len(current) == 0 {
			start = n
		}
		current = append(current, strings.TrimRight(line, " \t"))
	}
	flush(len(lines))
	return blocks
}

func isHeading(line string) bool {
	if !strings.HasPrefix(line, "#") {
		return false
	}
	rest := strings.TrimLeft(line, "#")
	return rest == "" || strings.HasPrefix(rest, " ")
}

// merge combines adjacent blocks under the same heading while they stay
// within the target size.
func merge(blocks []Block, opts Options) []Block {
	var out []Block
	for _, b := range blocks {
		if len(out) > 0 {
			last := &out[len(out)-1]
			combined := len(last.Text) + 2 + len(b.Text)
			if last.Heading == b.Heading && combined <= opts.TargetSize && !startsWithHeading(b.Text) {
				last.Text = last.Text + "\n\n" + b.Text
				last.EndLine = b.EndLine
				continue
			}
		}
		out = append(out, b)
	}
	return out
}

func startsWithHeading(text string) bool {
	first, _, _ := strings.Cut(text, "\n")
	return isHeading(strings.TrimSpace(first))
}

// hardSplit breaks a block that exceeds MaxSize on line boundaries. A single
// line longer than MaxSize stays whole.
func hardSplit(b Block, opts Options) []Block {
	lines := b.Lines()
	var out []Block
	var current []string
	curStart := b.StartLine
	curLen := 0

	for i, line := range lines {
		if curLen+len(line) > opts.TargetSize && len(current) > 0 {
			out = append(out, Block{
				Text:      strings.Join(current, "\n"),
				Heading:   b.Heading,
				StartLine: curStart,
				EndLine:   b.StartLine + i - 1,
			})
			current = nil
			curStart = b.StartLine + i
			curLen = 0
		}
		current = append(current, line)
		curLen += len(line) + 1
	}
	if len(current) > 0 {
		out = append(out, Block{
			Text:      strings.Join(current, "\n"),
			Heading:   b.Heading,
			StartLine: curStart,
			EndLine:   b.StartLine + len(lines) - 1,
		})
	}
	return out
}
