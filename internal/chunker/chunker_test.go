package chunker

import (
	"strings"
	"testing"
)

func TestSplit_EmptyInput(t *testing.T) {
	if result := Split("  \n ", DefaultOptions()); result != nil {
		t.Errorf("expected nil, got %v", result)
	}
}

func TestSplit_ShortContent(t *testing.T) {
	text := "A single short paragraph."
	result := Split(text, DefaultOptions())
	if len(result) != 1 {
		t.Fatalf("expected 1 block, got %d", len(result))
	}
	if result[0].Text != text {
		t.Errorf("expected %q, got %q", text, result[0].Text)
	}
	if result[0].StartLine != 1 || result[0].EndLine != 1 {
		t.Errorf("expected lines 1-1, got %d-%d", result[0].StartLine, result[0].EndLine)
	}
}

func TestSplit_TracksHeadings(t *testing.T) {
	body := strings.Repeat("Filler sentence for the section. ", 14)
	text := "# Findings\n\n" + body + "\n\n## Sources\n\n- https://example.com/a"

	result := Split(text, DefaultOptions())
	if len(result) < 2 {
		t.Fatalf("expected at least 2 blocks, got %d", len(result))
	}
	last := result[len(result)-1]
	if last.Heading != "Sources" {
		t.Errorf("expected last block under 'Sources', got %q", last.Heading)
	}
	if !strings.Contains(last.Text, "https://example.com/a") {
		t.Errorf("expected source line in last block, got %q", last.Text)
	}
}

func TestSplit_MergesSmallParagraphs(t *testing.T) {
	text := "one\n\ntwo\n\nthree"
	result := Split(text, DefaultOptions())
	if len(result) != 1 {
		t.Fatalf("expected small paragraphs merged into 1 block, got %d", len(result))
	}
	if result[0].EndLine != 5 {
		t.Errorf("expected EndLine 5, got %d", result[0].EndLine)
	}
}

func TestSplit_HardSplitsLargeBlock(t *testing.T) {
	var lines []string
	for i := 0; i < 60; i++ {
		lines = append(lines, "line of moderately long content number")
	}
	text := strings.Join(lines, "\n")

	result := Split(text, DefaultOptions())
	if len(result) < 3 {
		t.Fatalf("expected hard split into several blocks, got %d", len(result))
	}
	for _, b := range result {
		if len(b.Text) > DefaultMaxSize {
			t.Errorf("block of %d bytes exceeds max", len(b.Text))
		}
	}
	if result[0].StartLine != 1 {
		t.Errorf("expected first block to start at line 1, got %d", result[0].StartLine)
	}
	if got := result[len(result)-1].EndLine; got != 60 {
		t.Errorf("expected last block to end at line 60, got %d", got)
	}
}

func TestJoin_PreservesLines(t *testing.T) {
	text := "# A\n\nalpha\n\n# B\n\nbeta\ngamma"
	joined := Join(Split(text, DefaultOptions()))
	for _, want := range []string{"# A", "alpha", "# B", "beta", "gamma"} {
		if !strings.Contains(joined, want) {
			t.Errorf("joined text lost %q: %q", want, joined)
		}
	}
}
