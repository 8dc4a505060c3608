// Package compress reduces oversized sections, documents and invocation
// payloads to fit a byte budget while preserving protected content: the
// original request text, error messages and source identifiers.
//
// Triggers run most-targeted first: Text for a single section over its own
// budget, Document for a whole document over its aggregate budget, Payload
// for one external invocation over its hard limit.
package compress

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/rcliao/agent-turns/internal/chunker"
	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/logging"
)

// Strategy names the most aggressive step a compression needed.
type Strategy string

const (
	StrategyNone      Strategy = "none"
	StrategyNormalize Strategy = "normalize"
	StrategyTruncate  Strategy = "truncate"
	StrategyDrop      Strategy = "drop"
)

const (
	minExcerpt = 40
	ellipsis   = "…"
	blockSep   = "\n\n"
)

// Options tune one compression.
type Options struct {
	// Protected literals survive verbatim.
	Protected []string
	// Query ranks blocks; blocks sharing more terms with it are kept first.
	Query string
	// Aggressive drops blocks outright instead of excerpting them.
	Aggressive bool
}

// Result reports what a compression did.
type Result struct {
	Content   string   `json:"-"`
	Before    int      `json:"before"`
	After     int      `json:"after"`
	Saved     int      `json:"saved"`
	Strategy  Strategy `json:"strategy"`
	Truncated int      `json:"truncated,omitempty"`
	Dropped   int      `json:"dropped,omitempty"`
}

// Service compresses text. It holds no per-call state and is safe for
// concurrent use.
type Service struct {
	logger *zap.Logger
	md     goldmark.Markdown
	chunk  chunker.Options
}

// New creates a compression service.
func New(logger *zap.Logger) *Service {
	return &Service{
		logger: logging.OrNop(logger).Named("compress"),
		md:     newMarkdown(),
		chunk:  chunker.DefaultOptions(),
	}
}

// unit is one block in the middle of compression.
type unit struct {
	lines     []string
	protected []bool
	rank      float64
	index     int
	mode      mode
	excerpt   string
}

type mode int

const (
	modeCore mode = iota // protected lines only
	modeExcerpt
	modeFull
)

func (u *unit) render() string {
	switch u.mode {
	case modeFull:
		return strings.Join(u.lines, "\n")
	case modeExcerpt:
		return u.excerpt
	}
	return u.core()
}

func (u *unit) core() string {
	var kept []string
	for i, l := range u.lines {
		if u.protected[i] {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

func (u *unit) hasCompressible() bool {
	for _, p := range u.protected {
		if !p {
			return true
		}
	}
	return false
}

// Text compresses content to fit budget bytes. Content already within budget
// is returned unchanged. If the protected material alone exceeds the budget
// the call fails with a ResourceBudgetExceeded fault rather than dropping it.
func (s *Service) Text(content string, budget int, opts Options) (Result, error) {
	res := Result{Content: content, Before: len(content), After: len(content), Strategy: StrategyNone}
	if len(content) <= budget {
		return res, nil
	}
	if budget < 0 {
		return res, fault.Newf(fault.KindBudgetExceeded, "compress", "negative budget %d", budget)
	}

	units, lits, err := s.prepare(content, opts)
	if err != nil {
		return res, err
	}

	normalized := assemble(units, modeFull)
	if len(normalized) <= budget {
		return s.finish(res, normalized, StrategyNormalize, units, lits)
	}

	for _, u := range units {
		u.mode = modeCore
	}
	if floor := len(assemble(units, -1)); floor > budget {
		return res, fault.Newf(fault.KindBudgetExceeded, "compress",
			"protected content needs %d bytes, budget is %d", floor, budget)
	}

	order := make([]*unit, len(units))
	copy(order, units)
	sort.SliceStable(order, func(i, j int) bool { return order[i].rank > order[j].rank })

	for _, u := range order {
		if !u.hasCompressible() {
			continue
		}
		u.mode = modeFull
		if len(assemble(units, -1)) <= budget {
			continue
		}
		u.mode = modeCore
		if opts.Aggressive {
			continue
		}
		room := budget - len(assemble(units, -1))
		if u.core() == "" {
			room -= len(blockSep) // an empty core contributes no separator yet
		}
		if room < minExcerpt {
			continue
		}
		u.excerpt = excerpt(u, len(u.core())+room)
		u.mode = modeExcerpt
		if len(assemble(units, -1)) > budget {
			u.mode = modeCore
		}
	}

	out := assemble(units, -1)
	strategy := StrategyTruncate
	for _, u := range units {
		if u.mode == modeCore && u.hasCompressible() {
			strategy = StrategyDrop
		}
	}
	return s.finish(res, out, strategy, units, lits)
}

// Floor returns the smallest size Text could reach for content: the size of
// its protected material.
func (s *Service) Floor(content string, opts Options) int {
	units, _, err := s.prepare(content, opts)
	if err != nil {
		return len(content)
	}
	for _, u := range units {
		u.mode = modeCore
	}
	return len(assemble(units, -1))
}

func (s *Service) prepare(content string, opts Options) ([]*unit, *literals, error) {
	lits := &literals{}
	hidden := lits.hide(content, opts.Protected)
	hidden = normalize(hidden)

	cls := newClassifier(s.md, hidden)
	q := terms(opts.Query)

	blocks := chunker.Split(hidden, s.chunk)
	units := make([]*unit, 0, len(blocks))
	for i, b := range blocks {
		u := &unit{index: i, mode: modeFull}
		for _, line := range b.Lines() {
			u.protected = append(u.protected, cls.protected(line))
			u.lines = append(u.lines, lits.restore(line))
		}
		u.rank = relevance(strings.Join(u.lines, "\n"), q) + positionBonus(i, len(blocks))
		units = append(units, u)
	}
	return units, lits, nil
}

func (s *Service) finish(res Result, out string, strategy Strategy, units []*unit, lits *literals) (Result, error) {
	for _, lit := range lits.values {
		if !strings.Contains(out, lit) {
			return res, fault.Newf(fault.KindBudgetExceeded, "compress", "protected literal lost during compression")
		}
	}
	for _, u := range units {
		switch {
		case u.mode == modeExcerpt:
			res.Truncated++
		case u.mode == modeCore && u.hasCompressible():
			res.Dropped++
		}
	}
	res.Content = out
	res.After = len(out)
	res.Saved = res.Before - res.After
	res.Strategy = strategy
	s.logger.Debug("compressed text",
		zap.Int("before", res.Before),
		zap.Int("after", res.After),
		zap.String("strategy", string(strategy)),
		zap.Int("truncated", res.Truncated),
		zap.Int("dropped", res.Dropped))
	return res, nil
}

// assemble renders units in original order. A negative m uses each unit's
// own mode.
func assemble(units []*unit, m mode) string {
	var parts []string
	for _, u := range units {
		var r string
		if m >= 0 {
			saved := u.mode
			u.mode = m
			r = u.render()
			u.mode = saved
		} else {
			r = u.render()
		}
		if r != "" {
			parts = append(parts, r)
		}
	}
	return strings.Join(parts, blockSep)
}

// excerpt keeps every protected line and as much of the other lines, in
// order, as fits in limit bytes.
func excerpt(u *unit, limit int) string {
	coreLeft := 0
	for i, line := range u.lines {
		if u.protected[i] {
			coreLeft += len(line) + 1
		}
	}
	var out []string
	used := 0
	for i, line := range u.lines {
		sep := 0
		if len(out) > 0 {
			sep = 1
		}
		if u.protected[i] {
			coreLeft -= len(line) + 1
			out = append(out, line)
			used += sep + len(line)
			continue
		}
		room := limit - used - sep - coreLeft
		if room <= len(ellipsis) {
			continue
		}
		if len(line) <= room {
			out = append(out, line)
			used += sep + len(line)
			continue
		}
		cut := cutWord(line, room-len(ellipsis))
		if cut == "" {
			continue
		}
		out = append(out, cut+ellipsis)
		used += sep + len(cut) + len(ellipsis)
	}
	return strings.Join(out, "\n")
}

// cutWord truncates s to at most n bytes, preferring a word boundary.
func cutWord(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	if i := strings.LastIndexFunc(cut, unicode.IsSpace); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \t")
}

// normalize trims trailing whitespace, collapses blank runs and removes
// repeated lines. Lines holding a protected token are never removed.
func normalize(s string) string {
	lines := strings.Split(s, "\n")
	seen := make(map[string]bool, len(lines))
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		key := strings.TrimSpace(line)
		if seen[key] && !keepRepeats(key) {
			continue
		}
		seen[key] = true
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// keepRepeats reports whether a repeated line must stay: headings, protected
// tokens, error messages and anything carrying a URL.
func keepRepeats(line string) bool {
	return strings.HasPrefix(line, "#") ||
		strings.Contains(line, tokenMark) ||
		strings.Contains(line, "://") ||
		errorLine.MatchString(line)
}

func terms(q string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 3 {
			out[w] = true
		}
	}
	return out
}

func relevance(text string, q map[string]bool) float64 {
	if len(q) == 0 {
		return 0
	}
	have := terms(text)
	hit := 0
	for w := range q {
		if have[w] {
			hit++
		}
	}
	return float64(hit) / float64(len(q))
}

// positionBonus breaks relevance ties in favour of earlier blocks.
func positionBonus(i, n int) float64 {
	if n <= 1 {
		return 0
	}
	return 0.01 * (1 - float64(i)/float64(n))
}

// Part is one named piece of a document or invocation payload.
type Part struct {
	Name      string
	Text      string
	Protected bool
	Relevance float64
	Options   Options
}

// Report is the per-part outcome of a multi-part compression.
type Report struct {
	Name string `json:"name"`
	Result
}

// Document shrinks the largest non-protected parts until the total fits
// aggregate. Parts are returned in their original order.
func (s *Service) Document(parts []Part, aggregate int) ([]Part, []Report, error) {
	out := make([]Part, len(parts))
	copy(out, parts)

	exhausted := make([]bool, len(out))
	var reports []Report
	for total(out) > aggregate {
		idx := -1
		for i, p := range out {
			if p.Protected || exhausted[i] {
				continue
			}
			if idx < 0 || len(p.Text) > len(out[idx].Text) {
				idx = i
			}
		}
		if idx < 0 {
			return parts, reports, fault.Newf(fault.KindBudgetExceeded, "compress.Document",
				"document needs %d bytes after compression, aggregate budget is %d", total(out), aggregate)
		}

		p := out[idx]
		floor := s.Floor(p.Text, p.Options)
		target := max(len(p.Text)-(total(out)-aggregate), floor)
		res, err := s.Text(p.Text, target, p.Options)
		if err != nil {
			return parts, reports, fmt.Errorf("compress part %s: %w", p.Name, err)
		}
		if res.Saved <= 0 || target == floor {
			exhausted[idx] = true
		}
		out[idx].Text = res.Content
		if res.Saved > 0 {
			reports = append(reports, Report{Name: p.Name, Result: res})
		}
	}
	s.logReports("document", reports)
	return out, reports, nil
}

// Payload fits an invocation payload under its hard limit. It compresses the
// lowest-relevance parts first, aggressively, and as a last resort drops all
// of a part's unprotected content.
func (s *Service) Payload(parts []Part, limit int) ([]Part, []Report, error) {
	out := make([]Part, len(parts))
	copy(out, parts)
	if total(out) <= limit {
		return out, nil, nil
	}

	order := make([]int, 0, len(out))
	for i, p := range out {
		if !p.Protected {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return out[order[a]].Relevance < out[order[b]].Relevance })

	var reports []Report
	for _, idx := range order {
		over := total(out) - limit
		if over <= 0 {
			break
		}
		p := out[idx]
		opts := p.Options
		opts.Aggressive = true
		floor := s.Floor(p.Text, opts)
		target := max(len(p.Text)-over, floor)
		res, err := s.Text(p.Text, target, opts)
		if err != nil {
			return parts, reports, fmt.Errorf("compress payload part %s: %w", p.Name, err)
		}
		out[idx].Text = res.Content
		if res.Saved > 0 {
			reports = append(reports, Report{Name: p.Name, Result: res})
		}
	}
	if total(out) > limit {
		return parts, reports, fault.Newf(fault.KindBudgetExceeded, "compress.Payload",
			"payload needs %d bytes after compression, limit is %d", total(out), limit)
	}
	s.logReports("payload", reports)
	return out, reports, nil
}

func (s *Service) logReports(kind string, reports []Report) {
	saved := 0
	for _, r := range reports {
		saved += r.Saved
	}
	if saved > 0 {
		s.logger.Info("compressed "+kind, zap.Int("parts", len(reports)), zap.Int("saved_bytes", saved))
	}
}

func total(parts []Part) int {
	n := 0
	for _, p := range parts {
		n += len(p.Text)
	}
	return n
}
