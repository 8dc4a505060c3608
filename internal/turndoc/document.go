// Package turndoc holds the append-only turn document: an ordered set of
// budget-constrained sections written by successive pipeline stages.
//
// Committed section values are immutable. Rewriting a loop-target section
// (plan, execution, response, validation) on a revise or retry path opens a
// new attempt and keeps every earlier value as an audit trail. Once the loop
// terminates those sections are locked like any other.
package turndoc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/agent-turns/internal/compress"
	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/logging"
	"github.com/rcliao/agent-turns/internal/model"
)

// Limits bounds the revise/retry loop.
type Limits struct {
	MaxRevise int
	MaxRetry  int
	MaxTotal  int
}

// DefaultLimits are revise ≤ 2, retry ≤ 1, sum ≤ 3.
func DefaultLimits() Limits {
	return Limits{MaxRevise: 2, MaxRetry: 1, MaxTotal: 3}
}

// Compressor shrinks text to a budget. *compress.Service satisfies it.
type Compressor interface {
	Text(content string, budget int, opts compress.Options) (compress.Result, error)
	Document(parts []compress.Part, aggregate int) ([]compress.Part, []compress.Report, error)
}

type slot struct {
	budget  int
	current *model.Section  // nil until the first commit of the open attempt
	history []model.Section // every committed value, oldest first
	attempt int
	locked  bool
}

// Document is one turn's accumulating work record. It is safe for concurrent
// readers; stages write sequentially.
type Document struct {
	mu sync.RWMutex

	id      string
	request model.TurnRequest
	order   []model.Stage
	slots   map[model.Stage]*slot

	limits      Limits
	reviseCount int
	retryCount  int
	loopClosed  bool
	status      model.Status

	compressor Compressor
	logger     *zap.Logger
	now        func() time.Time
	compressed []compress.Report
}

// Option configures a Document.
type Option func(*Document)

// WithLimits sets the loop caps.
func WithLimits(l Limits) Option { return func(d *Document) { d.limits = l } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(d *Document) { d.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(d *Document) { d.now = now } }

// New creates an empty document for one turn.
func New(id string, req model.TurnRequest, c Compressor, opts ...Option) *Document {
	d := &Document{
		id:         id,
		request:    req,
		slots:      map[model.Stage]*slot{},
		limits:     DefaultLimits(),
		status:     model.StatusRunning,
		compressor: c,
		now:        time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	d.logger = logging.OrNop(d.logger).Named("turndoc").With(zap.String("turn", id))
	return d
}

// ID returns the turn id.
func (d *Document) ID() string { return d.id }

// Request returns the turn request.
func (d *Document) Request() model.TurnRequest { return d.request }

// CreateSection declares a stage's section with its byte budget. Creating an
// existing section is an error.
func (d *Document) CreateSection(stage model.Stage, budget int) error {
	if budget <= 0 {
		return fmt.Errorf("create section %s: budget must be positive", stage)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.slots[stage]; ok {
		return fmt.Errorf("create section %s: already exists", stage)
	}
	d.slots[stage] = &slot{budget: budget, attempt: 1}
	d.order = append(d.order, stage)
	return nil
}

// HasSection reports whether stage has been created.
func (d *Document) HasSection(stage model.Stage) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.slots[stage]
	return ok
}

// WriteSection commits content as the section's current value. Content over
// budget is compressed first, protecting the original request text; if it
// still does not fit the write fails with ResourceBudgetExceeded. Writing an
// immutable section fails with StateViolation and leaves it unchanged.
func (d *Document) WriteSection(stage model.Stage, content string) (compress.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commitLocked(stage, content, "WriteSection")
}

// AppendSection commits the current content followed by more.
func (d *Document) AppendSection(stage model.Stage, more string) (compress.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.slotLocked(stage, "AppendSection")
	if err != nil {
		return compress.Result{}, err
	}
	content := more
	if s.current != nil && s.current.Content != "" {
		content = s.current.Content + "\n\n" + more
	}
	return d.commitLocked(stage, content, "AppendSection")
}

func (d *Document) commitLocked(stage model.Stage, content, op string) (compress.Result, error) {
	s, err := d.slotLocked(stage, op)
	if err != nil {
		return compress.Result{}, err
	}
	if err := d.writableLocked(stage, s, op); err != nil {
		return compress.Result{}, err
	}

	res := compress.Result{Content: content, Before: len(content), After: len(content), Strategy: compress.StrategyNone}
	if len(content) > s.budget {
		if d.compressor == nil {
			return res, fault.Newf(fault.KindBudgetExceeded, op, "section %s: %d bytes over budget %d and no compressor", stage, len(content), s.budget).WithStage(string(stage))
		}
		res, err = d.compressor.Text(content, s.budget, compress.Options{
			Protected: d.protectedLocked(),
			Query:     d.request.Query,
		})
		if err != nil {
			return res, wrapStage(err, op, stage)
		}
		if res.After > s.budget {
			return res, fault.Newf(fault.KindBudgetExceeded, op, "section %s: %d bytes after compression, budget %d", stage, res.After, s.budget).WithStage(string(stage))
		}
		d.logger.Info("section compressed",
			zap.String("stage", string(stage)),
			zap.Int("before", res.Before),
			zap.Int("after", res.After),
			zap.Int("saved", res.Saved))
		d.compressed = append(d.compressed, compress.Report{Name: string(stage), Result: res})
	}

	rev := 1
	if s.current != nil {
		rev = s.current.Revision + 1
	}
	sec := model.Section{
		Stage:     stage,
		Content:   res.Content,
		Budget:    s.budget,
		Attempt:   s.attempt,
		Revision:  rev,
		WrittenAt: d.now().UTC(),
	}
	s.current = &sec
	s.history = append(s.history, sec)
	d.logger.Debug("section committed", zap.String("stage", string(stage)), zap.Int("attempt", s.attempt), zap.Int("bytes", len(sec.Content)))
	return res, nil
}

func (d *Document) writableLocked(stage model.Stage, s *slot, op string) error {
	if s.locked || (s.current != nil && s.current.Immutable) {
		err := fault.Newf(fault.KindStateViolation, op, "section %s (attempt %d) is immutable", stage, s.attempt).WithStage(string(stage))
		d.logger.Error("write to immutable section", zap.String("stage", string(stage)), zap.Int("attempt", s.attempt))
		return err
	}
	if d.status.Terminal() {
		return fault.Newf(fault.KindStateViolation, op, "turn is %s", d.status).WithStage(string(stage))
	}
	return nil
}

func (d *Document) slotLocked(stage model.Stage, op string) (*slot, error) {
	s, ok := d.slots[stage]
	if !ok {
		return nil, fault.Newf(fault.KindRetrievalMiss, op, "section %s was never created", stage).WithStage(string(stage))
	}
	return s, nil
}

// protectedLocked lists the literals compression must keep: the request text.
func (d *Document) protectedLocked() []string {
	if q := strings.TrimSpace(d.request.Query); q != "" {
		return []string{q}
	}
	return nil
}

// ReadSection returns the section's current committed value. Reading a
// section that was never created or never written is a RetrievalMiss.
func (d *Document) ReadSection(stage model.Stage) (model.Section, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, err := d.slotLocked(stage, "ReadSection")
	if err != nil {
		return model.Section{}, err
	}
	if s.current == nil {
		return model.Section{}, fault.Newf(fault.KindRetrievalMiss, "ReadSection", "section %s has no committed content for attempt %d", stage, s.attempt).WithStage(string(stage))
	}
	return *s.current, nil
}

// Content returns the section's current content, or "" when absent.
func (d *Document) Content(stage model.Stage) string {
	sec, err := d.ReadSection(stage)
	if err != nil {
		return ""
	}
	return sec.Content
}

// History returns every committed value of a section, oldest first.
func (d *Document) History(stage model.Stage) []model.Section {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.slots[stage]
	if !ok {
		return nil
	}
	out := make([]model.Section, len(s.history))
	copy(out, s.history)
	return out
}

// MarkImmutable locks the section's current value.
func (d *Document) MarkImmutable(stage model.Stage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.slotLocked(stage, "MarkImmutable")
	if err != nil {
		return err
	}
	if s.current == nil {
		return fault.Newf(fault.KindStateViolation, "MarkImmutable", "section %s has nothing committed to lock", stage).WithStage(string(stage))
	}
	if s.current.Immutable {
		return nil
	}
	locked := *s.current
	locked.Immutable = true
	s.current = &locked
	s.history[len(s.history)-1] = locked
	return nil
}

// OpenAttempt starts a new attempt of a loop-target section, so a revise or
// retry can write it again. Earlier attempts stay in History. It fails with
// StateViolation for non-loop sections and once the loop is closed.
func (d *Document) OpenAttempt(stage model.Stage) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.slotLocked(stage, "OpenAttempt")
	if err != nil {
		return 0, err
	}
	if !model.LoopStages[stage] {
		return 0, fault.Newf(fault.KindStateViolation, "OpenAttempt", "section %s is not part of the revise/retry loop", stage).WithStage(string(stage))
	}
	if d.loopClosed || s.locked {
		return 0, fault.Newf(fault.KindStateViolation, "OpenAttempt", "loop is closed; section %s is locked", stage).WithStage(string(stage))
	}
	if s.current == nil {
		return s.attempt, nil
	}
	if !s.current.Immutable {
		locked := *s.current
		locked.Immutable = true
		s.history[len(s.history)-1] = locked
	}
	s.attempt++
	s.current = nil
	return s.attempt, nil
}

// Attempt returns the section's open attempt number.
func (d *Document) Attempt(stage model.Stage) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.slots[stage]; ok {
		return s.attempt
	}
	return 0
}

// LockLoop closes the revise/retry loop and locks every loop-target section.
func (d *Document) LockLoop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loopClosed = true
	for stage := range model.LoopStages {
		s, ok := d.slots[stage]
		if !ok {
			continue
		}
		s.locked = true
		if s.current != nil && !s.current.Immutable {
			locked := *s.current
			locked.Immutable = true
			s.current = &locked
			s.history[len(s.history)-1] = locked
		}
	}
}

// LoopClosed reports whether LockLoop ran.
func (d *Document) LoopClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loopClosed
}

// RecordRevise counts one REVISE. Exceeding the revise or total cap is a
// ValidationFail fault and the counter is left unchanged.
func (d *Document) RecordRevise() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reviseCount+1 > d.limits.MaxRevise || d.reviseCount+d.retryCount+1 > d.limits.MaxTotal {
		return d.reviseCount, fault.Newf(fault.KindValidationFail, "RecordRevise",
			"revise budget exhausted (revise=%d retry=%d)", d.reviseCount, d.retryCount)
	}
	d.reviseCount++
	return d.reviseCount, nil
}

// RecordRetry counts one RETRY, with the same cap semantics as RecordRevise.
func (d *Document) RecordRetry() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.retryCount+1 > d.limits.MaxRetry || d.reviseCount+d.retryCount+1 > d.limits.MaxTotal {
		return d.retryCount, fault.Newf(fault.KindValidationFail, "RecordRetry",
			"retry budget exhausted (revise=%d retry=%d)", d.reviseCount, d.retryCount)
	}
	d.retryCount++
	return d.retryCount, nil
}

// Counters returns the revise and retry counts.
func (d *Document) Counters() (revise, retry int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reviseCount, d.retryCount
}

// Status returns the turn status.
func (d *Document) Status() model.Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// Finish sets the terminal status. It can only be set once.
func (d *Document) Finish(st model.Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status.Terminal() {
		return fault.Newf(fault.KindStateViolation, "Finish", "turn already %s", d.status)
	}
	d.status = st
	return nil
}

// Size is the total committed size of all current sections.
func (d *Document) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, s := range d.slots {
		if s.current != nil {
			n += len(s.current.Content)
		}
	}
	return n
}

// Sections returns the current value of every written section in creation
// order.
func (d *Document) Sections() []model.Section {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []model.Section
	for _, stage := range d.order {
		if s := d.slots[stage]; s.current != nil {
			out = append(out, *s.current)
		}
	}
	return out
}

// Compressions returns every compression the document performed.
func (d *Document) Compressions() []compress.Report {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]compress.Report, len(d.compressed))
	copy(out, d.compressed)
	return out
}

// EnforceAggregate compresses the largest mutable sections until the
// document fits limit bytes. Immutable sections and the request are never
// touched; if they alone exceed the limit this is ResourceBudgetExceeded.
func (d *Document) EnforceAggregate(limit int) ([]compress.Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var parts []compress.Part
	var stages []model.Stage
	size := 0
	for _, stage := range d.order {
		s := d.slots[stage]
		if s.current == nil {
			continue
		}
		size += len(s.current.Content)
		parts = append(parts, compress.Part{
			Name:      string(stage),
			Text:      s.current.Content,
			Protected: s.current.Immutable || s.locked || stage == model.StageRequest,
			Options:   compress.Options{Protected: d.protectedLocked(), Query: d.request.Query},
		})
		stages = append(stages, stage)
	}
	if size <= limit {
		return nil, nil
	}
	if d.compressor == nil {
		return nil, fault.Newf(fault.KindBudgetExceeded, "EnforceAggregate", "document is %d bytes, limit %d", size, limit)
	}

	out, reports, err := d.compressor.Document(parts, limit)
	if err != nil {
		return reports, fmt.Errorf("enforce aggregate: %w", err)
	}
	for i, p := range out {
		s := d.slots[stages[i]]
		if p.Text == s.current.Content {
			continue
		}
		sec := *s.current
		sec.Content = p.Text
		sec.Revision++
		sec.WrittenAt = d.now().UTC()
		s.current = &sec
		s.history = append(s.history, sec)
	}
	d.compressed = append(d.compressed, reports...)
	return reports, nil
}

// Render returns the document as markdown.
func (d *Document) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Turn %s\n\n", d.id)
	for _, sec := range d.Sections() {
		fmt.Fprintf(&b, "## %s (attempt %d)\n\n%s\n\n", sec.Stage, sec.Attempt, strings.TrimSpace(sec.Content))
	}
	return strings.TrimSpace(b.String()) + "\n"
}

// Snapshot is a serializable copy of the document.
type Snapshot struct {
	ID          string                          `json:"id"`
	Request     model.TurnRequest               `json:"request"`
	Status      model.Status                    `json:"status"`
	ReviseCount int                             `json:"revise_count"`
	RetryCount  int                             `json:"retry_count"`
	Sections    []model.Section                 `json:"sections"`
	History     map[model.Stage][]model.Section `json:"history"`
}

// Snapshot copies the document's state.
func (d *Document) Snapshot() Snapshot {
	snap := Snapshot{
		ID:       d.id,
		Request:  d.request,
		Status:   d.Status(),
		Sections: d.Sections(),
		History:  map[model.Stage][]model.Section{},
	}
	snap.ReviseCount, snap.RetryCount = d.Counters()
	d.mu.RLock()
	order := append([]model.Stage(nil), d.order...)
	d.mu.RUnlock()
	for _, stage := range order {
		if h := d.History(stage); len(h) > 1 {
			snap.History[stage] = h
		}
	}
	return snap
}

func wrapStage(err error, op string, stage model.Stage) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.WithStage(string(stage))
	}
	return fmt.Errorf("%s %s: %w", op, stage, err)
}
