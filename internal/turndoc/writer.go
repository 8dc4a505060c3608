package turndoc

import (
	"strings"
	"sync"

	"github.com/rcliao/agent-turns/internal/compress"
	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/model"
)

// Writer buffers partial output for one section. Nothing reaches the
// document until Commit; a cancelled stage calls Discard and the section is
// left exactly as it was.
type Writer struct {
	mu        sync.Mutex
	doc       *Document
	stage     model.Stage
	appending bool
	buf       []string
	done      bool
}

// Writer opens a buffered writer that replaces the section on Commit.
func (d *Document) Writer(stage model.Stage) *Writer {
	return &Writer{doc: d, stage: stage}
}

// Appender opens a buffered writer that appends to the section on Commit.
func (d *Document) Appender(stage model.Stage) *Writer {
	return &Writer{doc: d, stage: stage, appending: true}
}

// Write buffers one chunk.
func (w *Writer) Write(chunk string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return fault.Newf(fault.KindStateViolation, "Writer.Write", "writer for %s already closed", w.stage).WithStage(string(w.stage))
	}
	w.buf = append(w.buf, chunk)
	return nil
}

// Len is the number of buffered bytes.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.buf {
		n += len(c)
	}
	return n
}

// Commit writes the buffered chunks to the document in one operation.
func (w *Writer) Commit() (compress.Result, error) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return compress.Result{}, fault.Newf(fault.KindStateViolation, "Writer.Commit", "writer for %s already closed", w.stage).WithStage(string(w.stage))
	}
	w.done = true
	content := strings.Join(w.buf, "")
	w.buf = nil
	w.mu.Unlock()

	if w.appending {
		return w.doc.AppendSection(w.stage, content)
	}
	return w.doc.WriteSection(w.stage, content)
}

// Discard drops the buffer. It is safe to call after Commit.
func (w *Writer) Discard() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	w.buf = nil
}
