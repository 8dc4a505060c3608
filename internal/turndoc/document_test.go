package turndoc

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rcliao/agent-turns/internal/compress"
	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/model"
)

const query = "Find a quiet hamster wheel for a syrian hamster"

func newTestDoc(t *testing.T) *Document {
	t.Helper()
	req := model.TurnRequest{UserID: "u1", Query: query}
	return New("turn-1", req, compress.New(zaptest.NewLogger(t)), WithLogger(zaptest.NewLogger(t)))
}

func paragraph(i int) string {
	return fmt.Sprintf("Note %d: owners compared wheel diameters, bearing noise and mounting options in round %d of the survey.", i, i)
}

func TestWriteAndRead(t *testing.T) {
	d := newTestDoc(t)
	require.NoError(t, d.CreateSection(model.StageIntake, 500))

	_, err := d.ReadSection(model.StageIntake)
	assert.True(t, errors.Is(err, fault.ErrRetrievalMiss), "unwritten section is a miss")

	_, err = d.WriteSection(model.StageIntake, "intent: buy a wheel")
	require.NoError(t, err)

	sec, err := d.ReadSection(model.StageIntake)
	require.NoError(t, err)
	assert.Equal(t, "intent: buy a wheel", sec.Content)
	assert.Equal(t, 1, sec.Attempt)
	assert.Equal(t, 500, sec.Budget)
}

func TestCreateSectionTwiceFails(t *testing.T) {
	d := newTestDoc(t)
	require.NoError(t, d.CreateSection(model.StagePlan, 100))
	assert.Error(t, d.CreateSection(model.StagePlan, 100))
	assert.Error(t, d.CreateSection(model.StageResponse, 0))
}

func TestWriteUnknownSectionIsMiss(t *testing.T) {
	d := newTestDoc(t)
	_, err := d.WriteSection(model.StageContext, "x")
	assert.True(t, errors.Is(err, fault.ErrRetrievalMiss))
}

func TestImmutableSectionRejectsWrites(t *testing.T) {
	d := newTestDoc(t)
	require.NoError(t, d.CreateSection(model.StageIntake, 500))
	_, err := d.WriteSection(model.StageIntake, "original")
	require.NoError(t, err)
	require.NoError(t, d.MarkImmutable(model.StageIntake))

	for _, write := range []func() error{
		func() error { _, err := d.WriteSection(model.StageIntake, "rewrite"); return err },
		func() error { _, err := d.AppendSection(model.StageIntake, "more"); return err },
	} {
		err := write()
		require.Error(t, err)
		assert.True(t, errors.Is(err, fault.ErrStateViolation))
	}
	assert.Equal(t, "original", d.Content(model.StageIntake))
	assert.Len(t, d.History(model.StageIntake), 1)
}

func TestLatePlanWriteIsStateViolation(t *testing.T) {
	d := newTestDoc(t)
	require.NoError(t, d.CreateSection(model.StagePlan, 1000))
	_, err := d.WriteSection(model.StagePlan, "route: execute\n1. search wheels")
	require.NoError(t, err)
	require.NoError(t, d.MarkImmutable(model.StagePlan))

	_, err = d.WriteSection(model.StagePlan, "route: synthesize")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrStateViolation))
	assert.Equal(t, fault.Abort, fault.DispositionOf(err))

	sec, err := d.ReadSection(model.StagePlan)
	require.NoError(t, err)
	assert.Equal(t, "route: execute\n1. search wheels", sec.Content)
	assert.True(t, sec.Immutable)
}

func TestOpenAttemptKeepsAuditTrail(t *testing.T) {
	d := newTestDoc(t)
	require.NoError(t, d.CreateSection(model.StageResponse, 1000))
	_, err := d.WriteSection(model.StageResponse, "draft one")
	require.NoError(t, err)

	n, err := d.OpenAttempt(model.StageResponse)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = d.ReadSection(model.StageResponse)
	assert.True(t, errors.Is(err, fault.ErrRetrievalMiss), "new attempt starts empty")

	_, err = d.WriteSection(model.StageResponse, "draft two")
	require.NoError(t, err)

	hist := d.History(model.StageResponse)
	require.Len(t, hist, 2)
	assert.Equal(t, "draft one", hist[0].Content)
	assert.True(t, hist[0].Immutable, "superseded attempts are frozen")
	assert.Equal(t, 1, hist[0].Attempt)
	assert.Equal(t, "draft two", hist[1].Content)
	assert.Equal(t, 2, hist[1].Attempt)
}

func TestOpenAttemptRejectsNonLoopSections(t *testing.T) {
	d := newTestDoc(t)
	require.NoError(t, d.CreateSection(model.StageIntake, 100))
	_, err := d.OpenAttempt(model.StageIntake)
	assert.True(t, errors.Is(err, fault.ErrStateViolation))
}

func TestLockLoopFreezesLoopSections(t *testing.T) {
	d := newTestDoc(t)
	for _, st := range []model.Stage{model.StagePlan, model.StageResponse} {
		require.NoError(t, d.CreateSection(st, 500))
		_, err := d.WriteSection(st, string(st)+" content")
		require.NoError(t, err)
	}
	d.LockLoop()
	assert.True(t, d.LoopClosed())

	_, err := d.OpenAttempt(model.StageResponse)
	assert.True(t, errors.Is(err, fault.ErrStateViolation))
	_, err = d.WriteSection(model.StagePlan, "late")
	assert.True(t, errors.Is(err, fault.ErrStateViolation))

	sec, err := d.ReadSection(model.StageResponse)
	require.NoError(t, err)
	assert.True(t, sec.Immutable)
}

func TestLoopBounds(t *testing.T) {
	tests := []struct {
		name    string
		ops     string // r = revise, t = retry
		wantErr int    // index of the first op that must fail, -1 for none
	}{
		{"two revises", "rr", -1},
		{"third revise fails", "rrr", 2},
		{"second retry fails", "tt", 1},
		{"mixed up to cap", "rrt", -1},
		{"fourth of mixed fails", "rtrr", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDoc(t)
			failed := -1
			for i, op := range tt.ops {
				var err error
				if op == 'r' {
					_, err = d.RecordRevise()
				} else {
					_, err = d.RecordRetry()
				}
				if err != nil {
					assert.True(t, errors.Is(err, fault.ErrValidationFail))
					failed = i
					break
				}
			}
			assert.Equal(t, tt.wantErr, failed)

			revise, retry := d.Counters()
			assert.LessOrEqual(t, revise, 2)
			assert.LessOrEqual(t, retry, 1)
			assert.LessOrEqual(t, revise+retry, 3)
		})
	}
}

func TestAppendBeyondBudgetCompresses(t *testing.T) {
	d := newTestDoc(t)
	const budget = 600
	require.NoError(t, d.CreateSection(model.StageContext, budget))
	_, err := d.WriteSection(model.StageContext, "Request: "+query)
	require.NoError(t, err)

	appended := 0
	for i := 0; appended <= 2*budget; i++ {
		p := paragraph(i)
		appended += len(p)
		_, err := d.AppendSection(model.StageContext, p)
		require.NoError(t, err)
	}

	require.NotEmpty(t, d.Compressions(), "compression must run")
	sec, err := d.ReadSection(model.StageContext)
	require.NoError(t, err)
	assert.LessOrEqual(t, sec.Size(), budget)
	assert.Contains(t, sec.Content, query)
}

func TestWriteFailsWhenProtectedExceedsBudget(t *testing.T) {
	d := newTestDoc(t)
	require.NoError(t, d.CreateSection(model.StageIntake, 20))

	_, err := d.WriteSection(model.StageIntake, "Request: "+query+"\n\n"+paragraph(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrBudgetExceeded))
	assert.Equal(t, fault.Halt, fault.DispositionOf(err))

	_, err = d.ReadSection(model.StageIntake)
	assert.True(t, errors.Is(err, fault.ErrRetrievalMiss), "failed write commits nothing")
}

func TestEnforceAggregateSparesImmutable(t *testing.T) {
	d := newTestDoc(t)
	require.NoError(t, d.CreateSection(model.StageRequest, 200))
	require.NoError(t, d.CreateSection(model.StageIntake, 4000))
	require.NoError(t, d.CreateSection(model.StageContext, 4000))

	_, err := d.WriteSection(model.StageRequest, query)
	require.NoError(t, err)
	require.NoError(t, d.MarkImmutable(model.StageRequest))

	var intake []string
	for i := 0; i < 4; i++ {
		intake = append(intake, paragraph(i))
	}
	_, err = d.WriteSection(model.StageIntake, strings.Join(intake, "\n\n"))
	require.NoError(t, err)
	require.NoError(t, d.MarkImmutable(model.StageIntake))
	intakeBefore := d.Content(model.StageIntake)

	var ctx []string
	for i := 10; i < 40; i++ {
		ctx = append(ctx, paragraph(i))
	}
	_, err = d.WriteSection(model.StageContext, strings.Join(ctx, "\n\n"))
	require.NoError(t, err)

	limit := 1500
	reports, err := d.EnforceAggregate(limit)
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	assert.Equal(t, "context", reports[0].Name)
	assert.LessOrEqual(t, d.Size(), limit)
	assert.Equal(t, intakeBefore, d.Content(model.StageIntake))
	assert.Equal(t, query, d.Content(model.StageRequest))
}

func TestWriterCommitAndDiscard(t *testing.T) {
	d := newTestDoc(t)
	require.NoError(t, d.CreateSection(model.StageExecution, 1000))

	w := d.Appender(model.StageExecution)
	require.NoError(t, w.Write("step 1 done"))
	w.Discard()
	_, err := d.ReadSection(model.StageExecution)
	assert.True(t, errors.Is(err, fault.ErrRetrievalMiss), "discarded writes never land")
	assert.Error(t, w.Write("late"))

	w = d.Appender(model.StageExecution)
	require.NoError(t, w.Write("step 1 "))
	require.NoError(t, w.Write("done"))
	assert.Equal(t, len("step 1 done"), w.Len())
	_, err = w.Commit()
	require.NoError(t, err)

	w = d.Appender(model.StageExecution)
	require.NoError(t, w.Write("step 2 done"))
	_, err = w.Commit()
	require.NoError(t, err)
	_, err = w.Commit()
	assert.True(t, errors.Is(err, fault.ErrStateViolation))

	assert.Equal(t, "step 1 done\n\nstep 2 done", d.Content(model.StageExecution))
}

func TestFinishOnlyOnce(t *testing.T) {
	d := newTestDoc(t)
	require.NoError(t, d.CreateSection(model.StageResponse, 100))
	require.NoError(t, d.Finish(model.StatusCompleted))
	assert.Error(t, d.Finish(model.StatusFailed))

	_, err := d.WriteSection(model.StageResponse, "after the end")
	assert.True(t, errors.Is(err, fault.ErrStateViolation))
}

func TestSnapshotAndRender(t *testing.T) {
	d := newTestDoc(t)
	require.NoError(t, d.CreateSection(model.StageRequest, 200))
	require.NoError(t, d.CreateSection(model.StageResponse, 200))
	_, err := d.WriteSection(model.StageRequest, query)
	require.NoError(t, err)
	_, err = d.WriteSection(model.StageResponse, "first")
	require.NoError(t, err)
	_, err = d.OpenAttempt(model.StageResponse)
	require.NoError(t, err)
	_, err = d.WriteSection(model.StageResponse, "second")
	require.NoError(t, err)
	_, err = d.RecordRevise()
	require.NoError(t, err)

	snap := d.Snapshot()
	assert.Equal(t, "turn-1", snap.ID)
	assert.Equal(t, 1, snap.ReviseCount)

	var got []string
	for _, s := range snap.Sections {
		got = append(got, string(s.Stage)+"="+s.Content)
	}
	if diff := cmp.Diff([]string{"request=" + query, "response=second"}, got); diff != "" {
		t.Errorf("sections mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, snap.History[model.StageResponse], 2)
	assert.NotContains(t, snap.History, model.StageRequest)

	out := d.Render()
	assert.Contains(t, out, "# Turn turn-1")
	assert.Contains(t, out, "## response (attempt 2)")
	assert.NotContains(t, out, "first")
}
