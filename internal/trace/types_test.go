package trace

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newRunningTrace(id string, steps ...Step) *Trace {
	return &Trace{
		ID:        id,
		Status:    StatusRunning,
		Steps:     steps,
		StartedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusRunning, StatusPaused} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestApplyInOrder(t *testing.T) {
	tr := newRunningTrace("t1")

	if !tr.Apply(Delta{Seq: 1, Step: &Step{ID: "s1", Seq: 1, Kind: "ocr", Status: StatusRunning}}) {
		t.Fatal("first delta should apply")
	}
	if !tr.Apply(Delta{Seq: 2, Step: &Step{ID: "s2", Seq: 2, Kind: "extract", Status: StatusPending}}) {
		t.Fatal("second delta should apply")
	}

	if got := tr.HighWater(); got != 2 {
		t.Errorf("HighWater = %d, want 2", got)
	}
	if len(tr.Steps) != 2 {
		t.Errorf("got %d steps, want 2", len(tr.Steps))
	}
}

func TestApplyDropsDuplicatesAndReorders(t *testing.T) {
	tr := newRunningTrace("t1")

	tr.Apply(Delta{Seq: 3, Step: &Step{ID: "s3", Seq: 3, Status: StatusRunning}})

	// Duplicate
	if tr.Apply(Delta{Seq: 3, Step: &Step{ID: "s3", Seq: 3, Status: StatusCompleted}}) {
		t.Error("duplicate seq should be dropped")
	}
	// Reordered (older than high water)
	if tr.Apply(Delta{Seq: 1, Step: &Step{ID: "s1", Seq: 1, Status: StatusRunning}}) {
		t.Error("out-of-order seq should be dropped")
	}
	if len(tr.Steps) != 1 {
		t.Errorf("got %d steps, want 1", len(tr.Steps))
	}
}

func TestApplyStatusOnlyAdvancesCursor(t *testing.T) {
	tr := newRunningTrace("t1")

	if !tr.Apply(Delta{Seq: 5, Status: StatusPaused}) {
		t.Fatal("status-only delta should apply")
	}
	// Same seq replayed must be dropped even with no steps present.
	if tr.Apply(Delta{Seq: 5, Status: StatusRunning}) {
		t.Error("replayed status-only delta should be dropped")
	}
	if tr.Status != StatusPaused {
		t.Errorf("status = %s, want paused", tr.Status)
	}
}

func TestApplyFrozenAfterTerminal(t *testing.T) {
	tr := newRunningTrace("t1")

	if !tr.Apply(Delta{Seq: 1, Status: StatusCompleted}) {
		t.Fatal("terminal delta should apply")
	}
	if tr.EndedAt == nil {
		t.Error("terminal transition should set EndedAt")
	}
	if tr.Apply(Delta{Seq: 2, Status: StatusRunning}) {
		t.Error("terminal trace must reject further deltas")
	}
}

func TestApplyStepNeverMovesBackward(t *testing.T) {
	tr := newRunningTrace("t1")

	tr.Apply(Delta{Seq: 1, Step: &Step{ID: "s1", Seq: 1, Status: StatusCompleted}})
	applied := tr.Apply(Delta{Seq: 2, Step: &Step{ID: "s1", Seq: 1, Status: StatusRunning}})

	if applied {
		t.Error("backward step transition should not count as a change")
	}
	if tr.Steps[0].Status != StatusCompleted {
		t.Errorf("step status = %s, want completed", tr.Steps[0].Status)
	}
}

func TestMonotonicSequenceProperty(t *testing.T) {
	// In-order, duplicated, and reordered deltas: the applied sequence of
	// seq numbers must be strictly increasing with no repeats.
	feed := []int64{1, 2, 2, 1, 3, 5, 4, 5, 6, 3, 7}
	tr := newRunningTrace("t1")

	var applied []int64
	for _, seq := range feed {
		d := Delta{Seq: seq, Step: &Step{ID: stepID(seq), Seq: seq, Status: StatusRunning}}
		if tr.Apply(d) {
			applied = append(applied, seq)
		}
	}

	want := []int64{1, 2, 3, 5, 6, 7}
	if diff := cmp.Diff(want, applied); diff != "" {
		t.Errorf("applied sequence mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i < len(applied); i++ {
		if applied[i] <= applied[i-1] {
			t.Fatalf("sequence not strictly increasing: %v", applied)
		}
	}
}

func TestCloneIsolatesSteps(t *testing.T) {
	tr := newRunningTrace("t1", Step{ID: "s1", Seq: 1, Status: StatusRunning})
	snap := tr.Clone()

	tr.Apply(Delta{Seq: 2, Step: &Step{ID: "s1", Seq: 2, Status: StatusCompleted}})

	if snap.Steps[0].Status != StatusRunning {
		t.Error("clone should not see later mutations")
	}
	if diff := cmp.Diff(tr, tr.Clone(), cmp.AllowUnexported(Trace{}), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("clone differs from source (-want +got):\n%s", diff)
	}
}

func stepID(seq int64) string {
	return "s" + string(rune('0'+seq))
}
