// Package trace defines the document-processing trace model and the sync
// engine that keeps subscribers current on a trace's server-side state.
//
// A Trace is a recorded execution of one backend job, composed of ordered
// steps. Steps are append-only while the trace is live and frozen once the
// trace reaches a terminal status. All mutation goes through the sync
// engine; everything else only reads.
package trace

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a trace or one of its steps.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders step statuses so a step can never move backward.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning, StatusPaused:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Step is one unit of work within a trace.
type Step struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"sequenceNumber"`
	Kind       string          `json:"kind"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Status     Status          `json:"status"`
	StartedAt  time.Time       `json:"startedAt"`
	EndedAt    *time.Time      `json:"endedAt,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Trace is a recorded execution of a backend document-processing job.
type Trace struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Steps      []Step     `json:"steps"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`

	// lastSeq is the sequence number of the last applied delta. It can run
	// ahead of the step high-water mark when status-only deltas arrive.
	// Freshly decoded snapshots start at zero; HighWater covers the steps.
	lastSeq int64
}

// Delta is one incremental trace update as emitted by the push channel.
type Delta struct {
	Seq    int64  `json:"sequenceNumber"`
	Status Status `json:"status"`
	Step   *Step  `json:"step,omitempty"`
}

// HighWater returns the highest step sequence number present, or 0 when the
// trace has no steps yet.
func (t *Trace) HighWater() int64 {
	var hw int64
	for _, s := range t.Steps {
		if s.Seq > hw {
			hw = s.Seq
		}
	}
	return hw
}

// Clone returns a deep enough copy for handing snapshots to subscribers:
// the step slice is copied so later applies cannot alias delivered state.
func (t *Trace) Clone() *Trace {
	if t == nil {
		return nil
	}
	out := *t
	out.Steps = make([]Step, len(t.Steps))
	copy(out.Steps, t.Steps)
	return &out
}

// Apply merges a delta into the trace. It returns true when the trace
// changed. Deltas are accepted only in strictly increasing sequence order:
// a delta whose Seq is at or below the current high-water mark is a
// duplicate or a reordering and is dropped. A frozen (terminal) trace
// rejects everything.
func (t *Trace) Apply(d Delta) bool {
	if t.Status.Terminal() {
		return false
	}
	cursor := t.lastSeq
	if hw := t.HighWater(); hw > cursor {
		cursor = hw
	}
	if d.Seq <= cursor {
		return false
	}
	t.lastSeq = d.Seq

	changed := false
	if d.Step != nil {
		step := *d.Step
		if step.Seq == 0 {
			step.Seq = d.Seq
		}
		if t.upsertStep(step) {
			changed = true
		}
	}
	if d.Status != "" && d.Status != t.Status {
		t.Status = d.Status
		if t.Status.Terminal() && t.EndedAt == nil {
			now := time.Now().UTC()
			t.EndedAt = &now
		}
		changed = true
	}
	return changed
}

// upsertStep appends a new step or advances an existing one. A step status
// never moves backward (Pending -> Running -> Completed/Failed only).
func (t *Trace) upsertStep(step Step) bool {
	for i := range t.Steps {
		if t.Steps[i].ID != step.ID {
			continue
		}
		if step.Status.rank() < t.Steps[i].Status.rank() {
			return false
		}
		t.Steps[i] = step
		return true
	}
	t.Steps = append(t.Steps, step)
	return true
}
