package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"doctrace/internal/logging"
)

// backoffDelay returns the reconnect delay for the given attempt:
// base * 2^attempt, capped at max. Attempt 0 is the first retry.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// runPush drives a push-mode subscription: open the SSE stream, resync from
// a full snapshot, then apply deltas in strictly increasing sequence order.
// Connection loss reconnects with exponential backoff for as long as the
// subscription is open; every reconnect resyncs before deltas resume so a
// gap from missed events heals.
func (s *Subscription) runPush() {
	defer s.finish()

	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		resp, err := s.engine.client.Stream(s.ctx, "/traces/"+s.traceID+"/stream")
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.recordFailure(err)
			if !s.sleep(backoffDelay(s.engine.opts.BackoffBase, s.engine.opts.BackoffMax, attempt)) {
				return
			}
			attempt++
			continue
		}

		// Full snapshot first: deltas only make sense against current state.
		current, err := s.resync()
		if err != nil {
			resp.Body.Close()
			if s.ctx.Err() != nil {
				return
			}
			s.recordFailure(err)
			if !s.sleep(backoffDelay(s.engine.opts.BackoffBase, s.engine.opts.BackoffMax, attempt)) {
				return
			}
			attempt++
			continue
		}

		s.recordSuccess()
		attempt = 0
		if terminal := s.publish(current); terminal {
			resp.Body.Close()
			logging.Sync("trace %s terminal at resync, stream closed", s.traceID)
			return
		}

		terminal := s.readEvents(resp.Body, current)
		resp.Body.Close()
		if terminal {
			logging.Sync("trace %s reached terminal state, stream closed", s.traceID)
			return
		}
		if s.ctx.Err() != nil {
			return
		}

		// Connection lost mid-stream.
		s.recordFailure(fmt.Errorf("stream disconnected"))
		logging.SyncDebug("stream for %s disconnected, reconnecting", s.traceID)
		if !s.sleep(backoffDelay(s.engine.opts.BackoffBase, s.engine.opts.BackoffMax, attempt)) {
			return
		}
		attempt++
	}
}

// resync fetches the authoritative snapshot the delta stream resumes from.
func (s *Subscription) resync() (*Trace, error) {
	var snap Trace
	if err := s.engine.client.Get(s.ctx, "/traces/"+s.traceID, nil, &snap); err != nil {
		return nil, fmt.Errorf("resync snapshot: %w", err)
	}
	if snap.ID == "" {
		return nil, fmt.Errorf("resync snapshot missing trace id")
	}
	return &snap, nil
}

// readEvents consumes SSE events until the connection drops, the trace
// goes terminal, or the subscription is cancelled. Returns whether the
// trace reached a terminal state.
func (s *Subscription) readEvents(body io.Reader, current *Trace) bool {
	scanner := bufio.NewScanner(body)
	var eventData bytes.Buffer

	for scanner.Scan() {
		if s.ctx.Err() != nil {
			return false
		}

		line := scanner.Text()
		if line == "" {
			// End of event
			data := strings.TrimSuffix(eventData.String(), "\n")
			eventData.Reset()
			if data == "" {
				continue
			}
			if terminal := s.handleDelta(data, current); terminal {
				return true
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "data: "):
			eventData.WriteString(strings.TrimPrefix(line, "data: "))
			eventData.WriteByte('\n')
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive, ignore
		default:
			// event:, id:, retry: fields are not used by this stream
		}
	}

	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		logging.Get(logging.CategorySync).Warn("stream read error for %s: %v", s.traceID, err)
	}
	return false
}

// handleDelta parses and applies one delta. Out-of-order and duplicate
// deltas (sequence at or below the last applied) are dropped by Apply.
// Returns whether the trace reached a terminal state.
func (s *Subscription) handleDelta(data string, current *Trace) bool {
	var d Delta
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		s.recordFailure(fmt.Errorf("parse delta: %w", err))
		return false
	}
	s.recordSuccess()

	if !current.Apply(d) {
		logging.SyncDebug("dropped stale delta seq=%d for %s", d.Seq, s.traceID)
		return false
	}
	return s.publishApplied(current)
}

// sleep waits for d or until the subscription is cancelled. Returns false
// when cancelled.
func (s *Subscription) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}
