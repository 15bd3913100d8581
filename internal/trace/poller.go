package trace

import (
	"fmt"
	"time"

	"doctrace/internal/logging"
)

// runPoll drives a poll-mode subscription: fetch the snapshot on a fixed
// interval, deliver only when something changed, stop on terminal status
// or cancellation. The ticker never outlives the subscription.
func (s *Subscription) runPoll() {
	defer s.finish()

	// First fetch immediately so subscribers are not blind for a full
	// interval after subscribing.
	if terminal := s.pollOnce(); terminal {
		return
	}

	ticker := time.NewTicker(s.engine.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if terminal := s.pollOnce(); terminal {
				logging.Sync("trace %s reached terminal state, poll stopped", s.traceID)
				return
			}
		}
	}
}

// pollOnce fetches one snapshot. Returns true when polling should stop
// because the trace is terminal. Fetch errors only affect health.
func (s *Subscription) pollOnce() bool {
	var snap Trace
	err := s.engine.client.Get(s.ctx, "/traces/"+s.traceID, nil, &snap)
	if s.ctx.Err() != nil {
		// Cancelled while the fetch was in flight; discard whatever came back.
		return false
	}
	if err != nil {
		s.recordFailure(err)
		return false
	}
	if snap.ID == "" {
		s.recordFailure(fmt.Errorf("snapshot missing trace id"))
		return false
	}

	s.recordSuccess()
	return s.publish(&snap)
}
