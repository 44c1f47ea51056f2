package dial

import (
	"sync"

	"bitbucket.org/yellowmessenger/callcontrol/ymlogger"
)

// Milestone identifies which latency field of an attempt gets recorded.
type Milestone int

const (
	SetupTimeinMs  Milestone = iota
	RingTimeinMs   Milestone = iota
	AnswerTimeinMs Milestone = iota
)

// AttemptLatency holds the signaling latencies of one outbound attempt,
// measured from origination.
type AttemptLatency struct {
	Endpoint   string `json:"endpoint"`
	SetupMs    int64  `json:"setup_ms"`
	RingingMs  int64  `json:"ringing_ms"`
	AnswerMs   int64  `json:"answer_ms"`
	DialStatus string `json:"dial_status"`
}

// LatencyStore collects per-attempt latencies for a call, newest attempt
// last. Milestones always land on the latest attempt.
type LatencyStore struct {
	mu       sync.Mutex
	attempts []AttemptLatency
}

// AddAttempt appends a fresh latency record for the given endpoint.
func (l *LatencyStore) AddAttempt(callSID string, endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attempts == nil {
		l.attempts = []AttemptLatency{}
	}
	ymlogger.LogInfof(callSID, "[DialLatency] Appending new attempt for [%s]", endpoint)
	l.attempts = append(l.attempts, AttemptLatency{Endpoint: endpoint})
}

// Record stores a milestone latency on the latest attempt. It reports false
// when no attempt exists yet or the milestone is unknown.
func (l *LatencyStore) Record(callSID string, milestone Milestone, ms int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.attempts) == 0 {
		return false
	}
	index := len(l.attempts) - 1
	switch milestone {
	case SetupTimeinMs:
		l.attempts[index].SetupMs = ms
	case RingTimeinMs:
		l.attempts[index].RingingMs = ms
	case AnswerTimeinMs:
		l.attempts[index].AnswerMs = ms
	default:
		return false
	}
	return true
}

// SetDialStatus stamps the terminal dial status on the latest attempt.
func (l *LatencyStore) SetDialStatus(callSID string, status Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.attempts) == 0 {
		return
	}
	l.attempts[len(l.attempts)-1].DialStatus = status.String()
	ymlogger.LogInfof(callSID, "[DialLatency] Attempts [%#v]", l.attempts)
}

// Attempts returns a copy of the collected attempt latencies.
func (l *LatencyStore) Attempts() []AttemptLatency {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AttemptLatency, len(l.attempts))
	copy(out, l.attempts)
	return out
}
