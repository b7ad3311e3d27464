package metrics

import (
	"sync"
	"sync/atomic"
)

// engineStats holds counters for the rule engine. Kept simple/thread-safe for
// use from the executor, the schedulers and exposition.
type engineStats struct {
	eventsIngested      uint64
	executionsCreated   uint64
	executionsCompleted uint64
	executionsFailed    uint64
	executionsEscalated uint64
	duplicatesDropped   uint64
	rateLimitDrops      uint64

	mu               sync.Mutex
	attemptsByChan   map[string]uint64
	failuresByChan   map[string]uint64
	matchesByTrigger map[string]uint64
}

var eng engineStats

// IncEventIngested counts one accepted domain event.
func IncEventIngested() {
	atomic.AddUint64(&eng.eventsIngested, 1)
}

// IncRuleMatched counts one rule match per trigger type.
func IncRuleMatched(trigger string) {
	eng.mu.Lock()
	if eng.matchesByTrigger == nil {
		eng.matchesByTrigger = make(map[string]uint64)
	}
	eng.matchesByTrigger[trigger]++
	eng.mu.Unlock()
}

// IncExecutionCreated counts one ledger record created.
func IncExecutionCreated() {
	atomic.AddUint64(&eng.executionsCreated, 1)
}

// IncExecutionCompleted counts one execution that delivered all actions.
func IncExecutionCompleted() {
	atomic.AddUint64(&eng.executionsCompleted, 1)
}

// IncExecutionFailed counts one execution that exhausted its channels.
func IncExecutionFailed() {
	atomic.AddUint64(&eng.executionsFailed, 1)
}

// IncExecutionEscalated counts one escalation notification fired.
func IncExecutionEscalated() {
	atomic.AddUint64(&eng.executionsEscalated, 1)
}

// IncDuplicateDropped counts one event delivery dropped by idempotency.
func IncDuplicateDropped() {
	atomic.AddUint64(&eng.duplicatesDropped, 1)
}

// IncRateLimitDrop counts one request rejected with HTTP 429.
func IncRateLimitDrop() {
	atomic.AddUint64(&eng.rateLimitDrops, 1)
}

// IncChannelAttempt counts one delivery attempt per channel.
func IncChannelAttempt(channel string, success bool) {
	eng.mu.Lock()
	if eng.attemptsByChan == nil {
		eng.attemptsByChan = make(map[string]uint64)
	}
	eng.attemptsByChan[channel]++
	if !success {
		if eng.failuresByChan == nil {
			eng.failuresByChan = make(map[string]uint64)
		}
		eng.failuresByChan[channel]++
	}
	eng.mu.Unlock()
}

// EngineSnapshot is a copy of the current counters.
type EngineSnapshot struct {
	EventsIngested      uint64            `json:"events_ingested"`
	ExecutionsCreated   uint64            `json:"executions_created"`
	ExecutionsCompleted uint64            `json:"executions_completed"`
	ExecutionsFailed    uint64            `json:"executions_failed"`
	ExecutionsEscalated uint64            `json:"executions_escalated"`
	DuplicatesDropped   uint64            `json:"duplicates_dropped"`
	RateLimitDrops      uint64            `json:"rate_limit_drops"`
	AttemptsByChannel   map[string]uint64 `json:"attempts_by_channel"`
	FailuresByChannel   map[string]uint64 `json:"failures_by_channel"`
	MatchesByTrigger    map[string]uint64 `json:"matches_by_trigger"`
}

// Snapshot returns a copy of the current counters.
func Snapshot() EngineSnapshot {
	snap := EngineSnapshot{
		EventsIngested:      atomic.LoadUint64(&eng.eventsIngested),
		ExecutionsCreated:   atomic.LoadUint64(&eng.executionsCreated),
		ExecutionsCompleted: atomic.LoadUint64(&eng.executionsCompleted),
		ExecutionsFailed:    atomic.LoadUint64(&eng.executionsFailed),
		ExecutionsEscalated: atomic.LoadUint64(&eng.executionsEscalated),
		DuplicatesDropped:   atomic.LoadUint64(&eng.duplicatesDropped),
		RateLimitDrops:      atomic.LoadUint64(&eng.rateLimitDrops),
		AttemptsByChannel:   make(map[string]uint64),
		FailuresByChannel:   make(map[string]uint64),
		MatchesByTrigger:    make(map[string]uint64),
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	for k, v := range eng.attemptsByChan {
		snap.AttemptsByChannel[k] = v
	}
	for k, v := range eng.failuresByChan {
		snap.FailuresByChannel[k] = v
	}
	for k, v := range eng.matchesByTrigger {
		snap.MatchesByTrigger[k] = v
	}
	return snap
}
