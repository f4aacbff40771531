package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	kit "lookupbot/internal/transport"
)

var (
	// ErrJobActive refuses a second Start while a job is awaiting content
	// or running. Jobs are never queued.
	ErrJobActive = errors.New("a broadcast is already active")

	// ErrNoActiveJob is returned by SupplyContent/Cancel when nothing is
	// in flight.
	ErrNoActiveJob = errors.New("no active broadcast")
)

// State is the broadcast job lifecycle.
//
//	Idle -> AwaitingContent -> Running -> Finished
//	                 |            |
//	               cancel       cancel
//	                 v            v
//	              Cancelled    Cancelled
type State int32

const (
	StateIdle State = iota
	StateAwaitingContent
	StateRunning
	StateCancelled
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingContent:
		return "awaiting_content"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Active reports whether the state occupies the single-flight slot.
func (s State) Active() bool {
	return s == StateAwaitingContent || s == StateRunning
}

// Payload is the broadcast content: text, or one media item with an
// optional caption. It is captured once at SupplyContent and immutable for
// the duration of the job.
type Payload struct {
	Text    string
	Media   *kit.MediaItem
	Caption string
}

// Job is one broadcast run. State transitions go through compare-and-swap
// so the single-flight invariant never depends on unguarded field writes.
type Job struct {
	ID string

	state atomic.Int32

	mu        sync.Mutex
	sent      int
	failed    int
	total     int
	payload   Payload
	createdAt time.Time
	startedAt time.Time
	doneAt    time.Time
}

func (j *Job) State() State { return State(j.state.Load()) }

func (j *Job) tryTransition(from, to State) bool {
	return j.state.CompareAndSwap(int32(from), int32(to))
}

func (j *Job) markSent() {
	j.mu.Lock()
	j.sent++
	j.mu.Unlock()
}

func (j *Job) markFailed() {
	j.mu.Lock()
	j.failed++
	j.mu.Unlock()
}

// Progress is a point-in-time snapshot of a job.
//
// Total is the population count taken when the job started and is an
// estimate only: the population is iterated live, so Sent+Failed is the
// authoritative completion signal.
type Progress struct {
	JobID     string
	State     State
	Sent      int
	Failed    int
	Total     int
	StartedAt time.Time
}

func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Progress{
		JobID:     j.ID,
		State:     j.State(),
		Sent:      j.sent,
		Failed:    j.failed,
		Total:     j.total,
		StartedAt: j.startedAt,
	}
}

// ProgressFunc receives throttled progress snapshots. Implementations may
// fail freely; emission failures are swallowed and never abort the job.
type ProgressFunc func(Progress)
