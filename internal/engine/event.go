package engine

import "time"

// EventKind tags discrete engine notifications. The zero value is reserved
// for kinds the orchestrator does not recognise.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventJobAdded
	EventMetadataReady
	EventJobFinished
	EventJobPaused
	EventJobResumed
	EventJobError
	EventPeerConnected
	EventTrackerAnnounced
)

var eventNames = map[EventKind]string{
	EventUnknown:          "unknown",
	EventJobAdded:         "job_added",
	EventMetadataReady:    "metadata_ready",
	EventJobFinished:      "job_finished",
	EventJobPaused:        "job_paused",
	EventJobResumed:       "job_resumed",
	EventJobError:         "job_error",
	EventPeerConnected:    "peer_connected",
	EventTrackerAnnounced: "tracker_announced",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a discrete notification produced by an adapter. JobID is empty for
// session-level events.
type Event struct {
	Kind    EventKind
	JobID   string
	Message string
	At      time.Time
}

// eventQueue is a bounded FIFO. Pushes never block; when full the oldest
// event is dropped and reconciliation catches up on the missed state.
type eventQueue struct {
	ch chan Event
}

func newEventQueue(size int) *eventQueue {
	if size <= 0 {
		size = 256
	}
	return &eventQueue{ch: make(chan Event, size)}
}

func (q *eventQueue) push(ev Event) (dropped bool) {
	select {
	case q.ch <- ev:
		return false
	default:
	}
	select {
	case <-q.ch:
		dropped = true
	default:
	}
	select {
	case q.ch <- ev:
	default:
		dropped = true
	}
	return dropped
}

func (q *eventQueue) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-q.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
