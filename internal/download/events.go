package download

// EventKind names a progress notification.
type EventKind string

const (
	EventSegmentDone    EventKind = "segment_done"
	EventSegmentRetry   EventKind = "segment_retry"
	EventSegmentDropped EventKind = "segment_dropped"
	EventMerged         EventKind = "merged"
	EventFailed         EventKind = "failed"
	EventFinished       EventKind = "finished"
)

// Event is a progress notification. Fields not meaningful for a kind are zero.
type Event struct {
	Kind    EventKind
	Segment string
	Attempt int
	Err     error
	// Finished and Total count segments. Total is -1 while a live stream
	// is still growing.
	Finished int
	Total    int
	Bytes    int64
	Output   string
}

// emitter publishes events without ever blocking the caller. Events that do
// not fit the channel buffer are discarded.
type emitter struct {
	ch chan<- Event
}

func (e emitter) emit(ev Event) {
	if e.ch == nil {
		return
	}
	select {
	case e.ch <- ev:
	default:
	}
}
