package engine

import (
	"sort"
	"sync"
	"time"
)

// SyncPhase represents the current phase of a sync run.
type SyncPhase string

const (
	PhasePlanning  SyncPhase = "planning"
	PhaseMirroring SyncPhase = "mirroring"
	PhaseComplete  SyncPhase = "complete"
	PhaseFailed    SyncPhase = "failed"
	PhaseCancelled SyncPhase = "cancelled"
)

// EntryEvent records a finished entry for the recent activity log.
type EntryEvent struct {
	Image       string  `json:"image"`
	Destination string  `json:"destination,omitempty"`
	Status      string  `json:"status"` // "pushed", "skipped", "failed"
	Error       string  `json:"error,omitempty"`
	SizeMB      float64 `json:"size_mb,omitempty"`
}

// SyncProgress is a snapshot of the current run, safe for JSON serialization.
type SyncProgress struct {
	Target         string       `json:"target"`
	Phase          SyncPhase    `json:"phase"`
	TotalEntries   int          `json:"total_entries"`
	PushedEntries  int          `json:"pushed_entries"`
	FailedEntries  int          `json:"failed_entries"`
	SkippedEntries int          `json:"skipped_entries"`
	Percent        float64      `json:"percent"`
	InFlight       []string     `json:"in_flight,omitempty"`
	RecentEvents   []EntryEvent `json:"recent_events,omitempty"`
	StartTime      time.Time    `json:"start_time"`
	Elapsed        string       `json:"elapsed"`
	Message        string       `json:"message,omitempty"`
}

// SyncTracker accumulates progress from pipeline workers.
// Watchers use Wait() to block until the next update.
type SyncTracker struct {
	mu sync.Mutex

	target    string
	phase     SyncPhase
	total     int
	pushed    int
	failed    int
	skipped   int
	startTime time.Time
	message   string

	inFlight map[string]struct{}

	// Rolling log of recent finished entries (capped at 20)
	recentEvents []EntryEvent

	// Close-and-replace: any update closes the current channel.
	notify chan struct{}
}

// NewSyncTracker creates a tracker for the given target.
func NewSyncTracker(target string) *SyncTracker {
	return &SyncTracker{
		target:    target,
		phase:     PhasePlanning,
		startTime: time.Now(),
		inFlight:  make(map[string]struct{}),
		notify:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the current progress state.
func (t *SyncTracker) Snapshot() SyncProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pct float64
	if t.total > 0 {
		pct = float64(t.pushed+t.failed+t.skipped) / float64(t.total) * 100
	}

	inFlight := make([]string, 0, len(t.inFlight))
	for image := range t.inFlight {
		inFlight = append(inFlight, image)
	}
	sort.Strings(inFlight)

	recent := make([]EntryEvent, len(t.recentEvents))
	copy(recent, t.recentEvents)

	return SyncProgress{
		Target:         t.target,
		Phase:          t.phase,
		TotalEntries:   t.total,
		PushedEntries:  t.pushed,
		FailedEntries:  t.failed,
		SkippedEntries: t.skipped,
		Percent:        pct,
		InFlight:       inFlight,
		RecentEvents:   recent,
		StartTime:      t.startTime,
		Elapsed:        time.Since(t.startTime).Truncate(time.Second).String(),
		Message:        t.message,
	}
}

// Wait returns a channel that will be closed when the next update occurs.
func (t *SyncTracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *SyncTracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// SetPhase updates the current phase.
func (t *SyncTracker) SetPhase(phase SyncPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.signal()
}

// SetTotal sets the number of pending entries in this run.
func (t *SyncTracker) SetTotal(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
	t.signal()
}

// SetMessage sets a human-readable status message.
func (t *SyncTracker) SetMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = msg
	t.signal()
}

// EntryStarted marks image as being worked on.
func (t *SyncTracker) EntryStarted(image string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[image] = struct{}{}
	t.signal()
}

func (t *SyncTracker) addRecentEvent(ev EntryEvent) {
	t.recentEvents = append([]EntryEvent{ev}, t.recentEvents...)
	if len(t.recentEvents) > 20 {
		t.recentEvents = t.recentEvents[:20]
	}
}

// EntryPushed marks image as mirrored to destination.
func (t *SyncTracker) EntryPushed(image, destination string, sizeMB float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, image)
	t.pushed++
	t.addRecentEvent(EntryEvent{Image: image, Destination: destination, Status: "pushed", SizeMB: sizeMB})
	t.signal()
}

// EntrySkipped marks image as already present on the target.
func (t *SyncTracker) EntrySkipped(image string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, image)
	t.skipped++
	t.addRecentEvent(EntryEvent{Image: image, Status: "skipped"})
	t.signal()
}

// EntryFailed marks image as failed with an error reason.
func (t *SyncTracker) EntryFailed(image, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, image)
	t.failed++
	t.addRecentEvent(EntryEvent{Image: image, Status: "failed", Error: errMsg})
	t.signal()
}
