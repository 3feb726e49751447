package engine

import (
	"fmt"
	"testing"
	"time"
)

func TestSyncTrackerSnapshot(t *testing.T) {
	tr := NewSyncTracker("private")
	tr.SetTotal(4)
	tr.SetPhase(PhaseMirroring)

	tr.EntryStarted("library/redis:7")
	tr.EntryStarted("library/nginx:1.25")
	snap := tr.Snapshot()
	if len(snap.InFlight) != 2 || snap.InFlight[0] != "library/nginx:1.25" {
		t.Fatalf("unexpected in-flight list: %v", snap.InFlight)
	}

	tr.EntryPushed("library/redis:7", "registry.example.com/library/redis:7", 12.5)
	tr.EntryFailed("library/nginx:1.25", "denied")
	tr.EntrySkipped("library/alpine:3.20")

	snap = tr.Snapshot()
	if snap.PushedEntries != 1 || snap.FailedEntries != 1 || snap.SkippedEntries != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.Percent != 75 {
		t.Fatalf("expected 75%%, got %v", snap.Percent)
	}
	if len(snap.InFlight) != 0 {
		t.Fatalf("expected nothing in flight, got %v", snap.InFlight)
	}
	if snap.RecentEvents[0].Status != "skipped" || snap.RecentEvents[2].SizeMB != 12.5 {
		t.Fatalf("unexpected recent events: %+v", snap.RecentEvents)
	}
}

func TestSyncTrackerRecentEventsCapped(t *testing.T) {
	tr := NewSyncTracker("private")
	for i := 0; i < 30; i++ {
		tr.EntrySkipped(fmt.Sprintf("img-%d", i))
	}
	snap := tr.Snapshot()
	if len(snap.RecentEvents) != 20 {
		t.Fatalf("expected 20 recent events, got %d", len(snap.RecentEvents))
	}
	if snap.RecentEvents[0].Image != "img-29" {
		t.Fatalf("expected newest event first, got %s", snap.RecentEvents[0].Image)
	}
}

func TestSyncTrackerWaitIsSignalled(t *testing.T) {
	tr := NewSyncTracker("private")
	ch := tr.Wait()

	go tr.SetMessage("working")

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("wait channel was not closed on update")
	}
	if tr.Snapshot().Message != "working" {
		t.Fatal("message not recorded")
	}
}
