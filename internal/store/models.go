package store

import "time"

// Pending entry states. Rows are flagged rather than deleted so the queue
// history stays inspectable.
const (
	StatusPending = "pending"
	StatusDone    = "done"
)

// Sync run outcomes.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// DigestUnknown is recorded when the pushed image digest could not be read.
const DigestUnknown = "unknown"

// PendingEntry is a unit of mirror work, unique per
// (source_registry, namespace, image_name).
type PendingEntry struct {
	ID             int64     `db:"id"`
	SourceRegistry string    `db:"source_registry"`
	Namespace      string    `db:"namespace"`
	ImageName      string    `db:"image_name"` // name, possibly with tag
	Platform       string    `db:"platform"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
}

// PushedRecord is the audit row for one completed mirror to one destination.
type PushedRecord struct {
	ID                int64     `db:"id"`
	SourceRegistry    string    `db:"source_registry"`
	TargetRegistry    string    `db:"target_registry"`
	OrigNamespace     string    `db:"orig_namespace"`
	OrigImageName     string    `db:"orig_image_name"`
	TargetNamespace   string    `db:"target_namespace"`
	RegistryImageName string    `db:"registry_image_name"` // fully qualified destination
	ImageSizeMB       float64   `db:"image_size_mb"`
	Digest            string    `db:"digest"`
	Platform          string    `db:"platform"`
	PushedAt          time.Time `db:"pushed_at"`
}

// SyncRun records one pipeline invocation against a target profile.
type SyncRun struct {
	ID           int64     `db:"id"`
	Target       string    `db:"target"`
	StartTime    time.Time `db:"start_time"`
	EndTime      time.Time `db:"end_time"`
	EntriesTotal int       `db:"entries_total"`
	Pushed       int       `db:"pushed"`
	Skipped      int       `db:"skipped"`
	Failed       int       `db:"failed"`
	Status       string    `db:"status"` // "running", "success", "partial", "failed"
	ErrorMessage string    `db:"error_message"`
}
