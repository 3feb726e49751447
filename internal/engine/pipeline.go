package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Celdrick/mydocker/internal/config"
	"github.com/Celdrick/mydocker/internal/metrics"
	"github.com/Celdrick/mydocker/internal/mover"
	"github.com/Celdrick/mydocker/internal/reference"
	"github.com/Celdrick/mydocker/internal/store"
)

// Entry outcomes reported by the pipeline.
const (
	EntryPushed  = "pushed"
	EntrySkipped = "skipped"
	EntryFailed  = "failed"
	EntryPlanned = "planned"
)

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// Workers is the number of entries mirrored at once. Values below 2 run
	// entries one after another.
	Workers int
	// DryRun logs the planned source and destination of each entry without
	// calling the mover or writing to the store.
	DryRun bool
	// Targets lists every registry host an image must reach before its
	// pending entry is marked done. Empty means only the run's own target.
	Targets []string
}

// EntryResult describes what happened to one pending entry.
type EntryResult struct {
	ID          int64   `json:"id"`
	Source      string  `json:"source"`
	Destination string  `json:"destination,omitempty"`
	Outcome     string  `json:"outcome"`
	SizeMB      float64 `json:"size_mb,omitempty"`
	Digest      string  `json:"digest,omitempty"`
	Completed   bool    `json:"completed,omitempty"`
	Error       string  `json:"error,omitempty"`
	err         error
}

// Err returns the error that failed the entry, if any.
func (r EntryResult) Err() error { return r.err }

// SyncReport summarizes one RunSync call.
type SyncReport struct {
	Target    string        `json:"target"`
	Registry  string        `json:"registry"`
	RunID     int64         `json:"run_id,omitempty"`
	DryRun    bool          `json:"dry_run"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Total     int           `json:"total"`
	Pushed    int           `json:"pushed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Completed int           `json:"completed"`
	Status    string        `json:"status"`
	Entries   []EntryResult `json:"entries"`
}

// Duration returns how long the run took.
func (r *SyncReport) Duration() time.Duration { return r.EndTime.Sub(r.StartTime) }

// Failures returns the failed entries.
func (r *SyncReport) Failures() []EntryResult {
	var out []EntryResult
	for _, e := range r.Entries {
		if e.Outcome == EntryFailed {
			out = append(out, e)
		}
	}
	return out
}

// Pipeline mirrors pending entries to a target registry.
type Pipeline struct {
	store  StateStore
	mover  mover.Mover
	opts   PipelineOptions
	logger *slog.Logger

	trackerMu     sync.RWMutex
	activeTracker *SyncTracker
}

// NewPipeline creates a Pipeline.
func NewPipeline(st StateStore, mv mover.Mover, opts PipelineOptions, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Pipeline{
		store:  st,
		mover:  mv,
		opts:   opts,
		logger: logger,
	}
}

// ActiveProgress returns the tracker of the current or last run, or nil.
func (p *Pipeline) ActiveProgress() *SyncTracker {
	p.trackerMu.RLock()
	defer p.trackerMu.RUnlock()
	return p.activeTracker
}

// RunSync mirrors every pending entry to the registry of profile. Entry
// failures are recorded in the report and never abort the run; an error is
// returned only when the pending entries cannot be listed.
func (p *Pipeline) RunSync(ctx context.Context, profile config.TargetProfile) (*SyncReport, error) {
	host := profile.Host()
	if host == "" {
		return nil, fmt.Errorf("target %q has no registry", profile.Name)
	}
	name := profile.Name
	if name == "" {
		name = host
	}

	logger := p.logger.With("target", name, "registry", host)
	logger.Info("starting sync", "dry_run", p.opts.DryRun, "workers", p.opts.Workers)

	// The tracker stays installed after the run so watchers can read the
	// terminal snapshot.
	tracker := NewSyncTracker(name)
	tracker.SetMessage("Listing pending entries for " + name)
	p.trackerMu.Lock()
	p.activeTracker = tracker
	p.trackerMu.Unlock()

	report := &SyncReport{
		Target:    name,
		Registry:  host,
		DryRun:    p.opts.DryRun,
		StartTime: time.Now(),
	}

	run := &store.SyncRun{Target: name, StartTime: report.StartTime, Status: store.RunRunning}
	if !p.opts.DryRun {
		if err := p.store.CreateSyncRun(ctx, run); err != nil {
			logger.Error("failed to create sync run record", "error", err)
			run = nil
		} else {
			report.RunID = run.ID
		}
	}

	entries, err := p.store.ListPending(ctx)
	if err != nil {
		err = storeQueryError("list pending", err)
		tracker.SetPhase(PhaseFailed)
		tracker.SetMessage("Listing pending entries failed: " + err.Error())
		report.EndTime = time.Now()
		report.Status = store.RunFailed
		p.finishRun(ctx, logger, run, report, err.Error())
		logger.Error("failed to list pending entries", "error", err)
		return nil, err
	}
	report.Total = len(entries)
	tracker.SetTotal(len(entries))
	tracker.SetPhase(PhaseMirroring)
	tracker.SetMessage(fmt.Sprintf("Mirroring %d pending entries", len(entries)))

	if p.opts.DryRun {
		for _, entry := range entries {
			report.Entries = append(report.Entries, p.planEntry(logger, profile, host, entry))
		}
		report.EndTime = time.Now()
		report.Status = store.RunSuccess
		tracker.SetPhase(PhaseComplete)
		tracker.SetMessage("Dry run complete")
		logger.Info("dry run complete", "entries", len(entries))
		return report, nil
	}

	concurrent := p.opts.Workers > 1
	results := newPool(p.opts.Workers, logger).execute(ctx, entries, func(ctx context.Context, entry store.PendingEntry) EntryResult {
		return p.mirrorEntry(ctx, logger, tracker, profile, host, entry, concurrent)
	})

	report.Entries = results
	for _, r := range results {
		switch r.Outcome {
		case EntryPushed:
			report.Pushed++
		case EntrySkipped:
			report.Skipped++
		case EntryFailed:
			report.Failed++
		}
		if r.Completed {
			report.Completed++
		}
	}
	report.EndTime = time.Now()

	var errMsg string
	switch {
	case ctx.Err() != nil:
		report.Status = store.RunFailed
		errMsg = ctx.Err().Error()
		tracker.SetPhase(PhaseCancelled)
		tracker.SetMessage("Sync cancelled")
	case report.Failed > 0 && report.Failed == report.Total:
		report.Status = store.RunFailed
		errMsg = fmt.Sprintf("all %d entries failed", report.Failed)
		tracker.SetPhase(PhaseFailed)
		tracker.SetMessage(errMsg)
	case report.Failed > 0:
		report.Status = store.RunPartial
		errMsg = fmt.Sprintf("%d of %d entries failed", report.Failed, report.Total)
		tracker.SetPhase(PhaseFailed)
		tracker.SetMessage(fmt.Sprintf("Completed with %d failures", report.Failed))
	default:
		report.Status = store.RunSuccess
		tracker.SetPhase(PhaseComplete)
		tracker.SetMessage(fmt.Sprintf("Sync complete: %d pushed, %d skipped", report.Pushed, report.Skipped))
	}

	p.finishRun(ctx, logger, run, report, errMsg)
	metrics.ObserveRun(host, report.Status, report.Duration().Seconds())

	logger.Info("sync completed",
		"total", report.Total,
		"pushed", report.Pushed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"completed", report.Completed,
		"duration", report.Duration(),
	)
	return report, nil
}

func (p *Pipeline) finishRun(ctx context.Context, logger *slog.Logger, run *store.SyncRun, report *SyncReport, errMsg string) {
	if run == nil {
		return
	}
	run.EndTime = report.EndTime
	run.EntriesTotal = report.Total
	run.Pushed = report.Pushed
	run.Skipped = report.Skipped
	run.Failed = report.Failed
	run.Status = report.Status
	run.ErrorMessage = errMsg
	// The run may have been cancelled; the record should still be closed.
	if err := p.store.UpdateSyncRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Error("failed to update sync run record", "run_id", run.ID, "error", err)
	}
}

func (p *Pipeline) planEntry(logger *slog.Logger, profile config.TargetProfile, host string, entry store.PendingEntry) EntryResult {
	src := reference.SourceReference(entry.SourceRegistry, entry.Namespace, entry.ImageName)
	dst := reference.DestinationReference(host, profile.DestinationNamespace(entry.Namespace), entry.ImageName)
	logger.Info("would mirror image", "id", entry.ID, "source", src, "destination", dst, "platform", entry.Platform)
	return EntryResult{ID: entry.ID, Source: src, Destination: dst, Outcome: EntryPlanned}
}

func (p *Pipeline) mirrorEntry(
	ctx context.Context,
	logger *slog.Logger,
	tracker *SyncTracker,
	profile config.TargetProfile,
	host string,
	entry store.PendingEntry,
	concurrent bool,
) EntryResult {
	src := reference.SourceReference(entry.SourceRegistry, entry.Namespace, entry.ImageName)
	ns := profile.DestinationNamespace(entry.Namespace)
	res := EntryResult{ID: entry.ID, Source: src}
	logger = logger.With("id", entry.ID, "image", src)
	tracker.EntryStarted(src)

	fail := func(err error) EntryResult {
		res.Outcome = EntryFailed
		res.err = err
		res.Error = err.Error()
		tracker.EntryFailed(src, res.Error)
		logger.Error("failed to mirror image", "error", err)
		return res
	}
	skip := func() EntryResult {
		res.Outcome = EntrySkipped
		res.Completed = p.complete(ctx, logger, entry)
		tracker.EntrySkipped(src)
		metrics.RecordSkip(host)
		logger.Info("image already pushed to target, skipping")
		return res
	}

	pushed, err := p.store.ExistsPushed(ctx, entry.ImageName, host)
	if err != nil {
		return fail(storeQueryError("check pushed", err))
	}
	if pushed {
		return skip()
	}

	platform := entry.Platform
	if platform == "" {
		platform = config.DefaultPlatform
	}
	if err := p.mover.Pull(ctx, src, platform); err != nil {
		metrics.RecordPullError(src)
		return fail(moverError(err))
	}
	metrics.RecordPullSuccess(src)

	dst := reference.DestinationReference(host, ns, entry.ImageName)
	res.Destination = dst

	if err := p.transfer(ctx, profile, host, entry.ImageName, src, dst, concurrent); err != nil {
		p.cleanup(ctx, logger, src, dst)
		if errors.Is(err, errPushedMeanwhile) {
			return skip()
		}
		metrics.RecordPushError(host)
		return fail(err)
	}
	metrics.RecordPushSuccess(host)

	rec := &store.PushedRecord{
		SourceRegistry:    entry.SourceRegistry,
		TargetRegistry:    host,
		OrigNamespace:     entry.Namespace,
		OrigImageName:     entry.ImageName,
		TargetNamespace:   ns,
		RegistryImageName: dst,
		ImageSizeMB:       p.sizeMB(ctx, logger, dst),
		Digest:            p.digest(ctx, logger, dst),
		Platform:          platform,
	}
	res.SizeMB = rec.ImageSizeMB
	res.Digest = rec.Digest

	inserted, err := p.store.InsertPushed(ctx, rec)
	p.cleanup(ctx, logger, src, dst)
	if err != nil {
		return fail(storeQueryError("record push", err))
	}
	if !inserted {
		logger.Warn("push record already existed", "destination", dst)
	}

	res.Outcome = EntryPushed
	res.Completed = p.complete(ctx, logger, entry)
	tracker.EntryPushed(src, dst, rec.ImageSizeMB)
	logger.Info("image mirrored", "destination", dst, "size_mb", rec.ImageSizeMB, "digest", rec.Digest)
	return res
}

var errPushedMeanwhile = errors.New("image was pushed by another run")

// transfer logs in, tags and pushes. When other workers may target the same
// destination the pushed check is repeated right before the push.
func (p *Pipeline) transfer(ctx context.Context, profile config.TargetProfile, host, imageName, src, dst string, concurrent bool) error {
	if err := p.mover.Login(ctx, host, profile.Username, profile.Password); err != nil {
		return moverError(err)
	}
	if err := p.mover.Tag(ctx, src, dst); err != nil {
		return moverError(err)
	}
	if concurrent {
		pushed, err := p.store.ExistsPushed(ctx, imageName, host)
		if err != nil {
			return storeQueryError("recheck pushed", err)
		}
		if pushed {
			return errPushedMeanwhile
		}
	}
	if err := p.mover.Push(ctx, dst); err != nil {
		return moverError(err)
	}
	return nil
}

func (p *Pipeline) sizeMB(ctx context.Context, logger *slog.Logger, ref string) float64 {
	size, err := p.mover.InspectSize(ctx, ref)
	if err != nil {
		logger.Warn("failed to read image size, recording 0", "destination", ref, "error", err)
		return 0
	}
	return mover.BytesToMB(size)
}

func (p *Pipeline) digest(ctx context.Context, logger *slog.Logger, ref string) string {
	d, err := p.mover.InspectDigest(ctx, ref)
	if err != nil {
		logger.Warn("failed to read image digest, recording unknown", "destination", ref, "error", err)
		return store.DigestUnknown
	}
	if d == "" {
		return store.DigestUnknown
	}
	return d
}

func (p *Pipeline) cleanup(ctx context.Context, logger *slog.Logger, refs ...string) {
	if err := p.mover.RemoveLocal(ctx, refs...); err != nil {
		logger.Warn("failed to remove local images", "refs", refs, "error", err)
	}
}

// complete marks entry done once every configured target holds the image.
func (p *Pipeline) complete(ctx context.Context, logger *slog.Logger, entry store.PendingEntry) bool {
	for _, target := range p.opts.Targets {
		pushed, err := p.store.ExistsPushed(ctx, entry.ImageName, reference.NormalizeRegistryHost(target))
		if err != nil {
			logger.Warn("failed to check target for completion", "check_target", target, "error", err)
			return false
		}
		if !pushed {
			return false
		}
	}
	if err := p.store.MarkPendingDone(ctx, entry.ID); err != nil {
		logger.Warn("failed to mark entry done", "error", err)
		return false
	}
	return true
}
