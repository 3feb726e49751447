package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Celdrick/mydocker/internal/config"
	"github.com/Celdrick/mydocker/internal/mover"
	"github.com/Celdrick/mydocker/internal/store"
)

func mirrorProfile(registry string) config.TargetProfile {
	return config.TargetProfile{
		Name:            "private",
		Registry:        registry,
		Username:        "bot",
		Password:        "secret",
		NamespacePolicy: config.NamespaceMirror,
	}
}

func fixedProfile(registry, namespace string) config.TargetProfile {
	return config.TargetProfile{
		Name:            "aliyun",
		Registry:        registry,
		Namespace:       namespace,
		NamespacePolicy: config.NamespaceFixed,
	}
}

func enqueue(t *testing.T, st *store.Store, refs ...string) {
	t.Helper()
	e := NewEnqueuer(st, config.ProducerWebhook, webhookPolicy, "", testLogger())
	for _, ref := range refs {
		_, err := e.Enqueue(context.Background(), ref, "")
		require.NoError(t, err)
	}
}

func TestRunSyncMirrorsPendingEntries(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	enqueue(t, st, "bitnami/redis:7")

	fake := mover.NewFake()
	digest := "sha256:" + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	fake.Sizes["registry.example.com/bitnami/redis:7"] = 100 * 1024 * 1024
	fake.Digests["registry.example.com/bitnami/redis:7"] = digest

	p := NewPipeline(st, fake, PipelineOptions{}, testLogger())
	report, err := p.RunSync(ctx, mirrorProfile("https://registry.example.com/"))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, store.RunSuccess, report.Status)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, "bitnami/redis:7", report.Entries[0].Source)
	assert.Equal(t, "registry.example.com/bitnami/redis:7", report.Entries[0].Destination)

	ops := []string{}
	for _, c := range fake.Calls() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []string{
		mover.OpPull, mover.OpLogin, mover.OpTag, mover.OpPush,
		mover.OpSize, mover.OpDigest, mover.OpRemove,
	}, ops)
	assert.Equal(t, []string{"bitnami/redis:7", "linux/amd64"}, fake.CallsFor(mover.OpPull)[0].Args)
	assert.Equal(t, []string{"registry.example.com", "bot"}, fake.CallsFor(mover.OpLogin)[0].Args)

	records, err := st.ListPushed(ctx, "registry.example.com", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "docker.io", rec.SourceRegistry)
	assert.Equal(t, "bitnami", rec.TargetNamespace)
	assert.Equal(t, "redis:7", rec.OrigImageName)
	assert.Equal(t, "registry.example.com/bitnami/redis:7", rec.RegistryImageName)
	assert.InDelta(t, 100.0, rec.ImageSizeMB, 0.001)
	assert.Equal(t, digest, rec.Digest)

	pending, err := st.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	runs, err := st.ListSyncRuns(ctx, "private", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunSuccess, runs[0].Status)
	assert.Equal(t, 1, runs[0].Pushed)
	assert.Equal(t, report.RunID, runs[0].ID)
}

func TestRunSyncCollapsesNestedNames(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	enqueue(t, st, "ghcr.io/org/kube-state-metrics/kube-state-metrics:v2")

	fake := mover.NewFake()
	p := NewPipeline(st, fake, PipelineOptions{}, testLogger())
	report, err := p.RunSync(ctx, fixedProfile("example.com", "mirrors"))
	require.NoError(t, err)

	require.Len(t, report.Entries, 1)
	assert.Equal(t, "ghcr.io/org/kube-state-metrics/kube-state-metrics:v2", report.Entries[0].Source)
	assert.Equal(t, "example.com/mirrors/kube-state-metrics:v2", report.Entries[0].Destination)
	assert.Equal(t,
		[]string{"ghcr.io/org/kube-state-metrics/kube-state-metrics:v2", "example.com/mirrors/kube-state-metrics:v2"},
		fake.CallsFor(mover.OpTag)[0].Args,
	)
}

func TestRunSyncDuplicatePushGuard(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	enqueue(t, st, "redis:7")

	fake := mover.NewFake()
	p := NewPipeline(st, fake, PipelineOptions{}, testLogger())
	profile := mirrorProfile("registry.example.com")

	_, err := p.RunSync(ctx, profile)
	require.NoError(t, err)
	require.Len(t, fake.CallsFor(mover.OpPull), 1)

	// A webhook producer does not check pushed records, so the entry is
	// reactivated and the pipeline sees it again.
	enqueue(t, st, "redis:7")
	pending, err := st.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	report, err := p.RunSync(ctx, profile)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Pushed)
	assert.Len(t, fake.CallsFor(mover.OpPull), 1)
	assert.Len(t, fake.CallsFor(mover.OpPush), 1)

	records, err := st.ListPushed(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	pending, err = st.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunSyncRetriesAfterPullFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	enqueue(t, st, "redis:7", "nginx:1.25")

	fake := mover.NewFake()
	fake.FailOn(mover.OpPull, "library/redis:7", errors.New("manifest unknown"))
	p := NewPipeline(st, fake, PipelineOptions{}, testLogger())
	profile := mirrorProfile("registry.example.com")

	report, err := p.RunSync(ctx, profile)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, store.RunPartial, report.Status)

	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err(), ErrMover)
	var merr *MoverError
	require.ErrorAs(t, failures[0].Err(), &merr)
	assert.Equal(t, mover.OpPull, merr.Op)

	entry, err := st.FindPending(ctx, "docker.io", "library", "redis:7")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, entry.Status)

	delete(fake.Errors, mover.OpPull+" library/redis:7")
	report, err = p.RunSync(ctx, profile)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Pushed)
	assert.Len(t, fake.CallsFor(mover.OpPull), 3)

	entry, err = st.FindPending(ctx, "docker.io", "library", "redis:7")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, entry.Status)
}

func TestRunSyncPushFailureLeavesEntryPending(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	enqueue(t, st, "redis:7")

	fake := mover.NewFake()
	fake.FailOn(mover.OpPush, "registry.example.com/library/redis:7", errors.New("denied"))
	p := NewPipeline(st, fake, PipelineOptions{}, testLogger())

	report, err := p.RunSync(ctx, mirrorProfile("registry.example.com"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, store.RunFailed, report.Status)

	// Local copies are still removed after a failed push.
	assert.Len(t, fake.CallsFor(mover.OpRemove), 1)

	records, err := st.ListPushed(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, records)

	pending, err := st.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRunSyncInspectFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	enqueue(t, st, "redis:7")

	fake := mover.NewFake()
	dst := "registry.example.com/library/redis:7"
	fake.FailOn(mover.OpSize, dst, errors.New("no such image"))
	fake.FailOn(mover.OpDigest, dst, errors.New("no such image"))
	p := NewPipeline(st, fake, PipelineOptions{}, testLogger())

	report, err := p.RunSync(ctx, mirrorProfile("registry.example.com"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)

	records, err := st.ListPushed(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Zero(t, records[0].ImageSizeMB)
	assert.Equal(t, store.DigestUnknown, records[0].Digest)
}

func TestRunSyncCleanupFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	enqueue(t, st, "redis:7")

	fake := mover.NewFake()
	fake.FailOn(mover.OpRemove, "library/redis:7 registry.example.com/library/redis:7", errors.New("image in use"))
	p := NewPipeline(st, fake, PipelineOptions{}, testLogger())

	report, err := p.RunSync(ctx, mirrorProfile("registry.example.com"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, store.RunSuccess, report.Status)
}

func TestRunSyncWaitsForAllTargets(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	enqueue(t, st, "bitnami/redis:7")

	fake := mover.NewFake()
	opts := PipelineOptions{Targets: []string{"registry.example.com", "https://mirror.example.org"}}
	p := NewPipeline(st, fake, opts, testLogger())

	report, err := p.RunSync(ctx, mirrorProfile("registry.example.com"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)
	assert.Zero(t, report.Completed)

	entry, err := st.FindPending(ctx, "docker.io", "bitnami", "redis:7")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, entry.Status)

	report, err = p.RunSync(ctx, fixedProfile("mirror.example.org", "mirrors"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, "mirror.example.org/mirrors/redis:7", report.Entries[0].Destination)

	entry, err = st.FindPending(ctx, "docker.io", "bitnami", "redis:7")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, entry.Status)
}

func TestRunSyncDryRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	enqueue(t, st, "redis:7", "quay.io/prometheus/node-exporter:v1.8.0")

	fake := mover.NewFake()
	p := NewPipeline(st, fake, PipelineOptions{DryRun: true}, testLogger())

	report, err := p.RunSync(ctx, fixedProfile("registry.example.com", "mirrors"))
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	require.Len(t, report.Entries, 2)
	assert.Equal(t, EntryPlanned, report.Entries[1].Outcome)
	assert.Equal(t, "quay.io/prometheus/node-exporter:v1.8.0", report.Entries[1].Source)
	assert.Equal(t, "registry.example.com/mirrors/node-exporter:v1.8.0", report.Entries[1].Destination)
	assert.Empty(t, fake.Calls())

	runs, err := st.ListSyncRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	pending, err := st.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunSyncParallelWorkers(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	refs := []string{"redis:7", "nginx:1.25", "alpine:3.20", "bitnami/postgresql:16", "busybox:1.36"}
	enqueue(t, st, refs...)

	fake := mover.NewFake()
	p := NewPipeline(st, fake, PipelineOptions{Workers: 3}, testLogger())

	report, err := p.RunSync(ctx, mirrorProfile("registry.example.com"))
	require.NoError(t, err)
	assert.Equal(t, len(refs), report.Pushed)
	assert.Len(t, fake.CallsFor(mover.OpPush), len(refs))

	// Results keep the queue order.
	for i, e := range report.Entries {
		assert.Equal(t, i+1, int(e.ID))
	}
}

func TestRunSyncRechecksBeforePushWithWorkers(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	enqueue(t, st, "redis:7")

	fake := mover.NewFake()
	// Another run finishes the same image while this one is tagging.
	fake.OnCall = func(op, ref string) {
		if op != mover.OpTag {
			return
		}
		_, err := st.InsertPushed(ctx, &store.PushedRecord{
			SourceRegistry:    "docker.io",
			TargetRegistry:    "registry.example.com",
			OrigNamespace:     "library",
			OrigImageName:     "redis:7",
			TargetNamespace:   "library",
			RegistryImageName: "registry.example.com/library/redis:7",
			Platform:          "linux/amd64",
		})
		assert.NoError(t, err)
	}
	p := NewPipeline(st, fake, PipelineOptions{Workers: 2}, testLogger())

	report, err := p.RunSync(ctx, mirrorProfile("registry.example.com"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, fake.CallsFor(mover.OpPush))
	assert.Len(t, fake.CallsFor(mover.OpRemove), 1)
}

func TestRunSyncStoreFailure(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Close())

	p := NewPipeline(st, mover.NewFake(), PipelineOptions{}, testLogger())
	_, err := p.RunSync(context.Background(), mirrorProfile("registry.example.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreQuery)

	progress := p.ActiveProgress().Snapshot()
	assert.Equal(t, PhaseFailed, progress.Phase)
}

func TestRunSyncRequiresRegistry(t *testing.T) {
	p := NewPipeline(newTestStore(t), mover.NewFake(), PipelineOptions{}, testLogger())
	_, err := p.RunSync(context.Background(), config.TargetProfile{Name: "empty"})
	assert.Error(t, err)
}

func TestRunSyncTracksProgress(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	enqueue(t, st, "redis:7", "nginx:1.25")

	fake := mover.NewFake()
	fake.FailOn(mover.OpPull, "library/nginx:1.25", errors.New("timeout"))
	p := NewPipeline(st, fake, PipelineOptions{}, testLogger())
	assert.Nil(t, p.ActiveProgress())

	_, err := p.RunSync(ctx, mirrorProfile("registry.example.com"))
	require.NoError(t, err)

	snap := p.ActiveProgress().Snapshot()
	assert.Equal(t, "private", snap.Target)
	assert.Equal(t, PhaseFailed, snap.Phase)
	assert.Equal(t, 2, snap.TotalEntries)
	assert.Equal(t, 1, snap.PushedEntries)
	assert.Equal(t, 1, snap.FailedEntries)
	assert.InDelta(t, 100.0, snap.Percent, 0.001)
	assert.Empty(t, snap.InFlight)
	require.Len(t, snap.RecentEvents, 2)
	assert.Equal(t, "failed", snap.RecentEvents[0].Status)
}
