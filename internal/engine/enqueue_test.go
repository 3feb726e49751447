package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Celdrick/mydocker/internal/config"
	"github.com/Celdrick/mydocker/internal/reference"
	"github.com/Celdrick/mydocker/internal/store"
)

var (
	webhookPolicy = Policy{SkipPushed: false, PendingIsNewWork: true}
	pollerPolicy  = Policy{SkipPushed: true, PendingIsNewWork: false}
)

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	e := NewEnqueuer(st, config.ProducerCompose, pollerPolicy, "", testLogger())

	isNew, err := e.Enqueue(ctx, "redis:7", "")
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = e.Enqueue(ctx, "  redis:7  ", "")
	require.NoError(t, err)
	assert.False(t, isNew)

	entries, err := st.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "docker.io", entries[0].SourceRegistry)
	assert.Equal(t, "library", entries[0].Namespace)
	assert.Equal(t, "redis:7", entries[0].ImageName)
	assert.Equal(t, config.DefaultPlatform, entries[0].Platform)
}

func TestEnqueueAlreadyPendingPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   bool
	}{
		{name: "pending counts as new work", policy: webhookPolicy, want: true},
		{name: "pending is already known", policy: pollerPolicy, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := newTestStore(t)
			e := NewEnqueuer(st, "test", tt.policy, "", testLogger())

			_, err := e.Enqueue(ctx, "bitnami/redis:7", "")
			require.NoError(t, err)

			got, err := e.Enqueue(ctx, "bitnami/redis:7", "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnqueueReactivatesDoneEntry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	e := NewEnqueuer(st, config.ProducerWebhook, webhookPolicy, "", testLogger())

	_, err := e.Enqueue(ctx, "bitnami/redis:7", "")
	require.NoError(t, err)
	entry, err := st.FindPending(ctx, "docker.io", "bitnami", "redis:7")
	require.NoError(t, err)
	require.NoError(t, st.MarkPendingDone(ctx, entry.ID))

	isNew, err := e.Enqueue(ctx, "bitnami/redis:7", "")
	require.NoError(t, err)
	assert.True(t, isNew)

	all, err := st.ListPendingByStatus(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, entry.ID, all[0].ID)
	assert.Equal(t, store.StatusPending, all[0].Status)
}

func TestEnqueueAlreadyPushedPolicy(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		want        bool
		wantPending bool
	}{
		{name: "check enabled", policy: pollerPolicy, want: false, wantPending: false},
		{name: "check disabled", policy: webhookPolicy, want: true, wantPending: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := newTestStore(t)
			_, err := st.InsertPushed(ctx, &store.PushedRecord{
				SourceRegistry:    "docker.io",
				TargetRegistry:    "registry.example.com",
				OrigNamespace:     "library",
				OrigImageName:     "nginx:1.25",
				TargetNamespace:   "library",
				RegistryImageName: "registry.example.com/library/nginx:1.25",
				Platform:          "linux/amd64",
			})
			require.NoError(t, err)

			e := NewEnqueuer(st, "test", tt.policy, "", testLogger())
			got, err := e.Enqueue(ctx, "nginx:1.25", "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			_, err = st.FindPending(ctx, "docker.io", "library", "nginx:1.25")
			if tt.wantPending {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, store.ErrNotFound)
			}
		})
	}
}

func TestEnqueueInvalidReference(t *testing.T) {
	st := newTestStore(t)
	e := NewEnqueuer(st, "test", webhookPolicy, "", testLogger())

	_, err := e.Enqueue(context.Background(), "   ", "")
	assert.ErrorIs(t, err, reference.ErrInvalidReference)
}

func TestEnqueueExplicitPlatform(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	e := NewEnqueuer(st, "test", webhookPolicy, "linux/amd64", testLogger())

	_, err := e.Enqueue(ctx, "ghcr.io/org/tool:v1", "linux/arm64")
	require.NoError(t, err)

	entry, err := st.FindPending(ctx, "ghcr.io", "org", "tool:v1")
	require.NoError(t, err)
	assert.Equal(t, "linux/arm64", entry.Platform)
}

func TestEnqueueBatch(t *testing.T) {
	tests := []struct {
		name      string
		payload   any
		wantNew   bool
		wantRows  int
		wantSkip  int
		wantTotal int
	}{
		{
			name:      "json list",
			payload:   `["redis:7", "bitnami/postgresql:16", "myreg.io:5000/team/app:1.0"]`,
			wantNew:   true,
			wantRows:  3,
			wantTotal: 3,
		},
		{
			name:      "json string",
			payload:   `"nginx:1.25"`,
			wantNew:   true,
			wantRows:  1,
			wantTotal: 1,
		},
		{
			name:      "malformed payload is one literal reference",
			payload:   `nginx:1.25`,
			wantNew:   true,
			wantRows:  1,
			wantTotal: 1,
		},
		{
			name:      "broken json list",
			payload:   `["redis:7", `,
			wantNew:   true,
			wantRows:  1,
			wantTotal: 1,
		},
		{
			name:      "string slice",
			payload:   []string{"redis:7", "redis:7"},
			wantNew:   true,
			wantRows:  1,
			wantTotal: 2,
		},
		{
			name:      "nil and empty entries are skipped",
			payload:   []any{nil, "", "   ", "redis:7", 42},
			wantNew:   true,
			wantRows:  1,
			wantSkip:  4,
			wantTotal: 5,
		},
		{
			name:      "json null entries",
			payload:   `[null, "alpine:3.20"]`,
			wantNew:   true,
			wantRows:  1,
			wantSkip:  1,
			wantTotal: 2,
		},
		{
			name:    "nil payload",
			payload: nil,
		},
		{
			name:      "registry only",
			payload:   []string{"quay.io/"},
			wantSkip:  1,
			wantTotal: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := newTestStore(t)
			e := NewEnqueuer(st, config.ProducerWebhook, pollerPolicy, "", testLogger())

			got, report := e.EnqueueBatch(ctx, tt.payload, "")
			assert.Equal(t, tt.wantNew, got)
			assert.Equal(t, tt.wantTotal, report.Total)
			assert.Equal(t, tt.wantSkip, report.Skipped)
			assert.Zero(t, report.Failed)

			entries, err := st.ListPending(ctx)
			require.NoError(t, err)
			assert.Len(t, entries, tt.wantRows)
		})
	}
}

func TestEnqueueBatchAnyTrue(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	e := NewEnqueuer(st, config.ProducerCompose, pollerPolicy, "", testLogger())

	_, err := e.Enqueue(ctx, "redis:7", "")
	require.NoError(t, err)

	got, report := e.EnqueueBatch(ctx, []string{"redis:7"}, "")
	assert.False(t, got)
	assert.Equal(t, 1, report.Unchanged)

	got, report = e.EnqueueBatch(ctx, []string{"redis:7", "memcached:1.6"}, "")
	assert.True(t, got)
	assert.Equal(t, 1, report.NewWork)
	assert.Equal(t, 1, report.Unchanged)
}

func TestEnqueueBatchStoreFailureDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	e := NewEnqueuer(st, config.ProducerWebhook, webhookPolicy, "", testLogger())
	require.NoError(t, st.Close())

	got, report := e.EnqueueBatch(ctx, []string{"redis:7", "nginx:1.25"}, "")
	assert.False(t, got)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Errors, 2)
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []any
	}{
		{name: "empty", in: "  ", want: nil},
		{name: "list", in: `["a:1","b:2"]`, want: []any{"a:1", "b:2"}},
		{name: "list with null", in: `["a:1",null]`, want: []any{"a:1", nil}},
		{name: "json string", in: `"a:1"`, want: []any{"a:1"}},
		{name: "plain text", in: "a:1", want: []any{"a:1"}},
		{name: "python style list", in: "['a:1']", want: []any{"['a:1']"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodePayload(tt.in))
		})
	}
}
