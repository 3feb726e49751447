package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Celdrick/mydocker/internal/reference"
	"github.com/Celdrick/mydocker/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.DriverSQLite, ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustParse(t *testing.T, raw string) reference.ImageReference {
	t.Helper()
	ref, err := reference.Parse(raw)
	require.NoError(t, err)
	return ref
}

func TestGateDecide(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gate := NewGate(st, testLogger())
	ref := mustParse(t, "bitnami/redis:7")

	outcome, err := gate.Decide(ctx, ref, "linux/amd64", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, outcome)

	outcome, err = gate.Decide(ctx, ref, "linux/amd64", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPending, outcome)

	entry, err := st.FindPending(ctx, "docker.io", "bitnami", "redis:7")
	require.NoError(t, err)
	require.NoError(t, st.MarkPendingDone(ctx, entry.ID))

	outcome, err = gate.Decide(ctx, ref, "linux/amd64", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReactivated, outcome)

	entries, err := st.ListPendingByStatus(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, store.StatusPending, entries[0].Status)
}

func TestGateSkipPushed(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gate := NewGate(st, testLogger())
	ref := mustParse(t, "myreg.io:5000/team/app:1.0")

	_, err := st.InsertPushed(ctx, &store.PushedRecord{
		SourceRegistry:    "myreg.io:5000",
		TargetRegistry:    "mirror.example.com",
		OrigNamespace:     "team",
		OrigImageName:     "app:1.0",
		TargetNamespace:   "team",
		RegistryImageName: "mirror.example.com/team/app:1.0",
		Platform:          "linux/amd64",
	})
	require.NoError(t, err)

	t.Run("enabled", func(t *testing.T) {
		outcome, err := gate.Decide(ctx, ref, "linux/amd64", true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyPushed, outcome)

		_, err = st.FindPending(ctx, "myreg.io:5000", "team", "app:1.0")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("disabled", func(t *testing.T) {
		outcome, err := gate.Decide(ctx, ref, "linux/amd64", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNew, outcome)
	})
}

func TestGateConcurrentDecideCreatesOneRow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gate := NewGate(st, testLogger())
	ref := mustParse(t, "redis:7")

	const producers = 8
	outcomes := make([]Outcome, producers)
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := gate.Decide(ctx, ref, "linux/amd64", false)
			assert.NoError(t, err)
			outcomes[i] = o
		}(i)
	}
	wg.Wait()

	created := 0
	for _, o := range outcomes {
		if o == OutcomeNew {
			created++
		} else {
			assert.Equal(t, OutcomeAlreadyPending, o)
		}
	}
	assert.Equal(t, 1, created)

	entries, err := st.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeNew, "new"},
		{OutcomeReactivated, "reactivated"},
		{OutcomeAlreadyPending, "already_pending"},
		{OutcomeAlreadyPushed, "already_pushed"},
		{Outcome(0), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.outcome.String())
	}
}
