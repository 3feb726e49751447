package engine

import (
	"context"
	"log/slog"

	"github.com/Celdrick/mydocker/internal/reference"
	"github.com/Celdrick/mydocker/internal/store"
)

// StateStore is the persistence the engine needs. *store.Store satisfies it.
type StateStore interface {
	FindPending(ctx context.Context, sourceRegistry, namespace, imageName string) (*store.PendingEntry, error)
	InsertPending(ctx context.Context, sourceRegistry, namespace, imageName, platform string) (int64, bool, error)
	ReactivatePending(ctx context.Context, sourceRegistry, namespace, imageName string) (bool, error)
	MarkPendingDone(ctx context.Context, id int64) error
	ListPending(ctx context.Context) ([]store.PendingEntry, error)
	ExistsPushed(ctx context.Context, imageName, targetRegistry string) (bool, error)
	ExistsPushedSource(ctx context.Context, sourceRegistry, namespace, imageName string) (bool, error)
	InsertPushed(ctx context.Context, rec *store.PushedRecord) (bool, error)
	CreateSyncRun(ctx context.Context, run *store.SyncRun) error
	UpdateSyncRun(ctx context.Context, run *store.SyncRun) error
}

// Outcome is the dedup decision for one enqueue.
type Outcome int

const (
	// OutcomeNew means a pending row was created.
	OutcomeNew Outcome = iota + 1
	// OutcomeReactivated means a done row was flipped back to pending.
	OutcomeReactivated
	// OutcomeAlreadyPending means a pending row already existed.
	OutcomeAlreadyPending
	// OutcomeAlreadyPushed means the image was mirrored before; nothing was written.
	OutcomeAlreadyPushed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeReactivated:
		return "reactivated"
	case OutcomeAlreadyPending:
		return "already_pending"
	case OutcomeAlreadyPushed:
		return "already_pushed"
	default:
		return "unknown"
	}
}

// Gate decides whether a reference becomes new work. The write it performs
// relies on the store's uniqueness constraint, so concurrent gates never
// create two rows for one triple.
type Gate struct {
	store  StateStore
	logger *slog.Logger
}

// NewGate creates a Gate over st.
func NewGate(st StateStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: st, logger: logger}
}

// Decide records ref as pending when needed and reports what happened.
// With skipPushed, a reference already mirrored to any target is left alone.
func (g *Gate) Decide(ctx context.Context, ref reference.ImageReference, platform string, skipPushed bool) (Outcome, error) {
	if skipPushed {
		pushed, err := g.store.ExistsPushedSource(ctx, ref.Registry, ref.Namespace, ref.NameTag)
		if err != nil {
			return 0, storeQueryError("check pushed", err)
		}
		if pushed {
			return OutcomeAlreadyPushed, nil
		}
	}

	id, inserted, err := g.store.InsertPending(ctx, ref.Registry, ref.Namespace, ref.NameTag, platform)
	if err != nil {
		return 0, storeQueryError("insert pending", err)
	}
	if inserted {
		g.logger.Debug("pending entry created", "image", ref.String(), "id", id)
		return OutcomeNew, nil
	}

	reactivated, err := g.store.ReactivatePending(ctx, ref.Registry, ref.Namespace, ref.NameTag)
	if err != nil {
		return 0, storeQueryError("reactivate pending", err)
	}
	if reactivated {
		g.logger.Debug("pending entry reactivated", "image", ref.String())
		return OutcomeReactivated, nil
	}
	return OutcomeAlreadyPending, nil
}
