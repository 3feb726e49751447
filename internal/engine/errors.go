package engine

import (
	"errors"
	"fmt"

	"github.com/Celdrick/mydocker/internal/mover"
	"github.com/Celdrick/mydocker/internal/store"
)

var (
	// ErrStoreUnavailable means the store could not be opened or reached.
	// Commands treat it as fatal.
	ErrStoreUnavailable = store.ErrUnavailable
	// ErrStoreQuery marks a single failed store query. The current entry or
	// batch item fails; the surrounding operation continues.
	ErrStoreQuery = errors.New("store query failed")
	// ErrMover marks a failed pull, login, tag or push.
	ErrMover = errors.New("mover failed")
)

// MoverError carries the failed mover operation and reference.
type MoverError = mover.Error

func storeQueryError(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreQuery, op, err)
}

func moverError(err error) error {
	return fmt.Errorf("%w: %w", ErrMover, err)
}
