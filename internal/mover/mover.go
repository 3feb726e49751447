// Package mover performs the registry transfer operations the sync pipeline
// depends on: pull, login, tag, push, inspect and local cleanup.
package mover

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Celdrick/mydocker/internal/config"
)

// Operation names, used in errors and by Fake.
const (
	OpPull    = "pull"
	OpLogin   = "login"
	OpTag     = "tag"
	OpPush    = "push"
	OpSize    = "size"
	OpDigest  = "digest"
	OpRemove  = "remove"
	bytesInMB = 1024 * 1024
)

// Mover transfers whole image references between registries.
type Mover interface {
	Pull(ctx context.Context, ref, platform string) error
	Login(ctx context.Context, registry, username, password string) error
	Tag(ctx context.Context, src, dst string) error
	Push(ctx context.Context, ref string) error
	// InspectSize returns the image size in bytes.
	InspectSize(ctx context.Context, ref string) (int64, error)
	// InspectDigest returns the sha256 content digest, or "" when the
	// image has none yet.
	InspectDigest(ctx context.Context, ref string) (string, error)
	RemoveLocal(ctx context.Context, refs ...string) error
}

// Error identifies the failed operation and reference.
type Error struct {
	Op  string
	Ref string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// BytesToMB converts a byte count to megabytes.
func BytesToMB(n int64) float64 {
	return float64(n) / bytesInMB
}

// New builds the mover selected by cfg.Mover.
func New(cfg config.SyncConfig, logger *slog.Logger) (Mover, error) {
	switch cfg.Mover {
	case "", config.MoverDocker:
		return NewDocker(cfg.DockerBinary, logger)
	case config.MoverRegistry:
		return NewRegistry(cfg.Insecure, logger), nil
	default:
		return nil, fmt.Errorf("unsupported mover %q", cfg.Mover)
	}
}
