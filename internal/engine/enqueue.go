package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Celdrick/mydocker/internal/config"
	"github.com/Celdrick/mydocker/internal/metrics"
	"github.com/Celdrick/mydocker/internal/reference"
)

// Policy controls how one producer's enqueue outcomes map to "new work".
type Policy = config.EnqueuePolicy

// BatchReport summarizes an EnqueueBatch call.
type BatchReport struct {
	Total     int      `json:"total"`
	NewWork   int      `json:"new_work"`
	Unchanged int      `json:"unchanged"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Enqueuer turns raw references from one producer into pending work.
type Enqueuer struct {
	gate            *Gate
	producer        string
	policy          Policy
	defaultPlatform string
	logger          *slog.Logger
}

// NewEnqueuer creates an Enqueuer for producer with the given policy.
func NewEnqueuer(st StateStore, producer string, policy Policy, defaultPlatform string, logger *slog.Logger) *Enqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultPlatform == "" {
		defaultPlatform = config.DefaultPlatform
	}
	return &Enqueuer{
		gate:            NewGate(st, logger),
		producer:        producer,
		policy:          policy,
		defaultPlatform: defaultPlatform,
		logger:          logger.With("producer", producer),
	}
}

// Policy returns the policy this enqueuer applies.
func (e *Enqueuer) Policy() Policy { return e.policy }

// Enqueue records raw as pending work if needed. It reports whether the
// caller should treat the reference as new work.
func (e *Enqueuer) Enqueue(ctx context.Context, raw, platform string) (bool, error) {
	ref, err := reference.Parse(raw)
	if err != nil {
		return false, err
	}
	if platform == "" {
		platform = e.defaultPlatform
	}

	outcome, err := e.gate.Decide(ctx, ref, platform, e.policy.SkipPushed)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", ref, err)
	}
	metrics.RecordEnqueue(e.producer, outcome.String())

	switch outcome {
	case OutcomeNew, OutcomeReactivated:
		e.logger.Info("image enqueued", "image", ref.String(), "outcome", outcome.String(), "platform", platform)
		return true, nil
	case OutcomeAlreadyPending:
		e.logger.Info("image already pending", "image", ref.String(), "counts_as_new", e.policy.PendingIsNewWork)
		return e.policy.PendingIsNewWork, nil
	default:
		e.logger.Info("image already pushed, skipping", "image", ref.String())
		return false, nil
	}
}

// EnqueueBatch enqueues every reference in payload. payload may be a string
// (a JSON list, a JSON string or a plain reference), a []string or a []any.
// Bad items are skipped and store failures are counted; neither stops the
// batch. The result is true when any item counted as new work.
func (e *Enqueuer) EnqueueBatch(ctx context.Context, payload any, platform string) (bool, BatchReport) {
	var report BatchReport
	hasNew := false

	for _, item := range payloadItems(payload) {
		report.Total++
		raw, ok := item.(string)
		if !ok {
			e.logger.Warn("skipping non-string batch item", "item", item)
			report.Skipped++
			continue
		}
		if strings.TrimSpace(raw) == "" {
			e.logger.Warn("skipping empty batch item")
			report.Skipped++
			continue
		}

		isNew, err := e.Enqueue(ctx, raw, platform)
		switch {
		case errors.Is(err, reference.ErrInvalidReference):
			e.logger.Warn("skipping invalid reference", "image", raw, "error", err)
			report.Skipped++
		case err != nil:
			e.logger.Error("failed to enqueue image", "image", raw, "error", err)
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
		case isNew:
			report.NewWork++
			hasNew = true
		default:
			report.Unchanged++
		}
	}

	e.logger.Info("batch enqueued",
		"total", report.Total,
		"new_work", report.NewWork,
		"unchanged", report.Unchanged,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return hasNew, report
}

func payloadItems(payload any) []any {
	switch v := payload.(type) {
	case nil:
		return nil
	case string:
		return DecodePayload(v)
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return items
	case []any:
		return v
	default:
		return []any{v}
	}
}

// DecodePayload interprets a serialized batch. Valid JSON lists are returned
// element by element and any other valid JSON value becomes a one-item list.
// Text that is not JSON is treated as one literal reference.
func DecodePayload(s string) []any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return []any{s}
	}
	if list, ok := decoded.([]any); ok {
		return list
	}
	return []any{decoded}
}
