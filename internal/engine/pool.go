package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/Celdrick/mydocker/internal/store"
)

// entryFunc mirrors one pending entry.
type entryFunc func(ctx context.Context, entry store.PendingEntry) EntryResult

// pool runs entryFunc over pending entries with a fixed number of workers.
// Each entry is handled start to finish by a single worker.
type pool struct {
	workers int
	logger  *slog.Logger
}

func newPool(workers int, logger *slog.Logger) *pool {
	if workers <= 0 {
		workers = 1
	}
	return &pool{workers: workers, logger: logger}
}

type entryWithIndex struct {
	entry store.PendingEntry
	index int
}

type indexedResult struct {
	result EntryResult
	index  int
}

// execute processes entries and waits for all workers. Results keep the
// input order. After ctx is cancelled no further entries are dispatched, so
// the result slice may be shorter than entries.
func (p *pool) execute(ctx context.Context, entries []store.PendingEntry, fn entryFunc) []EntryResult {
	if len(entries) == 0 {
		return []EntryResult{}
	}

	jobs := make(chan entryWithIndex, len(entries))
	results := make(chan indexedResult, len(entries))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go p.worker(ctx, fn, jobs, results, &wg)
	}

	go func() {
		defer close(jobs)
		for i, entry := range entries {
			select {
			case jobs <- entryWithIndex{entry: entry, index: i}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	collected := make([]indexedResult, 0, len(entries))
	for r := range results {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool {
		return collected[i].index < collected[j].index
	})

	out := make([]EntryResult, len(collected))
	for i, r := range collected {
		out[i] = r.result
	}
	return out
}

func (p *pool) worker(ctx context.Context, fn entryFunc, jobs <-chan entryWithIndex, results chan<- indexedResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for job := range jobs {
		if ctx.Err() != nil {
			p.logger.Debug("sync cancelled, dropping entry", "id", job.entry.ID, "image", job.entry.ImageName)
			continue
		}
		results <- indexedResult{result: fn(ctx, job.entry), index: job.index}
	}
}
