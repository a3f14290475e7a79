package diff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/avast/retry-go/v4"

	"github.com/snapflowio/reconcile/internal/pg"
	"github.com/snapflowio/reconcile/logger"
	"github.com/snapflowio/reconcile/pgops"
	"github.com/snapflowio/reconcile/pool"
	"github.com/snapflowio/reconcile/record"
)

const fetchAttempts = 4

// Orchestrator compares two tables window by window without loading
// either fully into memory. Windows are dispatched in ascending offset
// order over a bounded worker set; completion order is arbitrary, and
// the report is re-sorted into window order before finalization.
type Orchestrator struct {
	source   pgops.Operator
	target   pgops.Operator
	comparer Comparer

	chunkSize     int64
	startPosition int64
	workers       int
}

func NewOrchestrator(source, target pgops.Operator, comparer Comparer, chunkSize, startPosition int64, workers int) *Orchestrator {
	if workers <= 0 {
		workers = 1
	}
	return &Orchestrator{
		source:        source,
		target:        target,
		comparer:      comparer,
		chunkSize:     chunkSize,
		startPosition: startPosition,
		workers:       workers,
	}
}

func (o *Orchestrator) Run(ctx context.Context, runID string, desc record.TableDescriptor) (*Report, error) {
	sourceRows, err := o.source.CountRows(ctx, desc.Schema, desc.Name)
	if err != nil {
		return nil, fmt.Errorf("count source rows: %w", err)
	}

	targetRows, err := o.target.CountRows(ctx, desc.Schema, desc.Name)
	if err != nil {
		return nil, fmt.Errorf("count target rows: %w", err)
	}

	total := sourceRows
	if targetRows > total {
		total = targetRows
	}

	windows := Windows(total, o.chunkSize, o.startPosition)

	report := &Report{
		RunID:         runID,
		Schema:        desc.Schema,
		Table:         desc.Name,
		SourceRows:    sourceRows,
		TargetRows:    targetRows,
		ChunkSize:     o.chunkSize,
		StartPosition: o.startPosition,
	}

	if len(windows) == 0 {
		logger.Info("[diff] nothing to compare", "table", desc.QualifiedName(), "rows", total)
		return report, nil
	}

	logger.Info("[diff] comparing",
		"table", desc.QualifiedName(),
		"windows", len(windows),
		"chunkSize", o.chunkSize,
		"workers", o.workers)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan Window)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		results  []WindowResult
		fatalErr error
	)

	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for window := range jobs {
				result, err := o.processWindow(runCtx, desc, window)

				mu.Lock()
				if err != nil {
					if fatalErr == nil {
						fatalErr = err
					}
					mu.Unlock()
					cancel()
					return
				}
				results = append(results, result)
				mu.Unlock()
			}
		}()
	}

	for _, window := range windows {
		select {
		case jobs <- window:
		case <-runCtx.Done():
		}
		if runCtx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	if fatalErr != nil {
		return nil, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Window.Index < results[j].Window.Index
	})
	report.Windows = results

	logger.Info("[diff] completed",
		"table", desc.QualifiedName(),
		"matched", report.MatchedRows(),
		"discrepancies", len(report.Discrepancies()),
		"unverified", len(report.Unverified()))

	return report, nil
}

// processWindow fetches both row slices and delegates the comparison.
// Transient fetch errors are retried per window; exhausting the retry
// budget marks the window unverified. Pool exhaustion and auth failures
// abort the whole run.
func (o *Orchestrator) processWindow(ctx context.Context, desc record.TableDescriptor, window Window) (WindowResult, error) {
	var sourceRows, targetRows []pgops.Row

	err := retry.Do(
		func() error {
			var fetchErr error
			sourceRows, fetchErr = o.source.FetchSlice(ctx, desc, window.Offset, window.Limit)
			if fetchErr != nil {
				return fmt.Errorf("fetch source slice: %w", fetchErr)
			}
			targetRows, fetchErr = o.target.FetchSlice(ctx, desc, window.Offset, window.Limit)
			if fetchErr != nil {
				return fmt.Errorf("fetch target slice: %w", fetchErr)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(fetchAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !isRunFatal(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[diff] window fetch failed, retrying",
				"attempt", n+1,
				"table", desc.QualifiedName(),
				"offset", window.Offset,
				"error", err)
		}),
	)

	if err != nil {
		if isRunFatal(err) {
			return WindowResult{}, fmt.Errorf("window at offset %d: %w", window.Offset, err)
		}

		logger.Warn("[diff] window left unverified",
			"table", desc.QualifiedName(),
			"offset", window.Offset,
			"error", err)
		return WindowResult{Window: window, Unverified: true, Error: err.Error()}, nil
	}

	discrepancies, matched := o.comparer.Compare(desc, sourceRows, targetRows)

	return WindowResult{
		Window:        window,
		Discrepancies: discrepancies,
		MatchedRows:   matched,
	}, nil
}

func isRunFatal(err error) bool {
	return errors.Is(err, pool.ErrPoolTimeout) ||
		errors.Is(err, context.Canceled) ||
		pg.IsAuthFailure(err)
}
