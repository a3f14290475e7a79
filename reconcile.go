package reconcile

import (
	"context"
	"fmt"
	"io"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/google/uuid"

	"github.com/snapflowio/reconcile/config"
	"github.com/snapflowio/reconcile/diff"
	"github.com/snapflowio/reconcile/logger"
	"github.com/snapflowio/reconcile/pgops"
	"github.com/snapflowio/reconcile/pool"
	"github.com/snapflowio/reconcile/record"
	"github.com/snapflowio/reconcile/replay"
	"github.com/snapflowio/reconcile/storage"
)

// TableFailure carries enough context to resume a failed table: the
// last durable offset into the merged stream and the file being
// processed when the failure happened.
type TableFailure struct {
	Table      string
	Err        string
	LastOffset int64
	File       string
}

// Summary is the outcome of one run: a validation report per table that
// completed, and a failure entry per table that did not.
type Summary struct {
	RunID    string
	Reports  []*diff.Report
	Failures []TableFailure
}

func (s *Summary) Fatal() bool {
	return len(s.Failures) > 0
}

// Runner wires the pipeline: partition locator, columnar reader, replay
// engine, and the chunked diff orchestrator over two pooled databases.
type Runner struct {
	cfg      *config.Config
	runID    string
	pools    *pool.Manager
	store    storage.ObjectStore
	decoder  record.Decoder
	source   pgops.Operator
	target   pgops.Operator
	comparer diff.Comparer
}

type RunnerOption func(*Runner)

func WithObjectStore(store storage.ObjectStore) RunnerOption {
	return func(r *Runner) { r.store = store }
}

func WithDecoder(decoder record.Decoder) RunnerOption {
	return func(r *Runner) { r.decoder = decoder }
}

func WithOperators(source, target pgops.Operator) RunnerOption {
	return func(r *Runner) {
		r.source = source
		r.target = target
	}
}

func WithComparer(comparer diff.Comparer) RunnerOption {
	return func(r *Runner) { r.comparer = comparer }
}

func NewRunner(ctx context.Context, cfg config.Config, opts ...RunnerOption) (*Runner, error) {
	cfg.SetDefault()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	logger.SetLevel(cfg.Logger.LogLevel)

	r := &Runner{
		cfg:   &cfg,
		runID: uuid.NewString(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.source == nil || r.target == nil {
		pools, err := pool.NewManager(ctx, &cfg)
		if err != nil {
			return nil, err
		}
		r.pools = pools
		r.source = pgops.NewPgOperator(pools.Source)
		r.target = pgops.NewPgOperator(pools.Target)
	}

	if r.store == nil && !cfg.DiffOnly {
		sess, err := session.NewSession()
		if err != nil {
			return nil, fmt.Errorf("create aws session: %w", err)
		}
		r.store = storage.NewS3Store(sess)
	}

	if r.decoder == nil {
		r.decoder = record.NewParquetDecoder()
	}

	if r.comparer == nil {
		r.comparer = diff.NewRowComparer()
	}

	return r, nil
}

func (r *Runner) Close(ctx context.Context) {
	if r.pools != nil {
		r.pools.Close(ctx)
	}
}

// Run processes every selected table. A fatal error in one table is
// recorded in the summary and the remaining tables continue.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	tables, err := r.source.TablesInSchema(ctx, r.cfg.Schema, r.cfg.IncludedTables, r.cfg.ExcludedTables)
	if err != nil {
		return nil, fmt.Errorf("select tables in schema %s: %w", r.cfg.Schema, err)
	}

	logger.Info("[runner] starting run", "runID", r.runID, "schema", r.cfg.Schema, "tables", len(tables))

	summary := &Summary{RunID: r.runID}

	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		report, failure := r.runTable(ctx, table)
		if failure != nil {
			logger.Error("[runner] table failed",
				"table", table,
				"error", failure.Err,
				"lastOffset", failure.LastOffset,
				"file", failure.File)
			summary.Failures = append(summary.Failures, *failure)
			continue
		}
		if report != nil {
			summary.Reports = append(summary.Reports, report)
		}
	}

	logger.Info("[runner] run finished",
		"runID", r.runID,
		"reports", len(summary.Reports),
		"failures", len(summary.Failures))

	return summary, nil
}

func (r *Runner) runTable(ctx context.Context, table string) (*diff.Report, *TableFailure) {
	desc, err := r.describeTable(ctx, table)
	if err != nil {
		return nil, &TableFailure{Table: table, Err: err.Error()}
	}

	if !r.cfg.DiffOnly {
		cursor, file, err := r.snapshotTable(ctx, desc)
		if err != nil {
			return nil, &TableFailure{
				Table:      table,
				Err:        err.Error(),
				LastOffset: cursor.Offset,
				File:       file,
			}
		}
	}

	if r.cfg.SnapshotOnly {
		return nil, nil
	}

	orchestrator := diff.NewOrchestrator(
		r.source, r.target, r.comparer,
		r.cfg.ChunkSize, r.cfg.StartPosition, r.cfg.MaxConnections)

	report, err := orchestrator.Run(ctx, r.runID, desc)
	if err != nil {
		return nil, &TableFailure{Table: table, Err: err.Error()}
	}

	return report, nil
}

func (r *Runner) describeTable(ctx context.Context, table string) (record.TableDescriptor, error) {
	columns, err := r.source.TableColumns(ctx, r.cfg.Schema, table)
	if err != nil {
		return record.TableDescriptor{}, err
	}

	primaryKey, err := r.source.PrimaryKey(ctx, r.cfg.Schema, table)
	if err != nil {
		return record.TableDescriptor{}, err
	}

	desc := record.TableDescriptor{
		Schema:     r.cfg.Schema,
		Name:       table,
		Columns:    columns,
		PrimaryKey: primaryKey,
	}

	if err := desc.Validate(); err != nil {
		return record.TableDescriptor{}, err
	}

	logger.Debug("[runner] table described",
		"table", desc.QualifiedName(),
		"columns", len(desc.Columns),
		"primaryKey", desc.PrimaryKey)

	return desc, nil
}

// snapshotTable reconstructs the table's point-in-time state in the
// target from the located export files. Returns the replay cursor and
// the file in flight when an error occurred.
func (r *Runner) snapshotTable(ctx context.Context, desc record.TableDescriptor) (replay.Cursor, string, error) {
	if err := r.target.CreateSchema(ctx, desc.Schema); err != nil {
		return replay.Cursor{}, "", err
	}
	if err := r.target.CreateTable(ctx, desc); err != nil {
		return replay.Cursor{}, "", err
	}

	locator := storage.NewLocator(r.store, r.cfg)
	files, err := locator.Locate(ctx, desc.Name)
	if err != nil {
		return replay.Cursor{}, "", err
	}

	var records []record.ChangeRecord
	var seq int64

	for _, file := range files {
		fileRecords, err := r.readFile(ctx, file, desc)
		if err != nil {
			return replay.Cursor{}, file.Key, err
		}

		for i := range fileRecords {
			fileRecords[i].Seq = seq
			seq++
		}
		records = append(records, fileRecords...)
	}

	engine := replay.NewEngine(r.target, r.cfg.BatchSize)
	cursor, err := engine.Replay(ctx, desc, records, r.cfg.StartPosition)
	if err != nil {
		return cursor, "", err
	}

	return cursor, "", nil
}

func (r *Runner) readFile(ctx context.Context, file storage.FileDescriptor, desc record.TableDescriptor) ([]record.ChangeRecord, error) {
	var body io.ReadCloser

	err := retry.Do(
		func() error {
			var fetchErr error
			body, fetchErr = r.store.Fetch(ctx, r.cfg.Bucket, file.Key)
			return fetchErr
		},
		retry.Context(ctx),
		retry.Attempts(4),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[runner] fetch failed, retrying", "attempt", n+1, "key", file.Key, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", file.Key, err)
	}
	defer body.Close()

	records, err := r.decoder.Decode(ctx, body, desc, file.Key, file.LoadFile)
	if err != nil {
		return nil, err
	}

	logger.Debug("[runner] file decoded", "key", file.Key, "records", len(records), "loadFile", file.LoadFile)
	return records, nil
}
