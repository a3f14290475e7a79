package reconcile

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapflowio/reconcile/config"
	"github.com/snapflowio/reconcile/pgops"
	"github.com/snapflowio/reconcile/record"
	"github.com/snapflowio/reconcile/storage"
)

// fakeOperator is a complete in-memory stand-in for one database: it
// serves introspection from the descriptor, applies batches to a row
// map, and fetches primary-key-ordered slices from it.
type fakeOperator struct {
	desc record.TableDescriptor
	rows map[string]pgops.Row

	schemasCreated []string
	tablesCreated  []string
}

func newFakeOperator(desc record.TableDescriptor, rows ...pgops.Row) *fakeOperator {
	op := &fakeOperator{desc: desc, rows: make(map[string]pgops.Row)}
	for _, row := range rows {
		op.rows[op.keyOf(row)] = row
	}
	return op
}

func (f *fakeOperator) keyOf(row pgops.Row) string {
	keyValues := make([]any, len(f.desc.PrimaryKey))
	for i, pk := range f.desc.PrimaryKey {
		keyValues[i] = row[pk]
	}
	return record.KeyOf(keyValues)
}

func (f *fakeOperator) TablesInSchema(_ context.Context, _ string, included, _ []string) ([]string, error) {
	if len(included) > 0 {
		return included, nil
	}
	return []string{f.desc.Name}, nil
}

func (f *fakeOperator) TableColumns(context.Context, string, string) ([]record.Column, error) {
	return f.desc.Columns, nil
}

func (f *fakeOperator) PrimaryKey(context.Context, string, string) ([]string, error) {
	return f.desc.PrimaryKey, nil
}

func (f *fakeOperator) CreateSchema(_ context.Context, schema string) error {
	f.schemasCreated = append(f.schemasCreated, schema)
	return nil
}

func (f *fakeOperator) CreateTable(_ context.Context, desc record.TableDescriptor) error {
	f.tablesCreated = append(f.tablesCreated, desc.QualifiedName())
	return nil
}

func (f *fakeOperator) ApplyBatch(_ context.Context, _ record.TableDescriptor, upserts []pgops.Row, deleteKeys [][]any) error {
	for _, key := range deleteKeys {
		delete(f.rows, record.KeyOf(key))
	}
	for _, row := range upserts {
		f.rows[f.keyOf(row)] = row
	}
	return nil
}

func (f *fakeOperator) FetchSlice(_ context.Context, _ record.TableDescriptor, offset, limit int64) ([]pgops.Row, error) {
	keys := make([]string, 0, len(f.rows))
	for key := range f.rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	if offset >= int64(len(keys)) {
		return nil, nil
	}
	end := offset + limit
	if end > int64(len(keys)) {
		end = int64(len(keys))
	}

	slice := make([]pgops.Row, 0, end-offset)
	for _, key := range keys[offset:end] {
		slice = append(slice, f.rows[key])
	}
	return slice, nil
}

func (f *fakeOperator) CountRows(context.Context, string, string) (int64, error) {
	return int64(len(f.rows)), nil
}

// fakeStore lists a fixed key set; every fetch hands back an empty body
// because the fake decoder works off the key alone.
type fakeStore struct {
	keys []string
}

func (f *fakeStore) List(_ context.Context, _ string, prefix string) ([]storage.Object, error) {
	var objects []storage.Object
	for _, key := range f.keys {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, storage.Object{Key: key})
		}
	}
	return objects, nil
}

func (f *fakeStore) Fetch(_ context.Context, _ string, key string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

type fakeDecoder struct {
	byKey map[string][]record.ChangeRecord
	errAt string
}

func (f *fakeDecoder) Decode(_ context.Context, _ io.Reader, _ record.TableDescriptor, source string, _ bool) ([]record.ChangeRecord, error) {
	if f.errAt != "" && source == f.errAt {
		return nil, errors.New("corrupt columnar file")
	}
	return f.byKey[source], nil
}

func usersDescriptor() record.TableDescriptor {
	return record.TableDescriptor{
		Schema: "public",
		Name:   "users",
		Columns: []record.Column{
			{Name: "id", DataType: "bigint"},
			{Name: "name", DataType: "text"},
		},
		PrimaryKey: []string{"id"},
	}
}

func change(op record.OpKind, id int64, name string, ts time.Time) record.ChangeRecord {
	keyValues := []any{id}
	return record.ChangeRecord{
		Key:       record.KeyOf(keyValues),
		KeyValues: keyValues,
		Values:    map[string]any{"id": id, "name": name},
		Op:        op,
		Timestamp: ts,
	}
}

func runConfig(opts ...config.Option) config.Config {
	base := []config.Option{
		config.WithBucket("exports"),
		config.WithPrefix("data/landing"),
		config.WithDatabase("appdb"),
		config.WithSourceDSN("postgres://src@localhost/appdb"),
		config.WithTargetDSN("postgres://tgt@localhost/scratch"),
		config.WithDateRange(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Time{}),
	}
	return *config.NewConfig(append(base, opts...)...)
}

const (
	loadKey = "data/landing/appdb/public/users/LOAD00000001.parquet"
	cdcKey  = "data/landing/appdb/public/users/2024/02/14/20240214-100000000.parquet"
)

func TestRunner_ReplayAndValidateCleanTable(t *testing.T) {
	desc := usersDescriptor()
	t0 := time.Date(2024, 2, 14, 10, 0, 0, 0, time.UTC)

	source := newFakeOperator(desc,
		pgops.Row{"id": int64(1), "name": "a"},
		pgops.Row{"id": int64(2), "name": "b"},
	)
	target := newFakeOperator(desc)

	store := &fakeStore{keys: []string{loadKey, cdcKey}}
	decoder := &fakeDecoder{byKey: map[string][]record.ChangeRecord{
		cdcKey: {
			change(record.OpInsert, 1, "a", t0),
			change(record.OpInsert, 2, "x", t0.Add(time.Second)),
			change(record.OpUpdate, 2, "b", t0.Add(2*time.Second)),
			change(record.OpDelete, 3, "", t0.Add(3*time.Second)),
		},
	}}

	runner, err := NewRunner(context.Background(), runConfig(config.WithChunkSize(1)),
		WithObjectStore(store),
		WithDecoder(decoder),
		WithOperators(source, target),
	)
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())

	require.NoError(t, err)
	assert.False(t, summary.Fatal())
	assert.NotEmpty(t, summary.RunID)

	// The reconstructed target matches the source row for row.
	require.Len(t, target.rows, 2)
	assert.Equal(t, []string{"public"}, target.schemasCreated)
	assert.Equal(t, []string{"public.users"}, target.tablesCreated)

	require.Len(t, summary.Reports, 1)
	report := summary.Reports[0]
	assert.True(t, report.Clean())
	assert.Equal(t, int64(2), report.SourceRows)
	assert.Equal(t, int64(2), report.TargetRows)
	assert.Equal(t, int64(2), report.MatchedRows())
	assert.Len(t, report.Windows, 2)
}

func TestRunner_DetectsDrift(t *testing.T) {
	desc := usersDescriptor()
	t0 := time.Date(2024, 2, 14, 10, 0, 0, 0, time.UTC)

	// The export stream never carries the source's correction of row 2.
	source := newFakeOperator(desc,
		pgops.Row{"id": int64(1), "name": "a"},
		pgops.Row{"id": int64(2), "name": "corrected"},
	)
	target := newFakeOperator(desc)

	store := &fakeStore{keys: []string{cdcKey}}
	decoder := &fakeDecoder{byKey: map[string][]record.ChangeRecord{
		cdcKey: {
			change(record.OpInsert, 1, "a", t0),
			change(record.OpInsert, 2, "stale", t0.Add(time.Second)),
		},
	}}

	runner, err := NewRunner(context.Background(), runConfig(),
		WithObjectStore(store),
		WithDecoder(decoder),
		WithOperators(source, target),
	)
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, summary.Reports, 1)

	discrepancies := summary.Reports[0].Discrepancies()
	require.Len(t, discrepancies, 1)
	assert.Equal(t, "name", discrepancies[0].Columns[0].Column)
	assert.Equal(t, "corrected", discrepancies[0].Columns[0].Source)
	assert.Equal(t, "stale", discrepancies[0].Columns[0].Target)
}

func TestRunner_DecodeFailureIsRecordedWithFile(t *testing.T) {
	desc := usersDescriptor()

	source := newFakeOperator(desc, pgops.Row{"id": int64(1), "name": "a"})
	target := newFakeOperator(desc)

	store := &fakeStore{keys: []string{cdcKey}}
	decoder := &fakeDecoder{errAt: cdcKey}

	runner, err := NewRunner(context.Background(), runConfig(),
		WithObjectStore(store),
		WithDecoder(decoder),
		WithOperators(source, target),
	)
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, summary.Fatal())
	require.Len(t, summary.Failures, 1)

	failure := summary.Failures[0]
	assert.Equal(t, "users", failure.Table)
	assert.Equal(t, cdcKey, failure.File)
	assert.Contains(t, failure.Err, "corrupt columnar file")
}

func TestRunner_SnapshotOnlySkipsDiff(t *testing.T) {
	desc := usersDescriptor()
	t0 := time.Date(2024, 2, 14, 10, 0, 0, 0, time.UTC)

	source := newFakeOperator(desc, pgops.Row{"id": int64(1), "name": "a"})
	target := newFakeOperator(desc)

	store := &fakeStore{keys: []string{cdcKey}}
	decoder := &fakeDecoder{byKey: map[string][]record.ChangeRecord{
		cdcKey: {change(record.OpInsert, 1, "a", t0)},
	}}

	runner, err := NewRunner(context.Background(), runConfig(config.WithSnapshotOnly(true)),
		WithObjectStore(store),
		WithDecoder(decoder),
		WithOperators(source, target),
	)
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())

	require.NoError(t, err)
	assert.False(t, summary.Fatal())
	assert.Empty(t, summary.Reports)
	assert.Len(t, target.rows, 1)
}

func TestRunner_DiffOnlySkipsReplay(t *testing.T) {
	desc := usersDescriptor()

	rows := []pgops.Row{
		{"id": int64(1), "name": "a"},
		{"id": int64(2), "name": "b"},
	}
	source := newFakeOperator(desc, rows...)
	target := newFakeOperator(desc, rows...)

	runner, err := NewRunner(context.Background(), runConfig(config.WithDiffOnly(true)),
		WithOperators(source, target),
	)
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, summary.Reports, 1)
	assert.True(t, summary.Reports[0].Clean())
	assert.Empty(t, target.schemasCreated)
	assert.Empty(t, target.tablesCreated)
}

func TestRunner_RejectsInvalidConfig(t *testing.T) {
	_, err := NewRunner(context.Background(), config.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation")
}
