package pgops

import (
	"context"

	"github.com/snapflowio/reconcile/record"
)

// Row is one fetched table row, column name to value. Values read back
// from the database arrive in text form.
type Row map[string]any

// Operator is the relational-database capability the engine drives:
// schema introspection, target bootstrap, batched mutation, and ordered
// slice fetches for diffing. Production and test implementations sit
// behind this interface.
type Operator interface {
	TablesInSchema(ctx context.Context, schema string, included, excluded []string) ([]string, error)
	TableColumns(ctx context.Context, schema, table string) ([]record.Column, error)
	PrimaryKey(ctx context.Context, schema, table string) ([]string, error)

	CreateSchema(ctx context.Context, schema string) error
	CreateTable(ctx context.Context, desc record.TableDescriptor) error

	// ApplyBatch commits the given upserts and deletes atomically.
	ApplyBatch(ctx context.Context, desc record.TableDescriptor, upserts []Row, deleteKeys [][]any) error

	// FetchSlice returns limit rows ordered by primary key, starting at
	// offset. The ordering is total and deterministic.
	FetchSlice(ctx context.Context, desc record.TableDescriptor, offset, limit int64) ([]Row, error)
	CountRows(ctx context.Context, schema, table string) (int64, error)
}
