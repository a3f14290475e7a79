package pgops

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/snapflowio/reconcile/internal/pg"
	"github.com/snapflowio/reconcile/logger"
	"github.com/snapflowio/reconcile/pool"
	"github.com/snapflowio/reconcile/record"
)

// PgOperator implements Operator over a bounded connection pool.
type PgOperator struct {
	pool *pool.Pool
}

func NewPgOperator(p *pool.Pool) *PgOperator {
	return &PgOperator{pool: p}
}

func (o *PgOperator) TablesInSchema(ctx context.Context, schema string, included, excluded []string) ([]string, error) {
	results, err := o.query(ctx, tablesInSchemaSQL(schema, included, excluded))
	if err != nil {
		return nil, fmt.Errorf("list tables in schema %s: %w", schema, err)
	}

	var tables []string
	for _, row := range rows(results) {
		tables = append(tables, string(row[0]))
	}

	return tables, nil
}

func (o *PgOperator) TableColumns(ctx context.Context, schema, table string) ([]record.Column, error) {
	results, err := o.query(ctx, tableColumnsSQL(schema, table))
	if err != nil {
		return nil, fmt.Errorf("columns of %s.%s: %w", schema, table, err)
	}

	var columns []record.Column
	for _, row := range rows(results) {
		dataType := string(row[1])
		// information_schema reports array columns as ARRAY; exports
		// carry their text rendering.
		if dataType == "ARRAY" {
			dataType = "text[]"
		}
		columns = append(columns, record.Column{Name: string(row[0]), DataType: dataType})
	}

	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s.%s has no columns", schema, table)
	}

	return columns, nil
}

func (o *PgOperator) PrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	results, err := o.query(ctx, primaryKeySQL(schema, table))
	if err != nil {
		return nil, fmt.Errorf("primary key of %s.%s: %w", schema, table, err)
	}

	var key []string
	for _, row := range rows(results) {
		key = append(key, string(row[0]))
	}

	return key, nil
}

func (o *PgOperator) CreateSchema(ctx context.Context, schema string) error {
	if err := o.exec(ctx, createSchemaSQL(schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}

func (o *PgOperator) CreateTable(ctx context.Context, desc record.TableDescriptor) error {
	if err := o.exec(ctx, createTableSQL(desc)); err != nil {
		return fmt.Errorf("create table %s: %w", desc.QualifiedName(), err)
	}
	return nil
}

func (o *PgOperator) ApplyBatch(ctx context.Context, desc record.TableDescriptor, upserts []Row, deleteKeys [][]any) error {
	if len(upserts) == 0 && len(deleteKeys) == 0 {
		return nil
	}

	return o.pool.With(ctx, func(conn pg.Connection) error {
		tx := batchTransaction{ctx: ctx, conn: conn}

		if err := tx.begin(); err != nil {
			return err
		}
		defer tx.rollbackIfNeeded()

		if len(deleteKeys) > 0 {
			if err := execSQL(ctx, conn, deleteSQL(desc, deleteKeys)); err != nil {
				return fmt.Errorf("delete batch on %s: %w", desc.QualifiedName(), err)
			}
		}

		if len(upserts) > 0 {
			if err := execSQL(ctx, conn, upsertSQL(desc, upserts)); err != nil {
				return fmt.Errorf("upsert batch on %s: %w", desc.QualifiedName(), err)
			}
		}

		return tx.commit()
	})
}

func (o *PgOperator) FetchSlice(ctx context.Context, desc record.TableDescriptor, offset, limit int64) ([]Row, error) {
	results, err := o.query(ctx, fetchSliceSQL(desc, offset, limit))
	if err != nil {
		return nil, fmt.Errorf("fetch slice of %s at %d: %w", desc.QualifiedName(), offset, err)
	}

	if len(results) == 0 {
		return nil, nil
	}

	fields := results[0].FieldDescriptions
	out := make([]Row, 0, len(results[0].Rows))
	for _, raw := range results[0].Rows {
		row := make(Row, len(fields))
		for i, field := range fields {
			if i >= len(raw) {
				break
			}
			if raw[i] == nil {
				row[field.Name] = nil
			} else {
				row[field.Name] = string(raw[i])
			}
		}
		out = append(out, row)
	}

	return out, nil
}

func (o *PgOperator) CountRows(ctx context.Context, schema, table string) (int64, error) {
	results, err := o.query(ctx, countRowsSQL(schema, table))
	if err != nil {
		return 0, fmt.Errorf("count rows of %s.%s: %w", schema, table, err)
	}

	allRows := rows(results)
	if len(allRows) == 0 || len(allRows[0]) == 0 {
		return 0, fmt.Errorf("count rows of %s.%s: empty result", schema, table)
	}

	count, err := strconv.ParseInt(string(allRows[0][0]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("count rows of %s.%s: %w", schema, table, err)
	}

	return count, nil
}

func (o *PgOperator) query(ctx context.Context, sql string) ([]*pgconn.Result, error) {
	var results []*pgconn.Result
	err := o.pool.With(ctx, func(conn pg.Connection) error {
		var queryErr error
		results, queryErr = execQuery(ctx, conn, sql)
		return queryErr
	})
	return results, err
}

func (o *PgOperator) exec(ctx context.Context, sql string) error {
	return o.pool.With(ctx, func(conn pg.Connection) error {
		return execSQL(ctx, conn, sql)
	})
}

func execSQL(ctx context.Context, conn pg.Connection, sql string) error {
	resultReader := conn.Exec(ctx, sql)
	if _, err := resultReader.ReadAll(); err != nil {
		_ = resultReader.Close()
		return err
	}
	return resultReader.Close()
}

func execQuery(ctx context.Context, conn pg.Connection, sql string) ([]*pgconn.Result, error) {
	resultReader := conn.Exec(ctx, sql)
	results, err := resultReader.ReadAll()
	if err != nil {
		_ = resultReader.Close()
		return nil, err
	}

	if err := resultReader.Close(); err != nil {
		return nil, err
	}

	return results, nil
}

func rows(results []*pgconn.Result) [][][]byte {
	var out [][][]byte
	for _, result := range results {
		out = append(out, result.Rows...)
	}
	return out
}

type batchTransaction struct {
	ctx       context.Context
	conn      pg.Connection
	committed bool
}

func (tx *batchTransaction) begin() error {
	if err := execSQL(tx.ctx, tx.conn, "BEGIN"); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	return nil
}

func (tx *batchTransaction) commit() error {
	if err := execSQL(tx.ctx, tx.conn, "COMMIT"); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	tx.committed = true
	return nil
}

func (tx *batchTransaction) rollbackIfNeeded() {
	if !tx.committed {
		if err := execSQL(tx.ctx, tx.conn, "ROLLBACK"); err != nil {
			logger.Warn("[pgops] rollback failed", "error", err)
		}
	}
}
