package pgops

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/snapflowio/reconcile/record"
)

func tablesInSchemaSQL(schema string, included, excluded []string) string {
	var filter string
	switch {
	case len(included) > 0:
		filter = fmt.Sprintf(" AND table_name IN (%s)", quoteLiteralList(included))
	case len(excluded) > 0:
		filter = fmt.Sprintf(" AND table_name NOT IN (%s)", quoteLiteralList(excluded))
	}

	return fmt.Sprintf(
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = %s AND table_type = 'BASE TABLE'%s
		 ORDER BY table_name`,
		quoteLiteral(schema), filter)
}

func tableColumnsSQL(schema, table string) string {
	return fmt.Sprintf(
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = %s AND table_name = %s
		 ORDER BY ordinal_position`,
		quoteLiteral(schema), quoteLiteral(table))
}

func primaryKeySQL(schema, table string) string {
	return fmt.Sprintf(
		`SELECT a.attname
		 FROM pg_index i
		 JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		 WHERE i.indrelid = %s::regclass AND i.indisprimary
		 ORDER BY array_position(i.indkey, a.attnum)`,
		quoteLiteral(fmt.Sprintf("%s.%s", schema, table)))
}

func createSchemaSQL(schema string) string {
	return fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(schema))
}

func createTableSQL(desc record.TableDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", qualifiedName(desc))

	for _, col := range desc.Columns {
		fmt.Fprintf(&b, "%s %s, ", pq.QuoteIdentifier(col.Name), col.DataType)
	}

	fmt.Fprintf(&b, "PRIMARY KEY (%s))", quoteIdentifierList(desc.PrimaryKey))
	return b.String()
}

func upsertSQL(desc record.TableDescriptor, rows []Row) string {
	columns := desc.ColumnNames()

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", qualifiedName(desc), quoteIdentifierList(columns))

	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, col := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteLiteral(row[col]))
		}
		b.WriteByte(')')
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", quoteIdentifierList(desc.PrimaryKey))

	assignments := make([]string, 0, len(columns))
	for _, col := range columns {
		quoted := pq.QuoteIdentifier(col)
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted))
	}
	b.WriteString(strings.Join(assignments, ", "))

	return b.String()
}

func deleteSQL(desc record.TableDescriptor, keys [][]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DELETE FROM %s WHERE (%s) IN (", qualifiedName(desc), quoteIdentifierList(desc.PrimaryKey))

	for i, key := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, v := range key {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteLiteral(v))
		}
		b.WriteByte(')')
	}

	b.WriteByte(')')
	return b.String()
}

func fetchSliceSQL(desc record.TableDescriptor, offset, limit int64) string {
	return fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY %s LIMIT %d OFFSET %d",
		quoteIdentifierList(desc.ColumnNames()), qualifiedName(desc),
		quoteIdentifierList(desc.PrimaryKey), limit, offset)
}

func countRowsSQL(schema, table string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", pq.QuoteIdentifier(schema), pq.QuoteIdentifier(table))
}

func qualifiedName(desc record.TableDescriptor) string {
	return fmt.Sprintf("%s.%s", pq.QuoteIdentifier(desc.Schema), pq.QuoteIdentifier(desc.Name))
}

func quoteIdentifierList(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = pq.QuoteIdentifier(name)
	}
	return strings.Join(quoted, ", ")
}

func quoteLiteralList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quoteLiteral(v)
	}
	return strings.Join(quoted, ", ")
}

// quoteLiteral renders one Go value as a Postgres literal. Statements
// are assembled as text because values cross the wire in the simple
// query protocol, so everything funnels through here.
func quoteLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case []byte:
		return fmt.Sprintf(`'\x%x'`, val)
	case time.Time:
		return "'" + val.UTC().Format("2006-01-02 15:04:05.999999+00") + "'"
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(val)
	case float32, float64:
		return fmt.Sprint(val)
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(val), "'", "''") + "'"
	}
}
