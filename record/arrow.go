package record

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

var ingestionTimestampFormats = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
}

// recordsFromTable converts a decoded Arrow table into change records,
// validating the file schema against the table descriptor both ways.
func recordsFromTable(tbl arrow.Table, desc TableDescriptor, source string, loadFile bool) ([]ChangeRecord, error) {
	schema := tbl.Schema()

	opIdx, tsIdx := -1, -1
	payloadIdx := make(map[string]int, len(desc.Columns))

	for i, field := range schema.Fields() {
		if IsMetadataColumn(field.Name) {
			if field.Name == OpColumn {
				opIdx = i
			} else {
				tsIdx = i
			}
			continue
		}

		if !desc.HasColumn(field.Name) {
			return nil, fmt.Errorf("column %s is not declared for table %s", field.Name, desc.QualifiedName())
		}
		payloadIdx[field.Name] = i
	}

	for _, col := range desc.Columns {
		if _, ok := payloadIdx[col.Name]; !ok {
			return nil, fmt.Errorf("declared column %s is missing for table %s", col.Name, desc.QualifiedName())
		}
	}

	if !loadFile && (opIdx == -1 || tsIdx == -1) {
		return nil, fmt.Errorf("CDC file lacks %s/%s metadata columns", OpColumn, TimestampColumn)
	}

	records := make([]ChangeRecord, 0, tbl.NumRows())

	tr := array.NewTableReader(tbl, readBatchSize)
	defer tr.Release()

	for tr.Next() {
		rec := tr.Record()
		for row := 0; row < int(rec.NumRows()); row++ {
			cr, err := buildRecord(rec, row, desc, payloadIdx, opIdx, tsIdx, source)
			if err != nil {
				return nil, err
			}
			records = append(records, cr)
		}
	}

	return records, nil
}

func buildRecord(rec arrow.Record, row int, desc TableDescriptor, payloadIdx map[string]int, opIdx, tsIdx int, source string) (ChangeRecord, error) {
	cr := ChangeRecord{
		Op:     OpInsert,
		Source: source,
		Values: make(map[string]any, len(desc.Columns)),
	}

	if opIdx >= 0 {
		raw := valueAt(rec.Column(opIdx), row)
		opStr, ok := raw.(string)
		if !ok {
			return ChangeRecord{}, fmt.Errorf("row %d: %s column is not a string", row, OpColumn)
		}
		op, err := ParseOpKind(opStr)
		if err != nil {
			return ChangeRecord{}, fmt.Errorf("row %d: %w", row, err)
		}
		cr.Op = op
	}

	if tsIdx >= 0 {
		ts, err := coerceTimestamp(valueAt(rec.Column(tsIdx), row))
		if err != nil {
			return ChangeRecord{}, fmt.Errorf("row %d: %w", row, err)
		}
		cr.Timestamp = ts
	}

	for _, col := range desc.Columns {
		cr.Values[col.Name] = valueAt(rec.Column(payloadIdx[col.Name]), row)
	}

	cr.KeyValues = make([]any, len(desc.PrimaryKey))
	for i, pk := range desc.PrimaryKey {
		v := cr.Values[pk]
		if v == nil {
			return ChangeRecord{}, fmt.Errorf("row %d: primary key column %s is null", row, pk)
		}
		cr.KeyValues[i] = v
	}
	cr.Key = KeyOf(cr.KeyValues)

	return cr, nil
}

func coerceTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case string:
		for _, format := range ingestionTimestampFormats {
			if parsed, err := time.Parse(format, ts); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparsable ingestion timestamp %q", ts)
	case nil:
		return time.Time{}, fmt.Errorf("%s is null", TimestampColumn)
	default:
		return time.Time{}, fmt.Errorf("unexpected ingestion timestamp type %T", v)
	}
}

// valueAt pulls one typed value out of an Arrow column. Types the
// engine cares about (decimal, tz-aware timestamp, strings) decode to
// precision-preserving Go values; everything else falls back to the
// Arrow string rendering.
func valueAt(col arrow.Array, row int) any {
	if col.IsNull(row) {
		return nil
	}

	switch a := col.(type) {
	case *array.String:
		return a.Value(row)
	case *array.LargeString:
		return a.Value(row)
	case *array.Int8:
		return int64(a.Value(row))
	case *array.Int16:
		return int64(a.Value(row))
	case *array.Int32:
		return int64(a.Value(row))
	case *array.Int64:
		return a.Value(row)
	case *array.Uint8:
		return int64(a.Value(row))
	case *array.Uint16:
		return int64(a.Value(row))
	case *array.Uint32:
		return int64(a.Value(row))
	case *array.Uint64:
		return int64(a.Value(row))
	case *array.Float32:
		return float64(a.Value(row))
	case *array.Float64:
		return a.Value(row)
	case *array.Boolean:
		return a.Value(row)
	case *array.Timestamp:
		t := a.DataType().(*arrow.TimestampType)
		return a.Value(row).ToTime(t.Unit)
	case *array.Date32:
		return a.Value(row).ToTime()
	case *array.Date64:
		return a.Value(row).ToTime()
	case *array.Decimal128:
		t := a.DataType().(*arrow.Decimal128Type)
		return a.Value(row).ToString(t.Scale)
	case *array.Decimal256:
		t := a.DataType().(*arrow.Decimal256Type)
		return a.Value(row).ToString(t.Scale)
	case *array.Binary:
		return a.Value(row)
	case *array.FixedSizeBinary:
		return a.Value(row)
	default:
		return col.ValueStr(row)
	}
}
