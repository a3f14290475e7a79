package diff

import (
	"sort"

	"github.com/snapflowio/reconcile/pgops"
	"github.com/snapflowio/reconcile/record"
)

// Comparer is the tabular-diff capability: given the two row slices of
// one window, it returns the discrepancies and the matched-row count.
// The engine orchestrates it but does not reimplement row equality.
type Comparer interface {
	Compare(desc record.TableDescriptor, source, target []pgops.Row) ([]Discrepancy, int64)
}

// RowComparer matches rows by primary key and compares the remaining
// columns in canonical form.
type RowComparer struct{}

func NewRowComparer() *RowComparer {
	return &RowComparer{}
}

func (c *RowComparer) Compare(desc record.TableDescriptor, source, target []pgops.Row) ([]Discrepancy, int64) {
	sourceByKey := keyRows(desc, source)
	targetByKey := keyRows(desc, target)

	var discrepancies []Discrepancy
	var matched int64

	for _, key := range sortedKeys(sourceByKey) {
		sourceRow := sourceByKey[key]
		targetRow, ok := targetByKey[key]
		if !ok {
			discrepancies = append(discrepancies, Discrepancy{Kind: MissingInTarget, Key: key})
			continue
		}

		if diffs := compareRows(desc, sourceRow, targetRow); len(diffs) > 0 {
			discrepancies = append(discrepancies, Discrepancy{Kind: ValueMismatch, Key: key, Columns: diffs})
		} else {
			matched++
		}
	}

	for _, key := range sortedKeys(targetByKey) {
		if _, ok := sourceByKey[key]; !ok {
			discrepancies = append(discrepancies, Discrepancy{Kind: MissingInSource, Key: key})
		}
	}

	return discrepancies, matched
}

func compareRows(desc record.TableDescriptor, source, target pgops.Row) []ColumnDiff {
	var diffs []ColumnDiff
	for _, col := range desc.Columns {
		sv, tv := source[col.Name], target[col.Name]
		if record.Canonical(sv) != record.Canonical(tv) {
			diffs = append(diffs, ColumnDiff{Column: col.Name, Source: sv, Target: tv})
		}
	}
	return diffs
}

func keyRows(desc record.TableDescriptor, rows []pgops.Row) map[string]pgops.Row {
	byKey := make(map[string]pgops.Row, len(rows))
	for _, row := range rows {
		keyValues := make([]any, len(desc.PrimaryKey))
		for i, pk := range desc.PrimaryKey {
			keyValues[i] = row[pk]
		}
		byKey[record.KeyOf(keyValues)] = row
	}
	return byKey
}

func sortedKeys(rows map[string]pgops.Row) []string {
	keys := make([]string, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
