package diff

type DiscrepancyKind string

const (
	// MissingInTarget: the source row has no counterpart in the target.
	MissingInTarget DiscrepancyKind = "missing_in_target"
	// MissingInSource: the target row has no counterpart in the source.
	MissingInSource DiscrepancyKind = "missing_in_source"
	// ValueMismatch: both rows exist but differ in at least one column.
	ValueMismatch DiscrepancyKind = "value_mismatch"
)

type ColumnDiff struct {
	Column string
	Source any
	Target any
}

// Discrepancy is one detected row-level mismatch.
type Discrepancy struct {
	Kind    DiscrepancyKind
	Key     string
	Columns []ColumnDiff
}

// WindowResult is the outcome of comparing one window. A window whose
// fetches exhausted their retries is recorded as unverified rather than
// dropped, so partial results stay usable.
type WindowResult struct {
	Window        Window
	Discrepancies []Discrepancy
	MatchedRows   int64
	Unverified    bool
	Error         string
}

// Report is the aggregated per-table outcome, windows in offset order.
// Append-only during the run, never mutated after finalization.
type Report struct {
	RunID         string
	Schema        string
	Table         string
	SourceRows    int64
	TargetRows    int64
	ChunkSize     int64
	StartPosition int64
	Windows       []WindowResult
}

func (r *Report) Discrepancies() []Discrepancy {
	var out []Discrepancy
	for _, w := range r.Windows {
		out = append(out, w.Discrepancies...)
	}
	return out
}

func (r *Report) Unverified() []WindowResult {
	var out []WindowResult
	for _, w := range r.Windows {
		if w.Unverified {
			out = append(out, w)
		}
	}
	return out
}

func (r *Report) MatchedRows() int64 {
	var total int64
	for _, w := range r.Windows {
		total += w.MatchedRows
	}
	return total
}

// Clean reports whether every window was verified and matched.
func (r *Report) Clean() bool {
	for _, w := range r.Windows {
		if w.Unverified || len(w.Discrepancies) > 0 {
			return false
		}
	}
	return true
}
