package replay

import (
	"sort"
	"time"

	"github.com/snapflowio/reconcile/pgops"
	"github.com/snapflowio/reconcile/record"
)

// TerminalOp is the single database mutation a primary key resolves to
// after all of its change records are ordered and reduced: a full-row
// upsert or a delete.
type TerminalOp struct {
	Key       string
	KeyValues []any
	Values    pgops.Row
	Timestamp time.Time
	Delete    bool

	// EndOffset is the ordinal just past this key's last record in the
	// merged stream. The offset of a resumed run starts here.
	EndOffset int64
}

// OrderedStream sorts change records into the deterministic replay
// order: primary key, then ingestion timestamp ascending, then arrival
// sequence as the tie-break for equal timestamps. Arrival order is the
// best available approximation of write order, not a guarantee.
func OrderedStream(records []record.ChangeRecord) []record.ChangeRecord {
	stream := make([]record.ChangeRecord, len(records))
	copy(stream, records)

	sort.SliceStable(stream, func(i, j int) bool {
		a, b := stream[i], stream[j]
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Seq < b.Seq
	})

	return stream
}

// Plan reduces the merged stream to one terminal operation per key,
// skipping the first startPos records. Within a key only the last
// record matters: its payload fully replaces prior state, and a final
// delete removes the row.
func Plan(records []record.ChangeRecord, startPos int64) []TerminalOp {
	stream := OrderedStream(records)
	if startPos >= int64(len(stream)) {
		return nil
	}
	if startPos < 0 {
		startPos = 0
	}
	stream = stream[startPos:]

	var ops []TerminalOp
	for i, rec := range stream {
		if len(ops) > 0 && ops[len(ops)-1].Key == rec.Key {
			ops[len(ops)-1] = terminalOf(rec, startPos+int64(i)+1)
			continue
		}
		ops = append(ops, terminalOf(rec, startPos+int64(i)+1))
	}

	return ops
}

func terminalOf(rec record.ChangeRecord, endOffset int64) TerminalOp {
	op := TerminalOp{
		Key:       rec.Key,
		KeyValues: rec.KeyValues,
		Timestamp: rec.Timestamp,
		Delete:    rec.Op == record.OpDelete,
		EndOffset: endOffset,
	}

	if !op.Delete {
		op.Values = pgops.Row(rec.Values)
	}

	return op
}
