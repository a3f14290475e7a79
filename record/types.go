package record

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Metadata columns carried by every CDC export file. They order and
// classify each row event and never reach the reconstructed table.
const (
	OpColumn        = "Op"
	TimestampColumn = "_dms_ingestion_timestamp"
)

// OpKind is the operation a change record applies to its key.
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

func (o OpKind) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

func ParseOpKind(s string) (OpKind, error) {
	switch strings.TrimSpace(s) {
	case "I":
		return OpInsert, nil
	case "U":
		return OpUpdate, nil
	case "D":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("undefined operation kind %q", s)
	}
}

type Column struct {
	Name     string
	DataType string
}

// TableDescriptor is the schema of one table for the duration of a run.
// Introspected once at startup, immutable afterwards.
type TableDescriptor struct {
	Schema     string
	Name       string
	Columns    []Column
	PrimaryKey []string
}

func (d TableDescriptor) QualifiedName() string {
	return fmt.Sprintf("%s.%s", d.Schema, d.Name)
}

func (d TableDescriptor) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

func (d TableDescriptor) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (d TableDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("table name cannot be empty")
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", d.QualifiedName())
	}
	if len(d.PrimaryKey) == 0 {
		return fmt.Errorf("table %s has no primary key", d.QualifiedName())
	}
	for _, pk := range d.PrimaryKey {
		if !d.HasColumn(pk) {
			return fmt.Errorf("table %s: primary key column %s is not a declared column", d.QualifiedName(), pk)
		}
	}
	return nil
}

// ChangeRecord is one decoded row event. Created by the reader, consumed
// by the replay engine, never mutated.
type ChangeRecord struct {
	Key       string
	KeyValues []any
	Values    map[string]any
	Op        OpKind
	Timestamp time.Time
	Source    string
	Seq       int64
}

// KeyOf builds the canonical key string for a tuple of primary-key
// values. The unit separator keeps composite keys unambiguous.
func KeyOf(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = Canonical(v)
	}
	return strings.Join(parts, "\x1f")
}

// Canonical renders a decoded value into the comparison form used for
// key identity and row diffing. NULL is distinct from every value.
func Canonical(v any) string {
	switch val := v.(type) {
	case nil:
		return "\x00NULL"
	case string:
		return val
	case []byte:
		return fmt.Sprintf("\\x%x", val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		return trimFloat(fmt.Sprintf("%f", val))
	case float32:
		return trimFloat(fmt.Sprintf("%f", val))
	default:
		return fmt.Sprint(val)
	}
}

func trimFloat(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// MetadataColumns lists the export metadata column names.
func MetadataColumns() []string {
	return []string{OpColumn, TimestampColumn}
}

func IsMetadataColumn(name string) bool {
	return slices.Contains(MetadataColumns(), name)
}
