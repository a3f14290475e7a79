package record

import (
	"context"
	"io"
)

// Decoder turns one export file into typed change records. Structural
// failures (schema drift, unreadable columns, truncated files) are fatal
// for the file and carry its identity.
type Decoder interface {
	Decode(ctx context.Context, r io.Reader, desc TableDescriptor, source string, loadFile bool) ([]ChangeRecord, error)
}
