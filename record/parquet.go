package record

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

const readBatchSize = 4096

// ParquetDecoder decodes parquet export files through Arrow.
type ParquetDecoder struct {
	alloc memory.Allocator
}

func NewParquetDecoder() *ParquetDecoder {
	return &ParquetDecoder{alloc: memory.DefaultAllocator}
}

func (d *ParquetDecoder) Decode(ctx context.Context, r io.Reader, desc TableDescriptor, source string, loadFile bool) ([]ChangeRecord, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", source, err)
	}

	pf, err := file.NewParquetReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open parquet file %s: %w", source, err)
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: readBatchSize}, d.alloc)
	if err != nil {
		return nil, fmt.Errorf("open arrow reader for %s: %w", source, err)
	}

	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("decode parquet file %s: %w", source, err)
	}
	defer tbl.Release()

	records, err := recordsFromTable(tbl, desc, source, loadFile)
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", source, err)
	}

	return records, nil
}
