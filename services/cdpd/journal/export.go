package journal

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	Seq       int64  `parquet:"name=seq, type=INT64"`
	ID        string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind      string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Op        string `parquet:"name=op, type=BYTE_ARRAY, convertedtype=UTF8"`
	Actor     string `parquet:"name=actor, type=BYTE_ARRAY, convertedtype=UTF8"`
	Vault     string `parquet:"name=vault, type=BYTE_ARRAY, convertedtype=UTF8"`
	Request   string `parquet:"name=request, type=BYTE_ARRAY, convertedtype=UTF8"`
	Events    string `parquet:"name=events, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status    string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Error     string `parquet:"name=error, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevHash  string `parquet:"name=prev_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hash      string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes every journal entry to a snappy-compressed parquet
// file at path and returns the number of rows written.
func (j *Journal) ExportParquet(ctx context.Context, path string) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("journal: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	var (
		after   uint64
		written int
	)
	for {
		batch, err := j.Entries(ctx, after, verifyBatch)
		if err != nil {
			file.Close()
			return written, err
		}
		for i := range batch {
			entry := &batch[i]
			row := &parquetRow{
				Seq:       int64(entry.Seq),
				ID:        entry.ID.String(),
				Kind:      entry.Kind,
				Op:        entry.Op,
				Actor:     entry.Actor,
				Vault:     entry.Vault,
				Request:   entry.Request,
				Events:    entry.Events,
				Status:    entry.Status,
				Error:     entry.Error,
				PrevHash:  entry.PrevHash,
				Hash:      entry.Hash,
				CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
			}
			if err := pw.Write(row); err != nil {
				file.Close()
				return written, fmt.Errorf("journal: write parquet row: %w", err)
			}
			after = entry.Seq
			written++
		}
		if len(batch) < verifyBatch {
			break
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("journal: finalize parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("journal: close parquet: %w", err)
	}
	return written, nil
}
