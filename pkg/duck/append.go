package duck

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// AppendTableViaCSV stages count rows produced by writeCSVFn into a temporary CSV
// file and appends them to tableName with a single COPY inside a transaction. The
// CSV columns must match the table's column order.
func AppendTableViaCSV(ctx context.Context, log *slog.Logger, conn Connection, tableName string, count int, writeCSVFn func(*csv.Writer, int) error) error {
	tableAppendStart := time.Now()
	defer func() {
		log.Debug("duck: appending to table completed", "table", tableName, "rows", count, "duration", time.Since(tableAppendStart).String())
	}()

	if count == 0 {
		return nil
	}

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("%s_*.csv", tableName))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	csvWriter := csv.NewWriter(tmpFile)
	for i := range count {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while writing CSV for %s: %w", tableName, ctx.Err())
		default:
		}

		if err := writeCSVFn(csvWriter, i); err != nil {
			return fmt.Errorf("failed to write CSV record %d for %s: %w", i, tableName, err)
		}
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	// Close before COPY, DuckDB opens the file itself.
	tmpFile.Close()

	return WithTx(ctx, log, conn, fmt.Sprintf("append table %s", tableName), func(tx *sql.Tx) error {
		copySQL := fmt.Sprintf("COPY %s FROM %s (FORMAT CSV, HEADER false)", QuoteIdent(tableName), QuoteLiteral(tmpFile.Name()))
		if _, err := tx.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("failed to COPY FROM CSV for %s: %w", tableName, err)
		}
		return nil
	})
}
