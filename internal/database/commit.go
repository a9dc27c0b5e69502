package database

import (
	"context"
	"fmt"
	"time"

	"github.com/trogers1052/stock-history-ingestor/internal/models"
)

// CommitIngestion stores the records of one ingestion pass and, when
// watermark is not nil, advances the issuer's last confirmed date, all in a
// single transaction. A failure leaves both tables unchanged.
func (db *DB) CommitIngestion(ctx context.Context, issuer string, records []*models.StockRecord, watermark *time.Time) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// stock_records references issuer_progress
	_, err = tx.ExecContext(ctx, `
		INSERT INTO issuer_progress (issuer, last_confirmed_date, updated_at)
		VALUES ($1, NULL, $2)
		ON CONFLICT (issuer) DO NOTHING
	`, issuer, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to register issuer %s: %w", issuer, err)
	}

	inserted, err := insertStockRecords(ctx, tx, records)
	if err != nil {
		return 0, err
	}

	if watermark != nil {
		if err := setWatermark(ctx, tx, issuer, *watermark); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}
