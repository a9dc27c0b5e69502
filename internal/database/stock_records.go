package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trogers1052/stock-history-ingestor/internal/models"
)

const stockRecordColumns = `issuer, date, last_trade_price, max, min, avg_price,
		       percentage_change, volume, turnover_in_best, total_turnover, created_at`

// InsertStockRecords inserts records that are not stored yet and returns how
// many rows were actually written. Existing (issuer, date) rows are kept as is.
func (db *DB) InsertStockRecords(ctx context.Context, records []*models.StockRecord) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertStockRecords(ctx, tx, records)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

func insertStockRecords(ctx context.Context, tx *sql.Tx, records []*models.StockRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stock_records (
			issuer, date, last_trade_price, max, min, avg_price,
			percentage_change, volume, turnover_in_best, total_turnover, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (issuer, date) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	var inserted int64
	for _, r := range records {
		result, err := stmt.ExecContext(ctx,
			r.Issuer, r.Date.Format(sqlDate), r.LastTradePrice, r.Max, r.Min, r.AvgPrice,
			r.PercentageChange, r.Volume, r.TurnoverInBest, r.TotalTurnover, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert stock record for %s on %s: %w",
				r.Issuer, models.FormatDate(r.Date), err)
		}
		n, _ := result.RowsAffected()
		inserted += n
	}
	return inserted, nil
}

// GetStockRecord retrieves the record of an issuer for one trading day
func (db *DB) GetStockRecord(ctx context.Context, issuer string, date time.Time) (*models.StockRecord, error) {
	query := `SELECT ` + stockRecordColumns + `
		FROM stock_records
		WHERE issuer = $1 AND date = $2
	`
	r, err := scanStockRecord(db.conn.QueryRowContext(ctx, query, issuer, date.Format(sqlDate)))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stock record for %s on %s: %w", issuer, models.FormatDate(date), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stock record: %w", err)
	}
	return r, nil
}

// GetStockRecordsRange retrieves the records of an issuer within a date range, oldest first
func (db *DB) GetStockRecordsRange(ctx context.Context, issuer string, from, to time.Time) ([]*models.StockRecord, error) {
	query := `SELECT ` + stockRecordColumns + `
		FROM stock_records
		WHERE issuer = $1 AND date >= $2 AND date <= $3
		ORDER BY date ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, issuer, from.Format(sqlDate), to.Format(sqlDate))
	if err != nil {
		return nil, fmt.Errorf("failed to get stock records range: %w", err)
	}
	defer rows.Close()

	var records []*models.StockRecord
	for rows.Next() {
		r, err := scanStockRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stock record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetLatestStockRecord retrieves the most recent record of an issuer
func (db *DB) GetLatestStockRecord(ctx context.Context, issuer string) (*models.StockRecord, error) {
	query := `SELECT ` + stockRecordColumns + `
		FROM stock_records
		WHERE issuer = $1
		ORDER BY date DESC
		LIMIT 1
	`
	r, err := scanStockRecord(db.conn.QueryRowContext(ctx, query, issuer))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stock records for %s: %w", issuer, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest stock record: %w", err)
	}
	return r, nil
}

// CountStockRecords returns how many trading days are stored for an issuer
func (db *DB) CountStockRecords(ctx context.Context, issuer string) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM stock_records WHERE issuer = $1`, issuer).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stock records: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStockRecord(row rowScanner) (*models.StockRecord, error) {
	var r models.StockRecord
	var lastTrade, maxPrice, minPrice, avg, pct, volume, best, total sql.NullString

	err := row.Scan(
		&r.Issuer, &r.Date, &lastTrade, &maxPrice, &minPrice, &avg,
		&pct, &volume, &best, &total, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Date = models.Day(r.Date)
	r.LastTradePrice = lastTrade.String
	r.Max = maxPrice.String
	r.Min = minPrice.String
	r.AvgPrice = avg.String
	r.PercentageChange = pct.String
	r.Volume = volume.String
	r.TurnoverInBest = best.String
	r.TotalTurnover = total.String
	return &r, nil
}
