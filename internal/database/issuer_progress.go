package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trogers1052/stock-history-ingestor/internal/models"
)

// RegisterIssuer adds an issuer with no watermark. Existing issuers are left untouched.
func (db *DB) RegisterIssuer(ctx context.Context, issuer string) (bool, error) {
	query := `
		INSERT INTO issuer_progress (issuer, last_confirmed_date, updated_at)
		VALUES ($1, NULL, $2)
		ON CONFLICT (issuer) DO NOTHING
	`
	result, err := db.conn.ExecContext(ctx, query, issuer, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to register issuer %s: %w", issuer, err)
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// GetProgress retrieves the progress record of an issuer
func (db *DB) GetProgress(ctx context.Context, issuer string) (*models.ProgressRecord, error) {
	query := `
		SELECT issuer, last_confirmed_date, updated_at
		FROM issuer_progress
		WHERE issuer = $1
	`
	var p models.ProgressRecord
	var lastDate sql.NullTime

	err := db.conn.QueryRowContext(ctx, query, issuer).Scan(&p.Issuer, &lastDate, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("issuer progress for %s: %w", issuer, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issuer progress: %w", err)
	}

	if lastDate.Valid {
		d := models.Day(lastDate.Time)
		p.LastConfirmedDate = &d
	}
	return &p, nil
}

// GetLastConfirmedDate returns the watermark of an issuer, or nil when the
// issuer is unknown or was never fetched.
func (db *DB) GetLastConfirmedDate(ctx context.Context, issuer string) (*time.Time, error) {
	query := `SELECT last_confirmed_date FROM issuer_progress WHERE issuer = $1`
	var lastDate sql.NullTime

	err := db.conn.QueryRowContext(ctx, query, issuer).Scan(&lastDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last confirmed date for %s: %w", issuer, err)
	}

	if !lastDate.Valid {
		return nil, nil
	}
	d := models.Day(lastDate.Time)
	return &d, nil
}

// ListIssuers returns every registered issuer code in alphabetical order
func (db *DB) ListIssuers(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT issuer FROM issuer_progress ORDER BY issuer`)
	if err != nil {
		return nil, fmt.Errorf("failed to list issuers: %w", err)
	}
	defer rows.Close()

	var issuers []string
	for rows.Next() {
		var issuer string
		if err := rows.Scan(&issuer); err != nil {
			return nil, fmt.Errorf("failed to scan issuer: %w", err)
		}
		issuers = append(issuers, issuer)
	}
	return issuers, rows.Err()
}

// ListProgress returns the progress records of all issuers
func (db *DB) ListProgress(ctx context.Context) ([]*models.ProgressRecord, error) {
	query := `
		SELECT issuer, last_confirmed_date, updated_at
		FROM issuer_progress
		ORDER BY issuer
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list issuer progress: %w", err)
	}
	defer rows.Close()

	var records []*models.ProgressRecord
	for rows.Next() {
		var p models.ProgressRecord
		var lastDate sql.NullTime

		if err := rows.Scan(&p.Issuer, &lastDate, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan issuer progress: %w", err)
		}
		if lastDate.Valid {
			d := models.Day(lastDate.Time)
			p.LastConfirmedDate = &d
		}
		records = append(records, &p)
	}
	return records, rows.Err()
}

// SetLastConfirmedDate upserts the watermark of an issuer
func (db *DB) SetLastConfirmedDate(ctx context.Context, issuer string, date time.Time) error {
	return setWatermark(ctx, db.conn, issuer, date)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setWatermark(ctx context.Context, ex execer, issuer string, date time.Time) error {
	query := `
		INSERT INTO issuer_progress (issuer, last_confirmed_date, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (issuer) DO UPDATE SET
			last_confirmed_date = EXCLUDED.last_confirmed_date,
			updated_at = EXCLUDED.updated_at
	`
	_, err := ex.ExecContext(ctx, query, issuer, date.Format(sqlDate), time.Now())
	if err != nil {
		return fmt.Errorf("failed to set last confirmed date for %s: %w", issuer, err)
	}
	return nil
}
