package models

import (
	"fmt"
	"time"
)

// DateLayout is the MM/DD/YYYY form used by the exchange and by every
// external representation of a trading date.
const DateLayout = "01/02/2006"

// RawRowColumns is the number of cells in one source history row.
const RawRowColumns = 9

// Column positions inside a RawRow, in source order.
const (
	ColDate = iota
	ColLastTradePrice
	ColMax
	ColMin
	ColAvgPrice
	ColPercentageChange
	ColVolume
	ColTurnoverInBest
	ColTotalTurnover
)

// RawRow is the trimmed cell text of one row of the exchange history table
type RawRow []string

// StockRecord represents one trading day of one issuer.
// Numeric fields carry normalized locale strings ("1.234,56"), or the raw
// cell text when it could not be parsed.
type StockRecord struct {
	Issuer           string    `json:"issuer"`
	Date             time.Time `json:"date"`
	LastTradePrice   string    `json:"last_trade_price"`
	Max              string    `json:"max"`
	Min              string    `json:"min"`
	AvgPrice         string    `json:"avg_price"`
	PercentageChange string    `json:"percentage_change"`
	Volume           string    `json:"volume"`
	TurnoverInBest   string    `json:"turnover_in_best"`
	TotalTurnover    string    `json:"total_turnover"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
}

// ParseDate parses an exchange date. Leading zeros are optional.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse("1/2/2006", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders a date as MM/DD/YYYY.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
