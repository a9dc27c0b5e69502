package models

import "time"

// Event types carried on the Kafka topics
const (
	EventIssuerListed   = "ISSUER_LISTED"
	EventIssuerIngested = "ISSUER_INGESTED"
)

// IssuerEvent is published by the symbol discovery feed
type IssuerEvent struct {
	EventType string    `json:"event_type"`
	Issuer    string    `json:"issuer"`
	Timestamp time.Time `json:"timestamp"`
}

// IngestionEvent announces that new records for an issuer were committed
type IngestionEvent struct {
	EventType     string        `json:"event_type"`
	RunID         string        `json:"run_id"`
	Issuer        string        `json:"issuer"`
	AsOf          string        `json:"as_of"`
	Watermark     string        `json:"watermark,omitempty"`
	Inserted      int64         `json:"inserted"`
	Windows       int           `json:"windows"`
	FailedWindows []EventWindow `json:"failed_windows,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// EventWindow is a date window rendered for the wire
type EventWindow struct {
	From string `json:"from"`
	To   string `json:"to"`
}
