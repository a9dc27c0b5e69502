package models

import (
	"strings"
	"time"
	"unicode"
)

// ProgressRecord is the ingestion watermark of one issuer.
// A nil LastConfirmedDate means the issuer was never fetched.
type ProgressRecord struct {
	Issuer            string     `json:"issuer"`
	LastConfirmedDate *time.Time `json:"last_confirmed_date,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ValidIssuerCode reports whether code looks like a share issuer.
// Codes carrying digits are bond listings and are not tracked.
func ValidIssuerCode(code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	for _, r := range code {
		if unicode.IsDigit(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
