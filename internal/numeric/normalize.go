// Package numeric canonicalizes locale-formatted numbers scraped from the
// exchange pages.
package numeric

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Format describes a locale number convention.
type Format struct {
	Thousands byte  // group separator
	Decimal   byte  // decimal separator
	Places    int32 // decimal places emitted when the input has a fractional part
}

// MSE is the Macedonian Stock Exchange convention: 1.234,56
var MSE = Format{Thousands: '.', Decimal: ',', Places: 2}

// Normalize canonicalizes raw using the MSE format. Input that is not a
// number comes back unchanged.
func Normalize(raw string) string {
	out, _ := MSE.Normalize(raw)
	return out
}

// Parse converts a normalized MSE string into a decimal.
func Parse(s string) (decimal.Decimal, error) {
	return MSE.Parse(s)
}

// Normalize rewrites raw into the format's canonical form. The boolean is
// false when raw is not numeric, in which case raw is returned as is.
func (f Format) Normalize(raw string) (string, bool) {
	plain, frac, ok := f.plain(raw)
	if !ok {
		return raw, false
	}
	d, err := decimal.NewFromString(plain)
	if err != nil {
		return raw, false
	}

	places := int32(0)
	if frac {
		places = f.Places
	}
	return f.render(d.StringFixed(places)), true
}

// Parse converts a string in this format into a decimal.
func (f Format) Parse(s string) (decimal.Decimal, error) {
	plain, _, ok := f.plain(s)
	if !ok {
		return decimal.Zero, fmt.Errorf("not a number: %q", s)
	}
	return decimal.NewFromString(plain)
}

// plain strips grouping and returns a dot-decimal literal that
// decimal.NewFromString accepts, and whether it has a fractional part.
func (f Format) plain(raw string) (string, bool, bool) {
	s := strings.TrimSpace(raw)
	sign := ""
	if s != "" && (s[0] == '-' || s[0] == '+') {
		if s[0] == '-' {
			sign = "-"
		}
		s = s[1:]
	}
	if s == "" {
		return "", false, false
	}

	if strings.Count(s, string(f.Decimal)) > 1 {
		return "", false, false
	}
	intPart, fracPart, hasFrac := strings.Cut(s, string(f.Decimal))
	if hasFrac {
		if !digits(fracPart) {
			return "", false, false
		}
		grouped, ok := f.ungroup(intPart)
		if !ok {
			return "", false, false
		}
		return sign + grouped + "." + fracPart, true, true
	}

	if grouped, ok := f.ungroup(intPart); ok {
		return sign + grouped, false, true
	}

	// A lone thousands separator that does not group: a plain literal
	// such as "1234.5" using the separator as decimal point.
	if strings.Count(intPart, string(f.Thousands)) == 1 {
		whole, frac, _ := strings.Cut(intPart, string(f.Thousands))
		if digits(whole) && digits(frac) {
			return sign + whole + "." + frac, true, true
		}
	}
	return "", false, false
}

// ungroup removes thousands separators from s. Groups after the first must
// be exactly three digits long.
func (f Format) ungroup(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	groups := strings.Split(s, string(f.Thousands))
	if !digits(groups[0]) {
		return "", false
	}
	if len(groups) > 1 && len(groups[0]) > 3 {
		return "", false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 || !digits(g) {
			return "", false
		}
	}
	return strings.Join(groups, ""), true
}

// render turns a dot-decimal literal into the grouped locale form.
func (f Format) render(fixed string) string {
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign = "-"
		fixed = fixed[1:]
	}
	intPart, fracPart, hasFrac := strings.Cut(fixed, ".")

	var b strings.Builder
	b.WriteString(sign)
	lead := len(intPart) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(intPart[:lead])
	for i := lead; i < len(intPart); i += 3 {
		b.WriteByte(f.Thousands)
		b.WriteString(intPart[i : i+3])
	}
	if hasFrac {
		b.WriteByte(f.Decimal)
		b.WriteString(fracPart)
	}
	return b.String()
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
