// Package phone normalizes Brazilian-style mobile numbers into WhatsApp IDs
// and derives the alternate form that differs only by the ninth digit.
package phone

import (
	"strings"
	"unicode"
)

// Normalizer fills in missing country and area codes.
type Normalizer struct {
	CountryCode string // e.g. "55"
	AreaCode    string // e.g. "65"
}

// Digits strips everything but ASCII digits.
func Digits(raw string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
}

// Normalize returns the WhatsApp ID for raw, or "" if it cannot be one.
//
//	8 digits  -> country + area + "9" + number
//	9 digits  -> country + area + number
//	10-11     -> country + number
//	12-13 starting with country code -> unchanged
func (n Normalizer) Normalize(raw string) string {
	d := strings.TrimLeft(Digits(raw), "0")
	switch {
	case len(d) == 8:
		return n.CountryCode + n.AreaCode + "9" + d
	case len(d) == 9:
		return n.CountryCode + n.AreaCode + d
	case len(d) == 10 || len(d) == 11:
		return n.CountryCode + d
	case (len(d) == 12 || len(d) == 13) && strings.HasPrefix(d, n.CountryCode):
		return d
	}
	return ""
}

// Alternate returns the same number with the mobile ninth digit removed
// (13 digits) or inserted (12 digits). It returns "" when no variant applies.
// Positions assume a two-digit country code followed by a two-digit area code.
func Alternate(id string) string {
	if !isDigits(id) {
		return ""
	}
	switch len(id) {
	case 13:
		if id[4] == '9' {
			return id[:4] + id[5:]
		}
	case 12:
		return id[:4] + "9" + id[4:]
	}
	return ""
}

// Forms returns id followed by its alternate, if any.
func Forms(id string) []string {
	if alt := Alternate(id); alt != "" {
		return []string{id, alt}
	}
	return []string{id}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
