package automation

import (
	"strings"
	"unicode"

	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/models"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// tidy removes the punctuation gaps left by an empty placeholder.
var tidy = strings.NewReplacer(" ,", ",", ", !", "!", ", ?", "?", ", .", ".", "  ", " ")

// fold lowercases and strips accents so "Responsável" matches "responsavel".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// FirstName returns the title-cased first word of a display name.
func FirstName(display string) string {
	fields := strings.Fields(display)
	if len(fields) == 0 {
		return ""
	}
	// a Caser is stateful, so one per call
	return cases.Title(language.BrazilianPortuguese).String(fields[0])
}

// IsPersonalName reports whether the display name looks like a person rather
// than a role ("Financeiro", "Admin") or noise.
func IsPersonalName(display string, generic []string) bool {
	first := FirstName(display)
	if len([]rune(first)) < 3 {
		return false
	}
	whole := fold(display)
	for _, g := range generic {
		g = fold(strings.TrimSpace(g))
		if g == "" {
			continue
		}
		for _, w := range strings.Fields(whole) {
			if w == g {
				return false
			}
		}
	}
	return true
}

// Render fills {{name}}, {{company}} and {{locality}} from the contact.
// Names that fail IsPersonalName render empty.
func Render(tpl string, c *models.Contact, generic []string) string {
	name := ""
	if IsPersonalName(c.DisplayName, generic) {
		name = FirstName(c.DisplayName)
	}
	company := strings.TrimSpace(c.CompanyName)
	if company == "" {
		company = "sua empresa"
	}
	locality := strings.TrimSpace(c.Locality)
	if locality == "" {
		locality = "sua região"
	}
	r := strings.NewReplacer(
		"{{name}}", name,
		"{{company}}", company,
		"{{locality}}", locality,
	)
	return strings.TrimSpace(tidy.Replace(r.Replace(tpl)))
}

// FirstContactMessage picks the personalized template when the contact has a
// usable personal name and the generic one otherwise.
func FirstContactMessage(t config.Templates, generic []string, c *models.Contact) (string, bool) {
	if IsPersonalName(c.DisplayName, generic) {
		return Render(t.Personalized, c, generic), true
	}
	return Render(t.Generic, c, generic), false
}
