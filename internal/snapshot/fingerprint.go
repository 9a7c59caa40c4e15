// Package snapshot fingerprints leads and compares fingerprint-keyed views
// of the dataset across sync cycles.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/aliest/leadsync/internal/schema"
)

// Key is a lead fingerprint: hex SHA-256 of the canonical lead text.
type Key string

// domain separates lead fingerprints from any other hash leadsync might
// compute over the same bytes. Bump the version if the canonical form changes.
const domain = "leadsync/lead/v1"

// Fingerprint returns the content fingerprint of a lead.
//
// Every field in schema.Fields order is written as "name:value|" where value
// is trimmed, NFC-normalized and case-folded. The date is first rewritten to
// its canonical form, so "05/01/2024" and "2024-01-05" fingerprint alike.
func Fingerprint(l schema.Lead) Key {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write([]byte(Canonical(l)))
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Canonical returns the text hashed by Fingerprint.
func Canonical(l schema.Lead) string {
	fold := cases.Fold()

	var b strings.Builder
	for _, field := range schema.Fields {
		value := l.Value(field)
		if field == schema.FieldDate {
			value = schema.NormalizeDate(value)
		}
		value = fold.String(norm.NFC.String(strings.TrimSpace(value)))

		b.WriteString(field)
		b.WriteByte(':')
		b.WriteString(value)
		b.WriteByte('|')
	}
	return b.String()
}

// Short returns the first 12 hex characters, for log lines.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}
