package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Lead is a single prospect row.
type Lead struct {
	Date       string `json:"data"`
	TaxID      string `json:"cnpj"`
	Phone      string `json:"telefone"`
	Name       string `json:"nome"`
	Company    string `json:"empresa"`
	Consultant string `json:"consultor"`
	Channel    string `json:"forma_prospeccao"`
	Stage      string `json:"etapa"`
	Partition  string `json:"banco"`
}

// Field names in canonical order. The order is part of the fingerprint
// format and must not change.
const (
	FieldDate       = "data"
	FieldTaxID      = "cnpj"
	FieldPhone      = "telefone"
	FieldName       = "nome"
	FieldCompany    = "empresa"
	FieldConsultant = "consultor"
	FieldChannel    = "forma_prospeccao"
	FieldStage      = "etapa"
	FieldPartition  = "banco"
)

// Fields lists every lead field in canonical order.
var Fields = []string{
	FieldDate,
	FieldTaxID,
	FieldPhone,
	FieldName,
	FieldCompany,
	FieldConsultant,
	FieldChannel,
	FieldStage,
	FieldPartition,
}

// headerAliases maps normalized header text to a field name.
var headerAliases = map[string]string{
	"data":            FieldDate,
	"date":            FieldDate,
	"cnpj":            FieldTaxID,
	"taxid":           FieldTaxID,
	"telefone":        FieldPhone,
	"phone":           FieldPhone,
	"nome":            FieldName,
	"name":            FieldName,
	"empresa":         FieldCompany,
	"company":         FieldCompany,
	"consultor":       FieldConsultant,
	"consultant":      FieldConsultant,
	"formaprospeccao": FieldChannel,
	"channel":         FieldChannel,
	"etapa":           FieldStage,
	"stage":           FieldStage,
}

var dateLayouts = []string{
	"02/01/2006",
	"2/1/2006",
	"2006-01-02",
	"02-01-2006",
	"2006/01/02",
	time.RFC3339,
}

// DateLayout is the persisted form of a parseable date.
const DateLayout = "2006-01-02"

// FromRow builds a Lead from a header-keyed source row. Unknown headers are
// ignored. When two headers map to the same field the first non-empty value
// in sorted header order wins.
func FromRow(row map[string]string, partition string) Lead {
	headers := make([]string, 0, len(row))
	for header := range row {
		headers = append(headers, header)
	}
	sort.Strings(headers)

	values := make(map[string]string, len(Fields))
	for _, header := range headers {
		field, ok := headerAliases[NormalizeHeader(header)]
		if !ok || values[field] != "" {
			continue
		}
		values[field] = strings.TrimSpace(row[header])
	}

	return Lead{
		Date:       values[FieldDate],
		TaxID:      values[FieldTaxID],
		Phone:      values[FieldPhone],
		Name:       values[FieldName],
		Company:    values[FieldCompany],
		Consultant: values[FieldConsultant],
		Channel:    values[FieldChannel],
		Stage:      values[FieldStage],
		Partition:  strings.TrimSpace(partition),
	}
}

// NormalizeHeader folds a header cell to its alias-table form: accents
// stripped, lower case, no spaces, dashes or underscores.
func NormalizeHeader(header string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, header)
	if err != nil {
		stripped = header
	}

	var b strings.Builder
	for _, r := range strings.ToLower(stripped) {
		switch r {
		case ' ', '_', '-', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Value returns the lead field named by one of the Field constants.
func (l Lead) Value(field string) string {
	switch field {
	case FieldDate:
		return l.Date
	case FieldTaxID:
		return l.TaxID
	case FieldPhone:
		return l.Phone
	case FieldName:
		return l.Name
	case FieldCompany:
		return l.Company
	case FieldConsultant:
		return l.Consultant
	case FieldChannel:
		return l.Channel
	case FieldStage:
		return l.Stage
	case FieldPartition:
		return l.Partition
	}
	return ""
}

// Accepted reports whether the lead carries a tax id or a phone number.
func (l Lead) Accepted() bool {
	return strings.TrimSpace(l.TaxID) != "" || strings.TrimSpace(l.Phone) != ""
}

// Validate checks that the lead can be persisted.
func (l Lead) Validate() error {
	if !l.Accepted() {
		return fmt.Errorf("cnpj or telefone is required")
	}
	if strings.TrimSpace(l.Partition) == "" {
		return fmt.Errorf("banco is required")
	}
	return nil
}

// NormalizedDate returns the date in DateLayout when it parses with one of
// the accepted layouts, otherwise the trimmed source text.
func (l Lead) NormalizedDate() string {
	return NormalizeDate(l.Date)
}

// NormalizeDate is NormalizedDate for a bare string.
func NormalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(DateLayout)
		}
	}
	return raw
}

// Normalized returns a copy with every field trimmed and the date
// normalized. This is the form written to the dataset.
func (l Lead) Normalized() Lead {
	return Lead{
		Date:       l.NormalizedDate(),
		TaxID:      strings.TrimSpace(l.TaxID),
		Phone:      strings.TrimSpace(l.Phone),
		Name:       strings.TrimSpace(l.Name),
		Company:    strings.TrimSpace(l.Company),
		Consultant: strings.TrimSpace(l.Consultant),
		Channel:    strings.TrimSpace(l.Channel),
		Stage:      strings.TrimSpace(l.Stage),
		Partition:  strings.TrimSpace(l.Partition),
	}
}

// MaskedTaxID keeps the last four characters of the tax id for log lines.
func (l Lead) MaskedTaxID() string {
	id := strings.TrimSpace(l.TaxID)
	if len(id) <= 4 {
		return strings.Repeat("*", len(id))
	}
	return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
}

// Label is a short human description used in logs and reports.
func (l Lead) Label() string {
	if l.Company != "" {
		return l.Company
	}
	if l.Name != "" {
		return l.Name
	}
	return "(unnamed)"
}
