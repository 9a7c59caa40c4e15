// Package schema defines the lead record that flows through leadsync.
//
// # Overview
//
// A Lead is one row of the upstream spreadsheet after its header cells have
// been mapped onto the business fields leadsync cares about. Leads have no
// natural key: a row is identified only by the content of its fields (see
// package snapshot for the fingerprint).
//
// # Source Rows
//
// Each partition (spreadsheet tab or file) yields rows keyed by header text.
// Headers are matched case-insensitively, ignoring accents, spaces, dashes
// and underscores, against a fixed alias table:
//
//	date        Data, date
//	tax id      CNPJ, tax_id
//	phone       TELEFONE, phone
//	name        NOME, name
//	company     EMPRESA, company
//	consultant  CONSULTOR, consultant
//	channel     Forma Prospecção, forma_prospeccao, channel
//	stage       Etapa, stage
//
// The partition name is stored on every lead as its "banco" field.
//
// # Acceptance
//
// A lead is accepted into the dataset only when it carries a tax id or a
// phone number. Leads with neither are rejected and counted per partition.
//
// # Dates
//
// Source dates are day-first (02/01/2006). NormalizedDate rewrites every
// parseable date to ISO form (2006-01-02) and leaves anything else as the
// trimmed source text, so no information is lost on insert.
package schema
