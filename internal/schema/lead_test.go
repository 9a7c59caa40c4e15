package schema

import "testing"

func TestFromRow(t *testing.T) {
	row := map[string]string{
		"Data":             "05/01/2024",
		"CNPJ":             " 12.345.678/0001-90 ",
		"TELEFONE":         "11 99999-0000",
		"NOME":             "Maria",
		"EMPRESA":          "Acme Ltda",
		"CONSULTOR":        "João Silva",
		"Forma Prospecção": "Indicação",
		"Etapa":            "Novo",
		"Observações":      "ignored",
	}

	lead := FromRow(row, "C6 - Capital")

	want := Lead{
		Date:       "05/01/2024",
		TaxID:      "12.345.678/0001-90",
		Phone:      "11 99999-0000",
		Name:       "Maria",
		Company:    "Acme Ltda",
		Consultant: "João Silva",
		Channel:    "Indicação",
		Stage:      "Novo",
		Partition:  "C6 - Capital",
	}
	if lead != want {
		t.Errorf("FromRow() = %+v, want %+v", lead, want)
	}
}

func TestFromRow_LowercaseFallback(t *testing.T) {
	row := map[string]string{
		"cnpj":             "",
		"CNPJ":             "111",
		"forma_prospeccao": "Cold call",
		"telefone":         "555",
	}

	lead := FromRow(row, "BS2")
	if lead.TaxID != "111" {
		t.Errorf("TaxID = %q, want %q", lead.TaxID, "111")
	}
	if lead.Channel != "Cold call" {
		t.Errorf("Channel = %q, want %q", lead.Channel, "Cold call")
	}
	if lead.Phone != "555" {
		t.Errorf("Phone = %q, want %q", lead.Phone, "555")
	}
}

func TestNormalizeHeader(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Forma Prospecção", "formaprospeccao"},
		{"forma_prospeccao", "formaprospeccao"},
		{"TELEFONE", "telefone"},
		{" Tax-ID ", "taxid"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeHeader(tt.in); got != tt.want {
				t.Errorf("NormalizeHeader(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"day first", "05/01/2024", "2024-01-05"},
		{"day first no padding", "5/1/2024", "2024-01-05"},
		{"iso", "2024-01-05", "2024-01-05"},
		{"dashed day first", "05-01-2024", "2024-01-05"},
		{"surrounding space", "  05/01/2024 ", "2024-01-05"},
		{"unparseable", "amanhã", "amanhã"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeDate(tt.in); got != tt.want {
				t.Errorf("NormalizeDate(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLead_Validate(t *testing.T) {
	tests := []struct {
		name    string
		lead    Lead
		wantErr bool
		errMsg  string
	}{
		{
			name: "tax id only",
			lead: Lead{TaxID: "123", Partition: "C6"},
		},
		{
			name: "phone only",
			lead: Lead{Phone: "555", Partition: "C6"},
		},
		{
			name:    "neither tax id nor phone",
			lead:    Lead{Name: "Maria", Partition: "C6"},
			wantErr: true,
			errMsg:  "cnpj or telefone is required",
		},
		{
			name:    "whitespace only",
			lead:    Lead{TaxID: "  ", Phone: "\t", Partition: "C6"},
			wantErr: true,
			errMsg:  "cnpj or telefone is required",
		},
		{
			name:    "missing partition",
			lead:    Lead{TaxID: "123"},
			wantErr: true,
			errMsg:  "banco is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.lead.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && err.Error() != tt.errMsg {
				t.Errorf("Validate() error = %q, want %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestLead_MaskedTaxID(t *testing.T) {
	lead := Lead{TaxID: "12345678000190"}
	if got := lead.MaskedTaxID(); got != "**********0190" {
		t.Errorf("MaskedTaxID() = %q", got)
	}

	short := Lead{TaxID: "12"}
	if got := short.MaskedTaxID(); got != "**" {
		t.Errorf("MaskedTaxID() = %q, want %q", got, "**")
	}
}

func TestLead_Normalized(t *testing.T) {
	lead := Lead{Date: "05/01/2024", TaxID: " 1 ", Company: " Acme ", Partition: " C6 "}
	got := lead.Normalized()
	if got.Date != "2024-01-05" || got.TaxID != "1" || got.Company != "Acme" || got.Partition != "C6" {
		t.Errorf("Normalized() = %+v", got)
	}
}
