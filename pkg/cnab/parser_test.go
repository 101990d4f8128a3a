package cnab

import (
	"errors"
	"testing"
	"time"
)

// sampleLine builds a canonical 80-byte line from parts, defaulting to a
// known-good record.
func sampleLine(t *testing.T, mutate func(r *Record)) []byte {
	t.Helper()
	r := Record{
		Type:        TypeDebit,
		Date:        time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC),
		Time:        15*time.Hour + 34*time.Minute + 53*time.Second,
		AmountCents: 14200,
		CPF:         "09620676017",
		Card:        "1234****7890",
		StoreOwner:  "JOÃO MACEDO",
		StoreName:   "BAR DO JOÃO",
	}
	if mutate != nil {
		mutate(&r)
	}
	line := FormatLine(r)
	if len(line) != LineLength {
		t.Fatalf("sample line is %d bytes, want %d", len(line), LineLength)
	}
	return line
}

func parseKind(t *testing.T, line []byte) ErrorKind {
	t.Helper()
	_, err := ParseLine(line, 7)
	if err == nil {
		t.Fatal("expected parse error")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Line != 7 {
		t.Errorf("expected line index 7, got %d", pe.Line)
	}
	return pe.Kind
}

func TestParseLine(t *testing.T) {
	t.Run("valid debit line", func(t *testing.T) {
		line := sampleLine(t, nil)
		r, err := ParseLine(line, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Type != TypeDebit {
			t.Errorf("type = %v, want %v", r.Type, TypeDebit)
		}
		if !r.Date.Equal(time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("date = %v", r.Date)
		}
		if r.AmountCents != 14200 {
			t.Errorf("amount cents = %d, want 14200", r.AmountCents)
		}
		if r.Amount() != 142.00 {
			t.Errorf("amount = %v, want 142.00", r.Amount())
		}
		if r.CPF != "09620676017" {
			t.Errorf("cpf = %q", r.CPF)
		}
		if r.Card != "1234****7890" {
			t.Errorf("card = %q", r.Card)
		}
		if r.Time != 15*time.Hour+34*time.Minute+53*time.Second {
			t.Errorf("time = %v", r.Time)
		}
		if r.StoreOwner != "JOÃO MACEDO" {
			t.Errorf("store owner = %q", r.StoreOwner)
		}
		if r.StoreName != "BAR DO JOÃO" {
			t.Errorf("store name = %q", r.StoreName)
		}
	})

	t.Run("exactly 80 bytes succeeds, 79 fails", func(t *testing.T) {
		line := sampleLine(t, nil)
		if _, err := ParseLine(line, 0); err != nil {
			t.Fatalf("80-byte line failed: %v", err)
		}
		if kind := parseKind(t, line[:79]); kind != ErrLineTooShort {
			t.Errorf("kind = %s, want %s", kind, ErrLineTooShort)
		}
	})

	t.Run("bytes beyond 80 are ignored", func(t *testing.T) {
		line := append(sampleLine(t, nil), []byte("trailing garbage")...)
		if _, err := ParseLine(line, 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("invalid type byte", func(t *testing.T) {
		line := sampleLine(t, nil)
		line[0] = 'X'
		if kind := parseKind(t, line); kind != ErrInvalidType {
			t.Errorf("kind = %s, want %s", kind, ErrInvalidType)
		}
		line[0] = '0'
		if kind := parseKind(t, line); kind != ErrInvalidType {
			t.Errorf("kind = %s, want %s", kind, ErrInvalidType)
		}
	})

	t.Run("invalid dates", func(t *testing.T) {
		for _, field := range []string{"20191301", "20190332", "2019030a"} {
			line := sampleLine(t, nil)
			copy(line[1:9], field)
			if kind := parseKind(t, line); kind != ErrInvalidDate {
				t.Errorf("date %q: kind = %s, want %s", field, kind, ErrInvalidDate)
			}
		}
	})

	t.Run("leap day parses", func(t *testing.T) {
		line := sampleLine(t, nil)
		copy(line[1:9], "20200229")
		r, err := ParseLine(line, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !r.Date.Equal(time.Date(2020, 2, 29, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("date = %v", r.Date)
		}
	})

	t.Run("amount decodes as cents", func(t *testing.T) {
		line := sampleLine(t, func(r *Record) { r.AmountCents = 1 })
		r, err := ParseLine(line, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Amount() != 0.01 {
			t.Errorf("amount = %v, want 0.01", r.Amount())
		}
	})

	t.Run("non-digit amount", func(t *testing.T) {
		line := sampleLine(t, nil)
		line[9] = ' '
		if kind := parseKind(t, line); kind != ErrInvalidAmount {
			t.Errorf("kind = %s, want %s", kind, ErrInvalidAmount)
		}
	})

	t.Run("time 999999 is accepted beyond 24h", func(t *testing.T) {
		line := sampleLine(t, nil)
		copy(line[42:48], "999999")
		r, err := ParseLine(line, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := 99*time.Hour + 99*time.Minute + 99*time.Second
		if r.Time != want {
			t.Errorf("time = %v, want %v", r.Time, want)
		}
		if r.Time <= 24*time.Hour {
			t.Error("expected duration beyond 24h")
		}
	})

	t.Run("non-digit time", func(t *testing.T) {
		line := sampleLine(t, nil)
		line[43] = 'x'
		if kind := parseKind(t, line); kind != ErrInvalidTime {
			t.Errorf("kind = %s, want %s", kind, ErrInvalidTime)
		}
	})

	t.Run("cpf preserves leading zeros", func(t *testing.T) {
		line := sampleLine(t, nil)
		r, err := ParseLine(line, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.CPF != "09620676017" {
			t.Errorf("cpf = %q, leading zero lost", r.CPF)
		}
	})

	t.Run("store fields right-trimmed only", func(t *testing.T) {
		line := sampleLine(t, func(r *Record) {
			r.StoreOwner = " MARIA"
			r.StoreName = "LOJA"
		})
		r, err := ParseLine(line, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.StoreOwner != " MARIA" {
			t.Errorf("store owner = %q, want leading space kept", r.StoreOwner)
		}
		if r.StoreName != "LOJA" {
			t.Errorf("store name = %q", r.StoreName)
		}
	})
}

func TestFormatLineRoundTrip(t *testing.T) {
	records := []Record{
		{
			Type:        TypeDebit,
			Date:        time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC),
			Time:        15*time.Hour + 34*time.Minute + 53*time.Second,
			AmountCents: 14200,
			CPF:         "09620676017",
			Card:        "1234****7890",
			StoreOwner:  "JOÃO MACEDO",
			StoreName:   "BAR DO JOÃO",
		},
		{
			Type:        TypeRent,
			Date:        time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC),
			Time:        0,
			AmountCents: 1,
			CPF:         "00000000000",
			Card:        "0000****0000",
			StoreOwner:  "A",
			StoreName:   "B",
		},
		{
			Type:        TypeSales,
			Date:        time.Date(2021, 6, 15, 0, 0, 0, 0, time.UTC),
			Time:        23*time.Hour + 59*time.Minute + 59*time.Second,
			AmountCents: 9999999999,
			CPF:         "12345678901",
			Card:        "4753****3153",
			StoreOwner:  "MARCOS PEREIRA",
			StoreName:   "MERCADO DA AVENID",
		},
	}

	for _, want := range records {
		line := FormatLine(want)
		if len(line) != LineLength {
			t.Fatalf("formatted line is %d bytes, want %d", len(line), LineLength)
		}
		got, err := ParseLine(line, 0)
		if err != nil {
			t.Fatalf("round trip failed: %v", err)
		}
		if got != want {
			t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
		}
	}
}

func TestTransactionType(t *testing.T) {
	cases := []struct {
		code   TransactionType
		nature string
		sign   int
	}{
		{TypeDebit, "Debit", +1},
		{TypeBoleto, "Boleto", -1},
		{TypeFinancing, "Financing", -1},
		{TypeCredit, "Credit", +1},
		{TypeLoanReceipt, "Loan receipt", +1},
		{TypeSales, "Sales", +1},
		{TypeTEDReceipt, "TED receipt", +1},
		{TypeDOCReceipt, "DOC receipt", +1},
		{TypeRent, "Rent", -1},
	}
	for _, c := range cases {
		if !c.code.IsValid() {
			t.Errorf("type %d should be valid", c.code)
		}
		if c.code.Nature() != c.nature {
			t.Errorf("type %d nature = %q, want %q", c.code, c.code.Nature(), c.nature)
		}
		if c.code.Sign() != c.sign {
			t.Errorf("type %d sign = %d, want %d", c.code, c.code.Sign(), c.sign)
		}
	}

	if TransactionType(0).IsValid() || TransactionType(10).IsValid() {
		t.Error("out-of-range types should be invalid")
	}
	if TransactionType(0).Sign() != 0 {
		t.Error("invalid type sign should be 0")
	}
	if TransactionType(0).Nature() != "Unknown" {
		t.Error("invalid type nature should be Unknown")
	}
}
