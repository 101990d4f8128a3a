// Package cnab implements parsing of fixed-width CNAB transaction files.
//
// Each record is an 80-byte line describing a single store transaction:
// type, date, amount, CPF, card, time, store owner and store name.
// The parser is pure: it performs no I/O and the same input always
// produces the same output.
package cnab

// TransactionType identifies the nature of a CNAB transaction.
// The wire representation is a single ASCII digit in the range '1'..'9'.
type TransactionType int

const (
	TypeDebit       TransactionType = 1
	TypeBoleto      TransactionType = 2
	TypeFinancing   TransactionType = 3
	TypeCredit      TransactionType = 4
	TypeLoanReceipt TransactionType = 5
	TypeSales       TransactionType = 6
	TypeTEDReceipt  TransactionType = 7
	TypeDOCReceipt  TransactionType = 8
	TypeRent        TransactionType = 9
)

// typeInfo describes the nature and balance sign of a transaction type.
type typeInfo struct {
	nature string
	sign   int
}

var typeTable = map[TransactionType]typeInfo{
	TypeDebit:       {"Debit", +1},
	TypeBoleto:      {"Boleto", -1},
	TypeFinancing:   {"Financing", -1},
	TypeCredit:      {"Credit", +1},
	TypeLoanReceipt: {"Loan receipt", +1},
	TypeSales:       {"Sales", +1},
	TypeTEDReceipt:  {"TED receipt", +1},
	TypeDOCReceipt:  {"DOC receipt", +1},
	TypeRent:        {"Rent", -1},
}

// IsValid reports whether the type is one of the nine known CNAB codes.
func (t TransactionType) IsValid() bool {
	_, ok := typeTable[t]
	return ok
}

// Nature returns the human-readable nature of the transaction type
// ("Debit", "Boleto", ...). Returns "Unknown" for invalid types.
func (t TransactionType) Nature() string {
	info, ok := typeTable[t]
	if !ok {
		return "Unknown"
	}
	return info.nature
}

// Sign returns +1 for types that add to a store balance and -1 for
// types that subtract from it. Returns 0 for invalid types.
func (t TransactionType) Sign() int {
	info, ok := typeTable[t]
	if !ok {
		return 0
	}
	return info.sign
}
