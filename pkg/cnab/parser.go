package cnab

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LineLength is the fixed record length in bytes. Bytes beyond this
// region are ignored; shorter lines are rejected.
const LineLength = 80

// Field layout, byte offsets into the 80-byte record.
const (
	typeOffset   = 0
	dateOffset   = 1
	amountOffset = 9
	cpfOffset    = 19
	cardOffset   = 30
	timeOffset   = 42
	ownerOffset  = 48
	nameOffset   = 62

	dateLength   = 8
	amountLength = 10
	cpfLength    = 11
	cardLength   = 12
	timeLength   = 6
	ownerLength  = 14
	nameLength   = 18
)

// ErrorKind classifies a parse failure.
type ErrorKind string

const (
	ErrLineTooShort  ErrorKind = "line_too_short"
	ErrInvalidType   ErrorKind = "invalid_type"
	ErrInvalidDate   ErrorKind = "invalid_date"
	ErrInvalidAmount ErrorKind = "invalid_amount"
	ErrInvalidTime   ErrorKind = "invalid_time"
)

// ParseError describes why a single line could not be decoded.
// Line is the zero-based index of the offending line within the file.
type ParseError struct {
	Kind   ErrorKind
	Line   int
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("cnab: line %d: %s", e.Line, e.Kind)
	}
	return fmt.Sprintf("cnab: line %d: %s: %s", e.Line, e.Kind, e.Detail)
}

// Record is one decoded CNAB line.
type Record struct {
	// Type is the transaction type code (1..9).
	Type TransactionType

	// Date is the transaction calendar date at UTC midnight.
	Date time.Time

	// Time is the wall-clock time of day as an offset from midnight.
	// The format does not carry a timezone. Hours greater than 23 are
	// accepted as-is and yield a duration beyond 24h; see ParseLine.
	Time time.Duration

	// AmountCents is the non-negative transaction amount in cents.
	AmountCents int64

	// CPF is the 11-character taxpayer identifier, preserved verbatim
	// including leading zeros.
	CPF string

	// Card is the 12-character card literal including the **** mask.
	Card string

	// StoreOwner is the store owner name, right-trimmed of ASCII spaces.
	StoreOwner string

	// StoreName is the store name, right-trimmed of ASCII spaces.
	StoreName string
}

// Amount returns the decimal amount (cents / 100).
func (r Record) Amount() float64 {
	return float64(r.AmountCents) / 100
}

// ParseLine decodes a single raw CNAB line at the given zero-based index.
//
// The time field is intentionally lenient about the hour component:
// "999999" decodes to 99h99m99s rather than failing. The upstream file
// producers have been observed emitting such values and the historical
// behavior is to carry them through as a time-of-day duration.
func ParseLine(line []byte, index int) (Record, error) {
	if len(line) < LineLength {
		return Record{}, &ParseError{
			Kind:   ErrLineTooShort,
			Line:   index,
			Detail: fmt.Sprintf("got %d bytes, want %d", len(line), LineLength),
		}
	}

	typeByte := line[typeOffset]
	if typeByte < '1' || typeByte > '9' {
		return Record{}, &ParseError{
			Kind:   ErrInvalidType,
			Line:   index,
			Detail: fmt.Sprintf("type byte %q", typeByte),
		}
	}
	txType := TransactionType(typeByte - '0')

	dateField := string(line[dateOffset : dateOffset+dateLength])
	if !allDigits(dateField) {
		return Record{}, &ParseError{
			Kind:   ErrInvalidDate,
			Line:   index,
			Detail: fmt.Sprintf("date field %q", dateField),
		}
	}
	parsed, err := time.Parse("20060102", dateField)
	if err != nil {
		return Record{}, &ParseError{
			Kind:   ErrInvalidDate,
			Line:   index,
			Detail: fmt.Sprintf("date field %q", dateField),
		}
	}
	date := time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)

	amountField := string(line[amountOffset : amountOffset+amountLength])
	if !allDigits(amountField) {
		return Record{}, &ParseError{
			Kind:   ErrInvalidAmount,
			Line:   index,
			Detail: fmt.Sprintf("amount field %q", amountField),
		}
	}
	cents, _ := strconv.ParseInt(amountField, 10, 64)

	timeField := string(line[timeOffset : timeOffset+timeLength])
	if !allDigits(timeField) {
		return Record{}, &ParseError{
			Kind:   ErrInvalidTime,
			Line:   index,
			Detail: fmt.Sprintf("time field %q", timeField),
		}
	}
	hours, _ := strconv.Atoi(timeField[0:2])
	minutes, _ := strconv.Atoi(timeField[2:4])
	seconds, _ := strconv.Atoi(timeField[4:6])
	timeOfDay := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second

	return Record{
		Type:        txType,
		Date:        date,
		Time:        timeOfDay,
		AmountCents: cents,
		CPF:         string(line[cpfOffset : cpfOffset+cpfLength]),
		Card:        string(line[cardOffset : cardOffset+cardLength]),
		StoreOwner:  strings.TrimRight(string(line[ownerOffset:ownerOffset+ownerLength]), " "),
		StoreName:   strings.TrimRight(string(line[nameOffset:nameOffset+nameLength]), " "),
	}, nil
}

// allDigits reports whether s consists only of ASCII digits.
func allDigits(s string) bool {
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
