package cnab

import (
	"fmt"
)

// FormatLine encodes a record into its canonical 80-byte wire form.
//
// Text fields are space-padded (or truncated) to their fixed byte widths.
// CPF and card fields shorter than their widths are right-padded, which
// matches how producers emit them. FormatLine is the inverse of ParseLine
// for records whose fields are already canonical: ParseLine(FormatLine(r))
// returns r for every syntactically valid record with hours below 100.
func FormatLine(r Record) []byte {
	line := make([]byte, 0, LineLength)

	line = append(line, byte('0'+r.Type))
	line = append(line, r.Date.Format("20060102")...)
	line = append(line, fmt.Sprintf("%010d", r.AmountCents)...)
	line = appendFixed(line, r.CPF, cpfLength)
	line = appendFixed(line, r.Card, cardLength)

	total := int(r.Time.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	line = append(line, fmt.Sprintf("%02d%02d%02d", hours, minutes, seconds)...)

	line = appendFixed(line, r.StoreOwner, ownerLength)
	line = appendFixed(line, r.StoreName, nameLength)
	return line
}

// appendFixed appends s padded with ASCII spaces (or truncated) to width bytes.
func appendFixed(dst []byte, s string, width int) []byte {
	b := []byte(s)
	if len(b) > width {
		b = b[:width]
	}
	dst = append(dst, b...)
	for i := len(b); i < width; i++ {
		dst = append(dst, ' ')
	}
	return dst
}
