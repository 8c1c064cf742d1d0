// Package resultrow reads and writes verification result CSV rows.
//
// Two row shapes are accepted on input: the legacy two-column form
// (email,reason) and the current five-column form
// (email,status,sub_status,score,reason). Output is always the current form
// with a header row.
package resultrow

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Header is the column order of every written result file.
var Header = []string{"email", "status", "sub_status", "score", "reason"}

// Status values.
const (
	StatusValid   = "valid"
	StatusInvalid = "invalid"
	StatusRisky   = "risky"
)

// Placeholder values for emails that produced no worker result.
const (
	SubStatusUnknown = "unknown"
	ReasonNoResult   = "no_result"
)

// SubStatusCatchAll marks rows from domains that accept any recipient.
const SubStatusCatchAll = "catch_all"

// Kind tags the row shape a Row was parsed from.
type Kind int

const (
	KindCurrent Kind = iota
	KindLegacy
)

// Row is one normalized result row.
type Row struct {
	Email     string
	Status    string
	SubStatus string
	// Score is meaningful only when HasScore is set.
	Score    int
	HasScore bool
	Reason   string
	Kind     Kind
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidStatus reports whether s is one of valid, invalid or risky.
func ValidStatus(s string) bool {
	return s == StatusValid || s == StatusInvalid || s == StatusRisky
}

// ParseRecord converts one CSV record into a Row. bucket supplies the
// status for legacy rows and rows whose status column is empty or unknown.
// ok is false for header rows and records without an email.
func ParseRecord(record []string, bucket string) (Row, bool) {
	fields := make([]string, len(record))
	for i, f := range record {
		fields[i] = strings.TrimSpace(f)
	}
	if len(fields) == 0 {
		return Row{}, false
	}

	email := NormalizeEmail(fields[0])
	if email == "" || email == "email" {
		return Row{}, false
	}

	row := Row{Email: email, Status: bucket}
	switch len(fields) {
	case 1:
		row.Kind = KindLegacy
	case 2:
		row.Kind = KindLegacy
		row.Reason = fields[1]
	default:
		row.Kind = KindCurrent
		if st := strings.ToLower(fields[1]); ValidStatus(st) {
			row.Status = st
		}
		row.SubStatus = strings.ToLower(fields[2])
		if len(fields) > 3 {
			if n, err := strconv.Atoi(fields[3]); err == nil {
				row.Score = n
				row.HasScore = true
			}
		}
		if len(fields) > 4 {
			row.Reason = fields[4]
		}
	}
	return row, true
}

// Parse reads every row of a result blob. Malformed records are skipped and
// counted; they never fail the parse.
func Parse(data []byte, bucket string) ([]Row, int, error) {
	var rows []Row
	skipped, err := Scan(bytes.NewReader(data), bucket, func(r Row) error {
		rows = append(rows, r)
		return nil
	})
	return rows, skipped, err
}

// Scan streams rows from r to fn. It returns the number of malformed
// records skipped. An error from fn stops the scan and is returned.
func Scan(r io.Reader, bucket string, fn func(Row) error) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	skipped := 0
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return skipped, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				skipped++
				continue
			}
			return skipped, fmt.Errorf("read result rows: %w", err)
		}
		row, ok := ParseRecord(record, bucket)
		if !ok {
			continue
		}
		if err := fn(row); err != nil {
			return skipped, err
		}
	}
}

// Record renders a row in the current five-column form.
func (r Row) Record() []string {
	score := ""
	if r.HasScore {
		score = strconv.Itoa(r.Score)
	}
	return []string{r.Email, r.Status, r.SubStatus, score, r.Reason}
}

// Write emits the header followed by rows.
func Write(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write(r.Record()); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush rows: %w", err)
	}
	return nil
}

// Encode renders rows (with header) into a byte slice.
func Encode(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
