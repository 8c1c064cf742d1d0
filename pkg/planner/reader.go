package planner

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Format identifies an email list encoding.
type Format string

const (
	FormatText Format = "txt"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat picks the list format from a blob key extension. Unknown
// extensions are read as plain text.
func DetectFormat(key string) Format {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".csv":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	default:
		return FormatText
	}
}

// ReadEmails streams raw (not yet normalized) addresses from r to fn.
func ReadEmails(ctx context.Context, r io.Reader, format Format, fn func(string) error) error {
	switch format {
	case FormatCSV:
		return readCSV(ctx, r, fn)
	case FormatXLSX:
		return readXLSX(ctx, r, fn)
	default:
		return readText(ctx, r, fn)
	}
}

func readText(ctx context.Context, r io.Reader, fn func(string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read email list: %w", err)
	}
	return nil
}

// columnPicker locates the email column from the first record: a column
// named "email" wins, otherwise column 0. A first record without an
// address in the chosen column is treated as a header.
type columnPicker struct {
	col     int
	decided bool
}

func (p *columnPicker) pick(record []string) (string, bool) {
	if !p.decided {
		p.decided = true
		for i, h := range record {
			name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
			if name == "email" || name == "e-mail" || name == "email_address" {
				p.col = i
				return "", false
			}
		}
		if len(record) > 0 && !strings.Contains(record[0], "@") {
			return "", false
		}
	}
	if p.col >= len(record) {
		return "", false
	}
	v := strings.TrimSpace(record[p.col])
	return v, v != ""
}

func readCSV(ctx context.Context, r io.Reader, fn func(string) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var picker columnPicker
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return fmt.Errorf("read csv email list: %w", err)
		}
		if v, ok := picker.pick(record); ok {
			if err := fn(v); err != nil {
				return err
			}
		}
	}
}

func readXLSX(ctx context.Context, r io.Reader, fn func(string) error) error {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return fmt.Errorf("open xlsx email list: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		return fmt.Errorf("read xlsx sheet %s: %w", sheets[0], err)
	}
	defer func() { _ = rows.Close() }()

	var picker columnPicker
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cols, err := rows.Columns()
		if err != nil {
			return fmt.Errorf("read xlsx row: %w", err)
		}
		if len(cols) == 0 {
			continue
		}
		if v, ok := picker.pick(cols); ok {
			if err := fn(v); err != nil {
				return err
			}
		}
	}
	return rows.Error()
}
