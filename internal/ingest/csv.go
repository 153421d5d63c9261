// Package ingest reads raw transaction logs.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/credrisk/internal/domain"
)

// timestampLayouts are tried in order.
var timestampLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp formats accepted in transaction logs.
// Values without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", domain.ErrValidation, s)
}

// CSVReader reads a transaction log with a header row. Bindings select the
// customer, amount and timestamp columns; other columns are ignored.
type CSVReader struct {
	Bindings domain.ColumnBindings
}

// NewCSVReader creates a reader. Empty bindings fall back to the defaults.
func NewCSVReader(b domain.ColumnBindings) *CSVReader {
	def := domain.DefaultColumnBindings()
	if b.CustomerID == "" {
		b.CustomerID = def.CustomerID
	}
	if b.Amount == "" {
		b.Amount = def.Amount
	}
	if b.Timestamp == "" {
		b.Timestamp = def.Timestamp
	}
	return &CSVReader{Bindings: b}
}

// Read parses every record from r.
func (c *CSVReader) Read(ctx context.Context, r io.Reader) ([]domain.TransactionRecord, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: transaction log is empty", domain.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", domain.ErrValidation, err)
	}

	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	col := func(name string) (int, error) {
		i, ok := idx[name]
		if !ok {
			return 0, fmt.Errorf("%w: column %q not found in header", domain.ErrValidation, name)
		}
		return i, nil
	}
	custCol, err := col(c.Bindings.CustomerID)
	if err != nil {
		return nil, err
	}
	amtCol, err := col(c.Bindings.Amount)
	if err != nil {
		return nil, err
	}
	tsCol, err := col(c.Bindings.Timestamp)
	if err != nil {
		return nil, err
	}

	var records []domain.TransactionRecord
	for line := 2; ; line++ {
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", domain.ErrValidation, line, err)
		}

		customer := strings.TrimSpace(row[custCol])
		if customer == "" {
			return nil, fmt.Errorf("%w: line %d: empty %s", domain.ErrValidation, line, c.Bindings.CustomerID)
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(row[amtCol]))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: column %s: invalid amount %q", domain.ErrValidation, line, c.Bindings.Amount, row[amtCol])
		}
		ts, err := ParseTimestamp(row[tsCol])
		if err != nil {
			return nil, fmt.Errorf("line %d: column %s: %w", line, c.Bindings.Timestamp, err)
		}

		records = append(records, domain.TransactionRecord{
			CustomerID: customer,
			Amount:     amount,
			Timestamp:  ts,
		})
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: transaction log has no rows", domain.ErrValidation)
	}
	return records, nil
}

// ReadFile reads a CSV transaction log from path.
func (c *CSVReader) ReadFile(ctx context.Context, path string) ([]domain.TransactionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transaction log: %w", err)
	}
	defer f.Close()
	return c.Read(ctx, f)
}
