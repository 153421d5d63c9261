package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/credrisk/internal/domain"
)

const sample = `TransactionId,CustomerId,Amount,Value,TransactionStartTime
T1,CustomerId_1,1000,1000,2018-11-15T02:18:49Z
T2,CustomerId_2,-20.5,20,2018-11-15 02:19:08
T3,CustomerId_1,500,500,2018-11-16
`

func TestCSVReaderDefaults(t *testing.T) {
	records, err := NewCSVReader(domain.ColumnBindings{}).Read(context.Background(), strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "CustomerId_1", records[0].CustomerID)
	assert.True(t, records[0].Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, time.Date(2018, 11, 15, 2, 18, 49, 0, time.UTC), records[0].Timestamp)

	assert.True(t, records[1].Amount.Equal(decimal.RequireFromString("-20.5")))
	assert.Equal(t, time.Date(2018, 11, 15, 2, 19, 8, 0, time.UTC), records[1].Timestamp)
	assert.Equal(t, time.Date(2018, 11, 16, 0, 0, 0, 0, time.UTC), records[2].Timestamp)
}

func TestCSVReaderCustomBindings(t *testing.T) {
	data := "cust,amt,ts\nA,1.25,2023-01-01T10:00:00+02:00\n"

	r := NewCSVReader(domain.ColumnBindings{CustomerID: "cust", Amount: "amt", Timestamp: "ts"})
	records, err := r.Read(context.Background(), strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, time.Date(2023, 1, 1, 8, 0, 0, 0, time.UTC), records[0].Timestamp)
}

func TestCSVReaderErrors(t *testing.T) {
	ctx := context.Background()
	r := NewCSVReader(domain.DefaultColumnBindings())

	tests := []struct {
		name string
		data string
		want string
	}{
		{"Empty", "", "empty"},
		{"HeaderOnly", "CustomerId,Amount,TransactionStartTime\n", "no rows"},
		{"MissingColumn", "CustomerId,Amount\nA,1\n", "TransactionStartTime"},
		{"BadAmount", "CustomerId,Amount,TransactionStartTime\nA,abc,2023-01-01\n", "line 2"},
		{"BadTimestamp", "CustomerId,Amount,TransactionStartTime\nA,1,2023-01-01\nB,2,yesterday\n", "line 3"},
		{"EmptyCustomer", "CustomerId,Amount,TransactionStartTime\n,1,2023-01-01\n", "empty CustomerId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Read(ctx, strings.NewReader(tt.data))
			require.ErrorIs(t, err, domain.ErrValidation)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	records, err := NewCSVReader(domain.ColumnBindings{}).ReadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	_, err = NewCSVReader(domain.ColumnBindings{}).ReadFile(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("2023-01-15T10:00:00.123456789Z")
	require.NoError(t, err)
	assert.Equal(t, 123456789, ts.Nanosecond())

	_, err = ParseTimestamp("15/01/2023")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
