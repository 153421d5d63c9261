package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRecord is one row of the raw transaction log.
type TransactionRecord struct {
	CustomerID string          `json:"customerId"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ColumnBindings names the source columns that hold the customer identifier,
// the signed amount and the transaction timestamp.
type ColumnBindings struct {
	CustomerID string `json:"customerId" yaml:"customer_id"`
	Amount     string `json:"amount" yaml:"amount"`
	Timestamp  string `json:"timestamp" yaml:"timestamp"`
}

// DefaultColumnBindings returns the column names used by the reference dataset.
func DefaultColumnBindings() ColumnBindings {
	return ColumnBindings{
		CustomerID: "CustomerId",
		Amount:     "Amount",
		Timestamp:  "TransactionStartTime",
	}
}
