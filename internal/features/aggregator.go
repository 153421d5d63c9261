// Package features turns a transaction log into per-customer RFM profiles,
// behavioral scores and the standardized training matrix.
package features

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/credrisk/internal/domain"
)

const day = 24 * time.Hour

// Aggregator computes Recency, Frequency and Monetary aggregates per customer.
type Aggregator struct {
	// Snapshot is the reference date for recency. Zero means one day after
	// the latest transaction in the log.
	Snapshot time.Time
}

// NewAggregator creates an aggregator with an optional snapshot date.
func NewAggregator(snapshot time.Time) *Aggregator {
	return &Aggregator{Snapshot: snapshot}
}

type customerTotals struct {
	last    time.Time
	sum     decimal.Decimal
	amounts []float64
}

// Aggregate returns one profile per distinct customer, ordered by customer id:
// numerically when every id is an integer, lexically otherwise.
func (a *Aggregator) Aggregate(records []domain.TransactionRecord) ([]domain.CustomerProfile, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: transaction log is empty", domain.ErrValidation)
	}

	totals := make(map[string]*customerTotals)
	var latest time.Time
	for i, r := range records {
		if r.CustomerID == "" {
			return nil, fmt.Errorf("%w: record %d has no customer id", domain.ErrValidation, i)
		}
		if r.Timestamp.IsZero() {
			return nil, fmt.Errorf("%w: record %d has no timestamp", domain.ErrValidation, i)
		}

		t, ok := totals[r.CustomerID]
		if !ok {
			t = &customerTotals{sum: decimal.Zero}
			totals[r.CustomerID] = t
		}
		if r.Timestamp.After(t.last) {
			t.last = r.Timestamp
		}
		t.sum = t.sum.Add(r.Amount)
		t.amounts = append(t.amounts, r.Amount.InexactFloat64())

		if r.Timestamp.After(latest) {
			latest = r.Timestamp
		}
	}

	snapshot := a.Snapshot
	if snapshot.IsZero() {
		snapshot = latest.Add(day)
	}
	if snapshot.Before(latest) {
		return nil, fmt.Errorf("%w: snapshot %s precedes the latest transaction %s",
			domain.ErrValidation, snapshot.Format(time.DateOnly), latest.Format(time.RFC3339))
	}

	ids := make([]string, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sortCustomerIDs(ids)

	profiles := make([]domain.CustomerProfile, 0, len(ids))
	for _, id := range ids {
		t := totals[id]
		n := len(t.amounts)

		std := 0.0
		if n > 1 {
			std = stat.StdDev(t.amounts, nil)
		}

		profiles = append(profiles, domain.CustomerProfile{
			CustomerID: id,
			Recency:    int(snapshot.Sub(t.last) / day),
			Frequency:  n,
			Monetary:   t.sum.InexactFloat64(),
			AvgAmount:  t.sum.Div(decimal.NewFromInt(int64(n))).InexactFloat64(),
			StdAmount:  std,
		})
	}

	return profiles, nil
}

func sortCustomerIDs(ids []string) {
	nums := make(map[string]int64, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			sort.Strings(ids)
			return
		}
		nums[id] = n
	}
	sort.Slice(ids, func(i, j int) bool {
		if nums[ids[i]] != nums[ids[j]] {
			return nums[ids[i]] < nums[ids[j]]
		}
		return ids[i] < ids[j]
	})
}
