// Package stats derives merchant transaction statistics by scanning
// the ledger. It is read-only and eventually consistent: a payment
// settling while a query runs is counted in whichever state the scan
// observes.
package stats

import (
	"context"
	"sort"
	"time"

	"payline/gateway/internal/ledger"
)

type DailyVolume struct {
	Date   string `json:"date"`
	Count  int    `json:"count"`
	Amount int64  `json:"amount"`
}

type Stats struct {
	TotalTransactions      int           `json:"total_transactions"`
	SuccessfulTransactions int           `json:"successful_transactions"`
	FailedTransactions     int           `json:"failed_transactions"`
	TotalAmount            int64         `json:"total_amount"`
	SuccessAmount          int64         `json:"success_amount"`
	FailedAmount           int64         `json:"failed_amount"`
	SuccessRate            int           `json:"success_rate"`
	AverageAmount          int64         `json:"average_amount"`
	DailyVolume            []DailyVolume `json:"daily_volume"`
}

type Aggregator struct {
	store ledger.Store
}

func NewAggregator(store ledger.Store) *Aggregator {
	return &Aggregator{store: store}
}

// GetStats reduces the merchant's transactions over [from, to).
// Refunded payments count as successful: the collection succeeded and
// the refund is a separate movement. The success rate is the integer
// percentage, truncated. Day buckets are UTC calendar dates.
func (a *Aggregator) GetStats(ctx context.Context, merchantID string, from, to time.Time) (*Stats, error) {
	records, err := a.store.ListTransactions(ctx, merchantID, from, to)
	if err != nil {
		return nil, err
	}

	s := &Stats{}
	days := make(map[string]*DailyVolume)
	for _, rec := range records {
		s.TotalTransactions++
		s.TotalAmount += rec.Amount

		switch rec.Status {
		case ledger.PaymentSuccess, ledger.PaymentRefunded:
			s.SuccessfulTransactions++
			s.SuccessAmount += rec.Amount
		case ledger.PaymentFailed:
			s.FailedTransactions++
			s.FailedAmount += rec.Amount
		}

		day := rec.CreatedAt.UTC().Format("2006-01-02")
		bucket, ok := days[day]
		if !ok {
			bucket = &DailyVolume{Date: day}
			days[day] = bucket
		}
		bucket.Count++
		bucket.Amount += rec.Amount
	}

	if s.TotalTransactions > 0 {
		s.SuccessRate = 100 * s.SuccessfulTransactions / s.TotalTransactions
		s.AverageAmount = s.TotalAmount / int64(s.TotalTransactions)
	}

	s.DailyVolume = make([]DailyVolume, 0, len(days))
	for _, bucket := range days {
		s.DailyVolume = append(s.DailyVolume, *bucket)
	}
	sort.Slice(s.DailyVolume, func(i, j int) bool {
		return s.DailyVolume[i].Date < s.DailyVolume[j].Date
	})

	return s, nil
}
