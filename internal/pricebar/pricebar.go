// Package pricebar maintains OHLC price bars and aggregates them into
// coarser buckets for charting. All functions are pure: the active period
// start is supplied by the caller, never derived from the wall clock.
package pricebar

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/exchange-engine/internal/model"
)

// Apply folds one trade at price into the bar for the given period.
// When existing is nil (first trade of the period) a fresh bar opens with
// open=high=low=close=price. Otherwise high and low widen as needed and
// close always takes the trade price.
func Apply(existing *model.PriceBar, stockID string, price int64, periodStart time.Time) model.PriceBar {
	if existing == nil {
		return model.PriceBar{
			StockID:     stockID,
			PeriodStart: periodStart,
			Open:        price,
			High:        price,
			Low:         price,
			Close:       price,
		}
	}

	bar := *existing
	if price > bar.High {
		bar.High = price
	}
	if price < bar.Low {
		bar.Low = price
	}
	bar.Close = price
	return bar
}

// Aggregate groups bars (oldest first) into buckets of periodSize
// consecutive bars. Each bucket opens with its first bar's open, closes
// with its last bar's close, spans the extreme high/low, and is stamped
// with the last bar's period start. The final bucket may be shorter than
// periodSize and is still emitted. periodSize below 1 is treated as 1.
func Aggregate(bars []model.PriceBar, periodSize int) []model.PriceBar {
	if periodSize < 1 {
		periodSize = 1
	}

	buckets := make([]model.PriceBar, 0, (len(bars)+periodSize-1)/periodSize)
	for start := 0; start < len(bars); start += periodSize {
		end := start + periodSize
		if end > len(bars) {
			end = len(bars)
		}

		bucket := model.PriceBar{
			StockID:     bars[start].StockID,
			PeriodStart: bars[end-1].PeriodStart,
			Open:        bars[start].Open,
			High:        bars[start].High,
			Low:         bars[start].Low,
			Close:       bars[end-1].Close,
		}
		for _, b := range bars[start+1 : end] {
			if b.High > bucket.High {
				bucket.High = b.High
			}
			if b.Low < bucket.Low {
				bucket.Low = b.Low
			}
		}
		buckets = append(buckets, bucket)
	}
	return buckets
}

// ChangeRatioPct is the percentage change from open to close, rounded to
// two decimal places. Zero open yields zero rather than a division error.
func ChangeRatioPct(open, close int64) decimal.Decimal {
	if open == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(close - open).
		Div(decimal.NewFromInt(open)).
		Mul(decimal.NewFromInt(100)).
		Round(2)
}
