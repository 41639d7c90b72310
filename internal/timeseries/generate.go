package timeseries

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// Generate builds a deterministic random-walk series of n bars spaced by
// interval, starting at start. Used for sample data and tests.
func Generate(start time.Time, interval time.Duration, n int, seed int64) *Series {
	rng := rand.New(rand.NewSource(seed))
	bars := make([]types.Bar, n)
	price := 100.0

	current := start
	for i := 0; i < n; i++ {
		change := (rng.Float64() - 0.5) * 0.02 * price // +/- 1%
		open := decimal.NewFromFloat(price)
		price += change
		close := decimal.NewFromFloat(price)

		bars[i] = types.Bar{
			Timestamp: current,
			Open:      open,
			High:      decimal.Max(open, close).Mul(decimal.NewFromFloat(1 + rng.Float64()*0.005)),
			Low:       decimal.Min(open, close).Mul(decimal.NewFromFloat(1 - rng.Float64()*0.005)),
			Close:     close,
			Volume:    decimal.NewFromFloat(rng.Float64() * 1000000),
		}
		current = current.Add(interval)
	}

	s, _ := New(bars, start.Location())
	return s
}

// FromTimestamps builds a flat-price series over the given timestamps.
func FromTimestamps(ts []time.Time, loc *time.Location) (*Series, error) {
	bars := make([]types.Bar, len(ts))
	one := decimal.NewFromInt(1)
	for i, t := range ts {
		bars[i] = types.Bar{Timestamp: t, Open: one, High: one, Low: one, Close: one}
	}
	return New(bars, loc)
}
