package lesion

import (
	"math"
	"time"
)

// DefaultGrowthPoints is the number of monthly points in a growth chart.
const DefaultGrowthPoints = 6

// GrowthPoint is one sample of the synthetic growth chart.
type GrowthPoint struct {
	Date  time.Time `json:"date"`
	Label string    `json:"label"`
	Size  float64   `json:"size"`
}

// GrowthSeries builds a monthly series of n points ending at the region's
// lastChecked date. Point k (oldest first) has size initialSize*(1+rate*k),
// rounded to two decimals. A region without tracking yields a flat zero
// series ending at now.
func GrowthSeries(r Region, n int, now time.Time) []GrowthPoint {
	if n <= 0 {
		n = DefaultGrowthPoints
	}
	var (
		base, rate float64
		last       = now
	)
	if r.Tracking != nil {
		base = r.Tracking.InitialSize
		rate = r.Tracking.GrowthRate
		if !r.Tracking.LastChecked.IsZero() {
			last = r.Tracking.LastChecked
		}
	}

	out := make([]GrowthPoint, n)
	for k := 0; k < n; k++ {
		d := monthsBefore(last, n-1-k)
		out[k] = GrowthPoint{
			Date:  d,
			Label: d.Format("Jan 2006"),
			Size:  math.Round(base*(1+rate*float64(k))*100) / 100,
		}
	}
	return out
}

// monthsBefore steps back whole calendar months, pinning the day to the end
// of shorter months instead of overflowing into the next one.
func monthsBefore(t time.Time, months int) time.Time {
	first := time.Date(t.Year(), t.Month()-time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > lastDay {
		day = lastDay
	}
	return first.AddDate(0, 0, day-1)
}
