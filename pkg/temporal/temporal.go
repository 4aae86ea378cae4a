// Package temporal derives deterministic time-based labels and clusters for
// Muninn's organization passes.
//
// Everything here is a pure function of timestamps: no model calls, no
// storage access. The Dreamer uses TagsFor to reconcile bucket/tag metadata
// and ClusterByGap to split unbound atoms into episode candidates.
package temporal

import (
	"fmt"
	"time"
)

// Season names follow meteorological seasons (Dec-Feb = winter, etc.).
var seasonNames = [4]string{"winter", "spring", "summer", "autumn"}

// TimeOfDay buckets a clock hour into a coarse label.
func TimeOfDay(hour int) string {
	switch {
	case hour < 6:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

// Season returns the meteorological season for a month.
func Season(month time.Month) string {
	// December rolls into the next winter.
	return seasonNames[(int(month)%12)/3]
}

// Quarter returns the calendar quarter label, e.g. "Q3".
func Quarter(month time.Month) string {
	return fmt.Sprintf("Q%d", (int(month)-1)/3+1)
}

// YearBucket returns the calendar-year bucket for an epoch-ms timestamp.
func YearBucket(tsMillis int64) string {
	return fmt.Sprintf("%d", time.UnixMilli(tsMillis).UTC().Year())
}

// TagsFor derives the full deterministic temporal tag set for an epoch-ms
// timestamp: calendar year, month name, weekday, season, quarter, and
// time-of-day bucket. The result is stable across calls and call order.
func TagsFor(tsMillis int64) []string {
	t := time.UnixMilli(tsMillis).UTC()
	return []string{
		fmt.Sprintf("%d", t.Year()),
		t.Month().String(),
		t.Weekday().String(),
		Season(t.Month()),
		Quarter(t.Month()),
		TimeOfDay(t.Hour()),
	}
}

// Cluster is a run of consecutive timestamps whose pairwise gaps never
// exceed the configured threshold. Indexes refer to the input slice.
type Cluster struct {
	Start int // first index, inclusive
	End   int // last index, inclusive
}

// Size returns the number of members in the cluster.
func (c Cluster) Size() int {
	return c.End - c.Start + 1
}

// ClusterByGap splits an ascending timestamp slice into clusters wherever the
// gap between consecutive timestamps exceeds gap. Input order is preserved;
// the caller is responsible for sorting.
func ClusterByGap(tsMillis []int64, gap time.Duration) []Cluster {
	if len(tsMillis) == 0 {
		return nil
	}

	gapMs := gap.Milliseconds()
	clusters := make([]Cluster, 0)
	start := 0
	for i := 1; i < len(tsMillis); i++ {
		if tsMillis[i]-tsMillis[i-1] > gapMs {
			clusters = append(clusters, Cluster{Start: start, End: i - 1})
			start = i
		}
	}
	return append(clusters, Cluster{Start: start, End: len(tsMillis) - 1})
}

// SpanLabel renders a human-readable time range for episode summaries.
func SpanLabel(startMillis, endMillis int64) string {
	start := time.UnixMilli(startMillis).UTC()
	end := time.UnixMilli(endMillis).UTC()
	if start.YearDay() == end.YearDay() && start.Year() == end.Year() {
		return fmt.Sprintf("%s %s-%s",
			start.Format("2006-01-02"),
			start.Format("15:04"),
			end.Format("15:04"))
	}
	return fmt.Sprintf("%s - %s",
		start.Format("2006-01-02 15:04"),
		end.Format("2006-01-02 15:04"))
}
