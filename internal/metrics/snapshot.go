package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot returns a read-only view of every registered metric as a
// flat name -> value map. Labeled series render as name{k="v",...}
// with label names sorted, so the same series always yields the same
// key; histograms and summaries contribute _count and _sum entries.
// Used by diagnostic output that wants current figures without
// scraping the exposition endpoint.
func Snapshot() (map[string]float64, error) {
	fams, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	out := make(map[string]float64, len(fams))
	for _, fam := range fams {
		name := fam.GetName()
		for _, m := range fam.GetMetric() {
			suffix := ""
			if labels := m.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, l := range labels {
					parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
				}
				sort.Strings(parts)
				suffix = "{" + strings.Join(parts, ",") + "}"
			}

			switch {
			case m.Counter != nil:
				out[name+suffix] = m.Counter.GetValue()
			case m.Gauge != nil:
				out[name+suffix] = m.Gauge.GetValue()
			case m.Histogram != nil:
				out[name+"_count"+suffix] = float64(m.Histogram.GetSampleCount())
				out[name+"_sum"+suffix] = m.Histogram.GetSampleSum()
			case m.Summary != nil:
				out[name+"_count"+suffix] = float64(m.Summary.GetSampleCount())
				out[name+"_sum"+suffix] = m.Summary.GetSampleSum()
			case m.Untyped != nil:
				out[name+suffix] = m.Untyped.GetValue()
			}
		}
	}
	return out, nil
}
