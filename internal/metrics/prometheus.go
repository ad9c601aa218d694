package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Gauge is sampled at scrape time.
type Gauge struct {
	Name  string
	Help  string
	Value func() int64
}

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// Counters share one metric with an `event` label; gauges are emitted as-is.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	labelEscaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP voice_signal_relay_events_total Relay event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE voice_signal_relay_events_total counter")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "voice_signal_relay_events_total{event=\"%s\"} %d\n", labelEscaper.Replace(k), snap[k])
		}

		for _, g := range gauges {
			if g.Value == nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n", g.Name, g.Help)
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", g.Name)
			_, _ = fmt.Fprintf(w, "%s %d\n", g.Name, g.Value())
		}
	})
}
