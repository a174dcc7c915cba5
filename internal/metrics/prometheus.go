package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const metricName = "umbra_relay_events_total"

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// PrometheusHandler exposes every counter as one metric with an `event`
// label, in the text exposition format. A label per event keeps the registry
// a plain map while remaining scrapeable.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		events := make([]string, 0, len(snap))
		for event := range snap {
			events = append(events, event)
		}
		sort.Strings(events)

		var b strings.Builder
		fmt.Fprintf(&b, "# HELP %s Internal event counters.\n", metricName)
		fmt.Fprintf(&b, "# TYPE %s counter\n", metricName)
		for _, event := range events {
			fmt.Fprintf(&b, "%s{event=\"%s\"} %d\n", metricName, labelEscaper.Replace(event), snap[event])
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(b.String()))
	})
}
