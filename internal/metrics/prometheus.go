package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const (
	eventsMetric = "taktek_signal_events_total"
	onlineMetric = "taktek_signal_online_peers"
)

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// Counters share one metric with an `event` label. online, when non-nil,
// supplies point-in-time gauges labelled by `role`.
func PrometheusHandler(m *Metrics, online func() map[string]int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		writeFamily(w, eventsMetric, "counter", "Relay event counters.", "event", toInt64(m.Snapshot()))
		if online != nil {
			gauges := make(map[string]int64)
			for k, v := range online() {
				gauges[k] = int64(v)
			}
			writeFamily(w, onlineMetric, "gauge", "Currently registered peers.", "role", gauges)
		}
	})
}

func writeFamily(w io.Writer, name, typ, help, label string, values map[string]int64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, label, labelEscaper.Replace(k), values[k])
	}
}

func toInt64(in map[string]uint64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = int64(v)
	}
	return out
}
