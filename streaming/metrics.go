package streaming

import (
	"github.com/prometheus/client_golang/prometheus"
)

const resultLabel = "result"

// Load outcomes.
const (
	resultLoaded  = "loaded"
	resultMissing = "missing"
	resultFailed  = "failed"
	resultStale   = "stale"
)

type metrics struct {
	loadedCells   prometheus.Gauge
	inFlightLoads prometheus.Gauge
	queuedCells   prometheus.Gauge
	loads         *prometheus.CounterVec
	unloads       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		loadedCells: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lodcloud_streaming_loaded_cells",
			Help: "The number of cells resident for rendering.",
		}),
		inFlightLoads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lodcloud_streaming_in_flight_loads",
			Help: "The number of cell loads dispatched and not yet completed.",
		}),
		queuedCells: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lodcloud_streaming_queued_cells",
			Help: "The number of visible cells waiting for a load slot.",
		}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lodcloud_streaming_loads_total",
			Help: "The total number of completed cell loads by outcome.",
		}, []string{resultLabel}),
		unloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lodcloud_streaming_unloads_total",
			Help: "The total number of cells released after leaving view.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.loadedCells, m.inFlightLoads, m.queuedCells, m.loads, m.unloads} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) countLoad(result string) {
	m.loads.With(prometheus.Labels{resultLabel: result}).Inc()
}
