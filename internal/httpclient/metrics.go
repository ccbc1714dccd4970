package httpclient

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver counts lifecycle stages and tracks in-flight requests.
type MetricsObserver struct {
	stages   *prometheus.CounterVec
	inFlight prometheus.Gauge
}

// NewMetricsObserver creates the collectors and registers them with reg
// when reg is not nil.
func NewMetricsObserver(reg prometheus.Registerer) (*MetricsObserver, error) {
	m := &MetricsObserver{
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authsession",
			Name:      "http_requests_total",
			Help:      "Outbound requests by lifecycle stage.",
		}, []string{"stage"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "authsession",
			Name:      "http_requests_in_flight",
			Help:      "Outbound requests started but not finished.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.stages, m.inFlight} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// OnStart counts the request and marks it in flight.
func (m *MetricsObserver) OnStart(*http.Request) {
	m.stages.WithLabelValues("start").Inc()
	m.inFlight.Inc()
}

// OnSuccess counts a response.
func (m *MetricsObserver) OnSuccess(*http.Response) {
	m.stages.WithLabelValues("success").Inc()
}

// OnError counts a transport or token failure.
func (m *MetricsObserver) OnError(error) {
	m.stages.WithLabelValues("error").Inc()
}

// OnFinish clears the in-flight mark.
func (m *MetricsObserver) OnFinish() {
	m.stages.WithLabelValues("finish").Inc()
	m.inFlight.Dec()
}
