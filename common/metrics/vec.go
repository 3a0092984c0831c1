package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type CounterVec struct {
	counters *prometheus.CounterVec
}

func NewCounterVec(namespace, subsystem, metricsName, help string, labels []string) *CounterVec {
	cc := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      metricsName + "_c",
		Help:      help + " (counters)",
	}, labels)
	return &CounterVec{counters: register(cc).(*prometheus.CounterVec)}
}

func (cv *CounterVec) Inc(labels ...string) {
	cv.counters.WithLabelValues(labels...).Inc()
}

// GaugeVec holds values a component overwrites, such as queue depth.
type GaugeVec struct {
	gauges *prometheus.GaugeVec
}

func NewGaugeVec(namespace, subsystem, metricsName, help string, labels []string) *GaugeVec {
	gg := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      metricsName + "_g",
		Help:      help + " (gauges)",
	}, labels)
	return &GaugeVec{gauges: register(gg).(*prometheus.GaugeVec)}
}

func (gv *GaugeVec) Set(v float64, labels ...string) {
	gv.gauges.WithLabelValues(labels...).Set(v)
}
