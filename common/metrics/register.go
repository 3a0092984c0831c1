package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// register returns the collector already registered under the same descriptor, if any.
func register(c prometheus.Collector) prometheus.Collector {
	err := prometheus.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector
	}
	panic(err)
}
