// Package metrics provides Prometheus instrumentation for the lookup
// server and the download pipeline.
//
// Instrumentation is opt-in: until Init is called, the typed constructors
// return nil and every method on a nil receiver is a no-op, so disabled
// metrics cost nothing on the hot path.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry
)

// Init creates the process registry with the standard Go and process
// collectors. Calling Init more than once is a no-op.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	if registry != nil {
		return
	}
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Enabled reports whether Init has been called.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return registry != nil
}

// Handler returns the HTTP handler serving the registry, or nil when
// metrics are disabled.
func Handler() http.Handler {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func reg() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}
