package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/patientsim/pkg/metrics"
)

// HandleHealth serves the metrics registry; a successful scrape doubles as the liveness check.
func HandleHealth() http.Handler {
	return promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{})
}
