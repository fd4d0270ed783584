package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FeaturesImportedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linereview_features_imported_total",
		Help: "Total features persisted across all imports",
	})
	FeaturesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linereview_features_dropped_total",
		Help: "Total features dropped at import for missing ids",
	})
	EvaluationsSavedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linereview_evaluations_saved_total",
		Help: "Total evaluation upserts",
	})
	ExportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linereview_exports_total",
		Help: "Total export requests by kind",
	}, []string{"kind"})
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linereview_http_requests_total",
		Help: "Total HTTP requests by status code",
	}, []string{"code"})
)

func init() {
	prometheus.MustRegister(
		FeaturesImportedTotal,
		FeaturesDroppedTotal,
		EvaluationsSavedTotal,
		ExportsTotal,
		HTTPRequestsTotal,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
