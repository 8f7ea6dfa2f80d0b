package main

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"simple-oidc-oauth/validation"
)

var (
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "oidc_admin",
		Name:      "request_duration_seconds",
		Help:      "Latency of admin API requests.",
		Buckets:   prometheus.LinearBuckets(0.01, 0.01, 10),
	}, []string{"route", "status"})

	rejectedFieldsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oidc_admin",
		Name:      "rejected_fields_total",
		Help:      "Client registration fields rejected by URL validation.",
	}, []string{"field", "reason"})

	rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oidc_admin",
		Name:      "rate_limited_total",
		Help:      "Requests refused by the per-IP rate limiter.",
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(requestDuration, rejectedFieldsTotal, rateLimitedTotal)
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

// timedRoutes is a mux middleware recording latency per route template.
func timedRoutes(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
			requestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(v)
		}))
		defer timer.ObserveDuration()
		next.ServeHTTP(rec, r)
	})
}

func recordRejectedFields(errs validation.FieldErrors) {
	for _, fe := range errs {
		if len(fe.Failures) == 0 {
			rejectedFieldsTotal.WithLabelValues(fe.Field, "required").Inc()
			continue
		}
		for _, f := range fe.Failures {
			rejectedFieldsTotal.WithLabelValues(fe.Field, f.Reason.String()).Inc()
		}
	}
}
