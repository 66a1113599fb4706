// Package server contains HTTP handlers for the recovery service.
// This file implements Prometheus metrics exposure endpoints.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for recovery service operations
var (
	// Counter for nonce issuance
	nonceIssuanceCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nonce_issuance_total",
			Help: "Total number of nonces issued.",
		},
	)

	// Counter for nonce validation
	nonceValidationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nonce_validation_total",
			Help: "Total number of nonce validations, by result.",
		},
		[]string{"result"}, // success, invalid, mismatch, bad_signature
	)

	// Counter for JWT issuance
	jwtIssuanceCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jwt_issuance_total",
			Help: "Total number of JWTs issued.",
		},
	)

	// Counter for signing key rotations
	keyRotationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_rotations_total",
			Help: "Total number of key rotations, by result.",
		},
		[]string{"result"}, // success, failure
	)

	// Counter for guardian and recovery operations
	recoveryOperationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_operations_total",
			Help: "Total number of guardian and recovery operations, by operation and result.",
		},
		[]string{"op", "result"}, // result: success, rejected, error
	)
)

// metricsHandler exposes Prometheus metrics through the main HTTP server.
//
// The metrics include:
// - HTTP request count and duration (from middleware)
// - Go runtime metrics (automatically collected by Prometheus client)
// - Session and recovery operation counters
func (h *Handler) metricsHandler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// NewMetricsHandler creates a standalone HTTP handler for Prometheus metrics.
// This is used to create a separate metrics server that can listen on a
// different port from application traffic.
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}

// incrementNonceIssuance increments the nonce issuance counter
func incrementNonceIssuance() {
	nonceIssuanceCount.Inc()
}

// incrementNonceValidation increments the nonce validation counter
func incrementNonceValidation(result string) {
	nonceValidationCount.WithLabelValues(result).Inc()
}

// incrementJWTIssuance increments the JWT issuance counter
func incrementJWTIssuance() {
	jwtIssuanceCount.Inc()
}

// incrementKeyRotation increments the key rotation counter
func incrementKeyRotation(result string) {
	keyRotationCount.WithLabelValues(result).Inc()
}

func incrementRecoveryOperation(op, result string) {
	recoveryOperationCount.WithLabelValues(op, result).Inc()
}
