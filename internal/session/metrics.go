package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilotpool_rotations_total",
			Help: "Session acquisitions by outcome",
		},
		[]string{"outcome"},
	)

	demotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copilotpool_demotions_total",
			Help: "Credentials parked because their chat quota was exhausted",
		},
	)

	reclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copilotpool_reclaimed_total",
			Help: "Exhausted credentials returned to the active pool",
		},
	)

	exchangeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copilotpool_exchange_failures_total",
			Help: "Token exchange attempts that failed and were skipped",
		},
	)

	secretRacesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copilotpool_secret_missing_total",
			Help: "Candidates whose secret vanished before it could be read",
		},
	)

	activeCredentials = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copilotpool_active_credentials",
			Help: "Credentials in the active pool after the last rotation",
		},
	)

	chatQuotaRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copilotpool_chat_quota_remaining",
			Help: "Chat quota reported for the committed session",
		},
	)
)

const (
	outcomeSuccess   = "success"
	outcomeNoCreds   = "no_credentials"
	outcomeExhausted = "exhausted"
	outcomeLimit     = "limit"
	outcomeError     = "error"
)
