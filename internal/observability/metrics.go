package observability

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the speed markets engine.
type Metrics struct {
	// --- Market lifecycle ---
	MarketsCreated    *prometheus.CounterVec
	MarketsResolved   *prometheus.CounterVec
	CreationRejected  *prometheus.CounterVec
	ResolutionFailed  *prometheus.CounterVec
	ActiveMarkets     *prometheus.GaugeVec
	CreateDuration    *prometheus.HistogramVec
	ResolveDuration   *prometheus.HistogramVec

	// --- Risk ---
	RiskCurrent     *prometheus.GaugeVec
	RiskDirectional *prometheus.GaugeVec
	RiskRejections  *prometheus.CounterVec

	// --- Fees and referrals ---
	FeeRateApplied  prometheus.Histogram
	SafeBoxAccrued  *prometheus.CounterVec
	ReferrerPaid    *prometheus.CounterVec

	// --- Ledger ---
	JournalsGenerated *prometheus.CounterVec
	EscrowLocked      *prometheus.GaugeVec
	WorkingCapital    *prometheus.GaugeVec

	// --- Oracle ---
	EvidenceRejected *prometheus.CounterVec

	// --- Ingestion ---
	RequestsReceived *prometheus.CounterVec
	RequestsRejected *prometheus.CounterVec
	PublishDrops     prometheus.Counter

	// --- Persistence ---
	PersistRowsWritten prometheus.Counter
	PersistBatchSize   prometheus.Histogram
	PersistErrors      *prometheus.CounterVec
	PersistRetry       prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics on an explicit registerer. Tests use a
// fresh registry per instance so fixtures never collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	auto := promauto.With(reg)
	opBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		MarketsCreated: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_markets_created_total",
			Help: "Markets accepted by the factory",
		}, []string{"kind", "asset", "direction"}),

		MarketsResolved: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_markets_resolved_total",
			Help: "Markets settled, by outcome",
		}, []string{"kind", "outcome"}),

		CreationRejected: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_market_creation_rejected_total",
			Help: "Creation requests rejected, by reason",
		}, []string{"reason"}),

		ResolutionFailed: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_market_resolution_failed_total",
			Help: "Resolution attempts that failed, by reason",
		}, []string{"reason"}),

		ActiveMarkets: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speed_markets_active",
			Help: "Unresolved markets currently held",
		}, []string{"kind"}),

		CreateDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speed_market_create_duration_seconds",
			Help:    "Time to process a creation request",
			Buckets: opBuckets,
		}, []string{"kind"}),

		ResolveDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speed_market_resolve_duration_seconds",
			Help:    "Time to process a resolution",
			Buckets: opBuckets,
		}, []string{"kind"}),

		RiskCurrent: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speed_risk_current_usd",
			Help: "Aggregate reserved risk per asset, USD",
		}, []string{"asset"}),

		RiskDirectional: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speed_risk_directional_usd",
			Help: "Directional reserved risk per asset and direction, USD",
		}, []string{"asset", "direction"}),

		RiskRejections: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_risk_rejections_total",
			Help: "Creations rejected because a risk cap would be exceeded",
		}, []string{"asset"}),

		FeeRateApplied: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "speed_fee_rate_applied",
			Help:    "Effective fee rate charged at creation",
			Buckets: []float64{0.0025, 0.005, 0.0075, 0.01, 0.0125, 0.015, 0.02, 0.025, 0.03},
		}),

		SafeBoxAccrued: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_safe_box_accrued_usd_total",
			Help: "Protocol fee share retained in the safe box, USD",
		}, []string{"asset"}),

		ReferrerPaid: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_referrer_paid_usd_total",
			Help: "Referrer fee share paid out, USD, by tier",
		}, []string{"tier"}),

		JournalsGenerated: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_ledger_journals_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		EscrowLocked: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speed_escrow_locked",
			Help: "Payout amounts held in escrow, native token units",
		}, []string{"collateral"}),

		WorkingCapital: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speed_working_capital",
			Help: "Working capital balance, native token units",
		}, []string{"collateral"}),

		EvidenceRejected: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_oracle_evidence_rejected_total",
			Help: "Oracle evidence rejected during validation, by reason",
		}, []string{"reason"}),

		RequestsReceived: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_ingest_requests_total",
			Help: "Requests received from NATS, by subject",
		}, []string{"subject"}),

		RequestsRejected: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_ingest_rejected_total",
			Help: "Requests rejected before reaching the engine",
		}, []string{"reason"}),

		PublishDrops: auto.NewCounter(prometheus.CounterOpts{
			Name: "speed_publish_drops_total",
			Help: "Outbound records dropped due to full publish channel",
		}),

		PersistRowsWritten: auto.NewCounter(prometheus.CounterOpts{
			Name: "speed_persist_rows_written_total",
			Help: "Rows written to Postgres",
		}),

		PersistBatchSize: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "speed_persist_batch_size",
			Help:    "Rows per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_persist_errors_total",
			Help: "Persistence errors, by operation",
		}, []string{"operation"}),

		PersistRetry: auto.NewCounter(prometheus.CounterOpts{
			Name: "speed_persist_retries_total",
			Help: "Persistence batches retried",
		}),

		QueryRequests: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_query_requests_total",
			Help: "Query API requests, by endpoint",
		}, []string{"endpoint"}),

		QueryDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speed_query_duration_seconds",
			Help:    "Query API request duration",
			Buckets: opBuckets,
		}, []string{"endpoint"}),

		QueryErrors: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "speed_query_errors_total",
			Help: "Query API errors, by endpoint and code",
		}, []string{"endpoint", "code"}),
	}
}

// WadToFloat converts an 18-decimal fixed-point value to a float for
// metric observation. Precision loss is acceptable here.
func WadToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f / 1e18
}
