package trust

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/covenantd/covenant/internal/trust")

var (
	updatesTotal         metric.Int64Counter
	initializationsTotal metric.Int64Counter
	thresholdChecks      metric.Int64Counter
	decaySweeps          metric.Int64Counter
	lockTimeouts         metric.Int64Counter
	cacheHits            metric.Int64Counter
	cacheMisses          metric.Int64Counter
	cacheEvictions       metric.Int64Counter
)

func init() {
	var err error
	updatesTotal, err = meter.Int64Counter("trust.updates.total",
		metric.WithDescription("Committed trust score updates"))
	if err != nil {
		updatesTotal, _ = meter.Int64Counter("trust.updates.total.fallback")
	}

	initializationsTotal, err = meter.Int64Counter("trust.agents.initialized",
		metric.WithDescription("Agents registered with an initial score"))
	if err != nil {
		initializationsTotal, _ = meter.Int64Counter("trust.agents.initialized.fallback")
	}

	thresholdChecks, err = meter.Int64Counter("trust.threshold.checks",
		metric.WithDescription("Threshold category comparisons served"))
	if err != nil {
		thresholdChecks, _ = meter.Int64Counter("trust.threshold.checks.fallback")
	}

	decaySweeps, err = meter.Int64Counter("trust.decay.sweeps",
		metric.WithDescription("Completed decay sweeps"))
	if err != nil {
		decaySweeps, _ = meter.Int64Counter("trust.decay.sweeps.fallback")
	}

	lockTimeouts, err = meter.Int64Counter("trust.lock.timeouts",
		metric.WithDescription("Per-agent lock acquisitions that timed out"))
	if err != nil {
		lockTimeouts, _ = meter.Int64Counter("trust.lock.timeouts.fallback")
	}

	cacheHits, err = meter.Int64Counter("trust.cache.hits",
		metric.WithDescription("Score reads served from the write-through cache"))
	if err != nil {
		cacheHits, _ = meter.Int64Counter("trust.cache.hits.fallback")
	}

	cacheMisses, err = meter.Int64Counter("trust.cache.misses",
		metric.WithDescription("Score reads that fell through to the store"))
	if err != nil {
		cacheMisses, _ = meter.Int64Counter("trust.cache.misses.fallback")
	}

	cacheEvictions, err = meter.Int64Counter("trust.cache.evictions",
		metric.WithDescription("Cached scores evicted by the cache bound"))
	if err != nil {
		cacheEvictions, _ = meter.Int64Counter("trust.cache.evictions.fallback")
	}
}
