package matcher

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/thebtf/entmatch/internal/matcher"

// engineMetrics holds the engine's instruments. With no SDK installed the
// global meter provider hands out no-op instruments.
type engineMetrics struct {
	mentions metric.Int64Counter
	created  metric.Int64Counter
	appended metric.Int64Counter
	evicted  metric.Int64Counter
	duration metric.Float64Histogram
}

func newEngineMetrics() *engineMetrics {
	meter := otel.Meter(instrumentationName)
	m := &engineMetrics{}

	var err error
	if m.mentions, err = meter.Int64Counter("entmatch.mentions",
		metric.WithDescription("Mentions processed by match calls")); err != nil {
		log.Warn().Err(err).Msg("Failed to create mentions counter")
	}
	if m.created, err = meter.Int64Counter("entmatch.clusters.created",
		metric.WithDescription("Clusters created for unmatched mentions")); err != nil {
		log.Warn().Err(err).Msg("Failed to create clusters.created counter")
	}
	if m.appended, err = meter.Int64Counter("entmatch.clusters.appended",
		metric.WithDescription("Mentions appended to existing clusters")); err != nil {
		log.Warn().Err(err).Msg("Failed to create clusters.appended counter")
	}
	if m.evicted, err = meter.Int64Counter("entmatch.clusters.evicted",
		metric.WithDescription("Clusters deleted by the capacity policy")); err != nil {
		log.Warn().Err(err).Msg("Failed to create clusters.evicted counter")
	}
	if m.duration, err = meter.Float64Histogram("entmatch.match.duration",
		metric.WithDescription("Match call latency"),
		metric.WithUnit("s")); err != nil {
		log.Warn().Err(err).Msg("Failed to create match.duration histogram")
	}
	return m
}

func (m *engineMetrics) recordMatch(ctx context.Context, start time.Time, mentions int, outcome string) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.mentions != nil {
		m.mentions.Add(ctx, int64(mentions), attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

func (m *engineMetrics) recordAssignment(ctx context.Context, created bool) {
	if created {
		if m.created != nil {
			m.created.Add(ctx, 1)
		}
		return
	}
	if m.appended != nil {
		m.appended.Add(ctx, 1)
	}
}

func (m *engineMetrics) recordEvicted(ctx context.Context, n int) {
	if n > 0 && m.evicted != nil {
		m.evicted.Add(ctx, int64(n))
	}
}
