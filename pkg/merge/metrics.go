package merge

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("stratadb.merge")

var (
	// queryDuration measures merged reads.
	// Labels: op (attribute, attributes, ci, cis, relation, relations),
	// threshold (latest, historical)
	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stratadb",
		Subsystem: "merge",
		Name:      "query_duration_seconds",
		Help:      "Merged view computation latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"op", "threshold"})

	// malformedKeys counts keys whose winning version failed to decode.
	malformedKeys = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratadb",
		Subsystem: "merge",
		Name:      "malformed_keys_total",
		Help:      "Merged keys skipped because the stored value was malformed",
	})
)

func thresholdLabel(q Query) string {
	if q.At.IsLatest() {
		return "latest"
	}
	return "historical"
}

// startSpan opens a span for a merged read and returns a finish function
// that records latency and the outcome.
func startSpan(ctx context.Context, op string, q Query) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "merge."+op,
		trace.WithAttributes(
			attribute.String("layers", q.Layers.Key()),
			attribute.String("threshold", q.At.String()),
			attribute.Bool("include_removed", q.IncludeRemoved),
		),
	)
	start := time.Now()
	return ctx, func(err error) {
		queryDuration.WithLabelValues(op, thresholdLabel(q)).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
