package mutation

import (
	"context"

	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("stratadb.mutation")

var (
	// appendsTotal counts appended versions.
	// Labels: kind (attribute, relation), state (new, changed, removed, renewed)
	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stratadb",
		Subsystem: "mutation",
		Name:      "appends_total",
		Help:      "Fact versions appended by state",
	}, []string{"kind", "state"})

	// noopsTotal counts writes that matched the current version.
	noopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stratadb",
		Subsystem: "mutation",
		Name:      "noops_total",
		Help:      "Writes skipped because the layer already held the requested fact",
	}, []string{"kind"})
)

func recordAppend(kind string, state storage.State) {
	appendsTotal.WithLabelValues(kind, state.String()).Inc()
}

func startSpan(ctx context.Context, op string, l storage.LayerID) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "mutation."+op,
		trace.WithAttributes(attribute.Int64("layer", int64(l))))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
