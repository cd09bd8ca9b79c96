package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/otlp"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	slogctx "github.com/veqryn/slog-context"

	"github.com/usagipass/gateway/internal/config"
	"github.com/usagipass/gateway/internal/middleware/responsewriter"
)

type meters struct {
	counter metric.Int64Counter
	hist    metric.Int64Histogram
}

func newMeters(ctx context.Context, cfg *config.Config) (*meters, error) {
	meter := otel.Meter(
		"usagipass/"+cfg.Application.Name,
		metric.WithInstrumentationVersion(otel.Version()),
		metric.WithInstrumentationAttributes(otlp.CreateAttributesFrom(cfg.Application)...),
	)

	counter, err := meter.Int64Counter(
		"http.request_count",
		metric.WithDescription("Incoming request count"),
		metric.WithUnit("request"),
	)
	if err != nil {
		return nil, oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating request_count meter")
	}

	hist, err := meter.Int64Histogram(
		"http.duration",
		metric.WithDescription("Incoming end to end duration"),
		metric.WithUnit("milliseconds"),
	)
	if err != nil {
		return nil, oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating duration meter")
	}

	return &meters{counter: counter, hist: hist}, nil
}

// instrument covers next with a request id, a trace span and the request metrics.
func (m *meters) instrument(cfg *config.Config, listener string, next http.Handler) http.Handler {
	traceAttrs := otlp.CreateAttributesFrom(cfg.Application, attribute.String("listener", listener))
	tracer := otel.Tracer(listener, trace.WithInstrumentationAttributes(traceAttrs...))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Request Id will be propagated through all method calls of this HTTP handler
		ctx := slogctx.With(r.Context(),
			commoncfg.AttrRequestID, uuid.NewString(),
			"listener", listener,
		)

		parentCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))

		ctx, span := tracer.Start(parentCtx, listener+"-span",
			trace.WithAttributes(traceAttrs...),
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		rec := responsewriter.Wrap(w)
		requestStartTime := time.Now()

		defer func() {
			elapsedTime := time.Since(requestStartTime)
			status := rec.Status()
			if status == 0 {
				status = http.StatusOK
			}

			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}

			attrs := metric.WithAttributes(
				otlp.CreateAttributesFrom(cfg.Application,
					attribute.String("listener", listener),
					attribute.String("method", r.Method),
					attribute.Int("status", status),
				)...,
			)

			m.counter.Add(ctx, 1, attrs)
			m.hist.Record(ctx, elapsedTime.Milliseconds(), attrs)
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))
	})
}
