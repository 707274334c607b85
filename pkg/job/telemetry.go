package job

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const tracerName = "computecannon/job"

// Instruments are resolved on every call so that a meter provider
// installed after package init is picked up.
func recordSubmitted(ctx context.Context, j *Job) {
	counter, err := otel.Meter(tracerName).Int64Counter("ccc_jobs_submitted_total",
		metric.WithDescription("Jobs handed to an engine"))
	if err != nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", j.engine.Hostname())))
}

func recordFinished(ctx context.Context, j *Job, s Status) {
	counter, err := otel.Meter(tracerName).Int64Counter("ccc_jobs_finished_total",
		metric.WithDescription("Jobs whose outputs were collected"))
	if err != nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", j.engine.Hostname()),
		attribute.String("status", string(s)),
	))
}
