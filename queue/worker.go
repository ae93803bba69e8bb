package queue

import (
	"context"
	"encoding/json"

	"chatrelay/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/ratelimit"

	jww "github.com/spf13/jwalterweatherman"
)

// Worker adapts a chat event handler to a queue Handler. Records that can
// never succeed (undecodable payloads, missing or invalid messages) are
// logged and acknowledged so they do not block their partition; every other
// error goes back to the queue for redelivery.
type Worker struct {
	name    string
	limiter ratelimit.Limiter

	processed metric.Int64Counter
	skipped   metric.Int64Counter
	failed    metric.Int64Counter
}

// NewWorker creates a worker paced at rate records per second; rate <= 0
// means unlimited.
func NewWorker(name string, rate int) *Worker {
	limiter := ratelimit.NewUnlimited()
	if rate > 0 {
		limiter = ratelimit.New(rate, ratelimit.WithoutSlack)
	}

	meter := otel.Meter("chatrelay/queue")
	processed, _ := meter.Int64Counter("queue_records_processed_total",
		metric.WithDescription("Records handled successfully"))
	skipped, _ := meter.Int64Counter("queue_records_skipped_total",
		metric.WithDescription("Records acknowledged without processing"))
	failed, _ := meter.Int64Counter("queue_records_failed_total",
		metric.WithDescription("Handler failures sent back for redelivery"))

	return &Worker{
		name:      name,
		limiter:   limiter,
		processed: processed,
		skipped:   skipped,
		failed:    failed,
	}
}

func (w *Worker) Wrap(handle func(ctx context.Context, ev models.ChatEvent) error) Handler {
	return func(ctx context.Context, rec Record) error {
		w.limiter.Take()
		attrs := metric.WithAttributes(attribute.String("worker", w.name), attribute.String("topic", rec.Topic))

		var ev models.ChatEvent
		if err := json.Unmarshal(rec.Value, &ev); err != nil {
			jww.WARN.Printf("[%s] undecodable record %s@%d: %v", w.name, rec.Topic, rec.Offset, err)
			w.skipped.Add(ctx, 1, attrs)
			return nil
		}

		err := handle(ctx, ev)
		switch {
		case err == nil:
			w.processed.Add(ctx, 1, attrs)
			return nil
		case models.Permanent(err):
			jww.WARN.Printf("[%s] skipping message %d: %v", w.name, ev.MessageID, err)
			w.skipped.Add(ctx, 1, attrs)
			return nil
		default:
			w.failed.Add(ctx, 1, attrs)
			return err
		}
	}
}
