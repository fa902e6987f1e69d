package mqx

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestConsumeSpanContinuesProducerTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	msg := kafka.Message{
		Topic: "dispatch.case.submitted",
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("case_submitted")},
			{Key: "traceparent", Value: []byte("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")},
		},
	}
	ctx, span := StartConsumeSpan(context.Background(), msg)
	defer span.End()

	got := trace.SpanContextFromContext(ctx).TraceID().String()
	if got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("expected producer trace id, got %s", got)
	}
}

func TestPublishWithoutWriterFails(t *testing.T) {
	var p *Producer
	if err := p.Publish(context.Background(), "t", nil, nil, nil); err == nil {
		t.Fatalf("expected error from nil producer")
	}
}
