package redpanda

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectTraceHeaders(t *testing.T) {
	rec := &kgo.Record{Topic: "hms.audit"}
	injectTraceHeaders(context.Background(), rec)
	if len(rec.Headers) != 0 {
		t.Fatalf("no span, no headers; got %v", rec.Headers)
	}

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	injectTraceHeaders(ctx, rec)
	got := headerCarrier{record: rec}.Get("traceparent")
	if !strings.HasPrefix(got, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-") {
		t.Errorf("unexpected traceparent %q", got)
	}

	injectTraceHeaders(ctx, rec)
	if n := len(headerCarrier{record: rec}.Keys()); n != 1 {
		t.Errorf("headers must be replaced, not duplicated; got %d", n)
	}
}

func TestAuditTopicConfigs(t *testing.T) {
	cfgs := AuditTopicConfigs(DefaultAuditTopic, 0)
	if len(cfgs) != 2 {
		t.Fatalf("expected audit and dead letter topics, got %d", len(cfgs))
	}
	if cfgs[0].Name != "hms.audit" || cfgs[1].Name != "hms.audit.dlq" {
		t.Errorf("unexpected topics %s %s", cfgs[0].Name, cfgs[1].Name)
	}
	for _, c := range cfgs {
		if c.ReplicationFactor != 1 {
			t.Errorf("%s: replication must default to 1, got %d", c.Name, c.ReplicationFactor)
		}
	}
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	if _, err := NewProducer(DefaultProducerConfig(nil), nil); err == nil {
		t.Error("expected error without brokers")
	}
}

func TestHealthCheckUnreachableBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := HealthCheck(ctx, []string{"127.0.0.1:1"}); err == nil {
		t.Error("expected ping failure against a closed port")
	}
}
