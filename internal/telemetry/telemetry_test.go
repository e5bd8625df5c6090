package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func restoreGlobalProvider(test *testing.T) {
	test.Helper()
	previous := otel.GetTracerProvider()
	test.Cleanup(func() { otel.SetTracerProvider(previous) })
}

func TestSetupWithoutEndpointRecordsSpans(test *testing.T) {
	restoreGlobalProvider(test)

	provider, err := Setup(context.Background(), Config{})
	if err != nil {
		test.Fatalf("setup: %v", err)
	}
	defer func() {
		if err := Shutdown(provider); err != nil {
			test.Fatalf("shutdown: %v", err)
		}
	}()

	if otel.GetTracerProvider() != provider {
		test.Fatalf("expected the provider to be registered globally")
	}
	_, span := provider.Tracer("coursebilling/test").Start(context.Background(), "billing.deposit")
	defer span.End()
	if !span.IsRecording() || !span.SpanContext().IsSampled() {
		test.Fatalf("expected a recording, sampled span")
	}
}

func TestSetupWithEndpointBuildsExporter(test *testing.T) {
	restoreGlobalProvider(test)

	// The exporter connects lazily, so nothing is listening on this address.
	provider, err := Setup(context.Background(), Config{Endpoint: "http://127.0.0.1:4318/v1/traces", ServiceName: "billing-test"})
	if err != nil {
		test.Fatalf("setup: %v", err)
	}
	if err := Shutdown(provider); err != nil {
		test.Fatalf("shutdown with no spans: %v", err)
	}
}
