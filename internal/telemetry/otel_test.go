package telemetry

import (
	"bytes"
	"context"
	"testing"
)

func TestInit_ShutdownRoundTrip(t *testing.T) {
	ctx := context.Background()
	var traces bytes.Buffer

	providers, err := Init(ctx, &traces)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if providers == nil {
		t.Fatal("Init() returned nil Providers")
	}

	if err := providers.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestProviders_ShutdownNilReceiver(t *testing.T) {
	var providers *Providers
	if err := providers.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() on nil receiver error = %v, want nil", err)
	}
}
