package observability

import (
	"context"
	"testing"
	"time"
)

func TestInitTracer_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "memtracker", "")
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function to be non-nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned %v", err)
	}
}

func TestInitTracer_InvalidEndpoint(t *testing.T) {
	// gRPC connects lazily, so an unreachable endpoint still initializes.
	shutdown, err := InitTracer(context.Background(), "test-service", "invalid-endpoint:9999")
	if err != nil {
		t.Logf("InitTracer failed as expected in this environment: %v", err)
		return
	}
	if shutdown == nil {
		t.Error("expected shutdown function to be non-nil")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_ = shutdown(shutdownCtx)
}
