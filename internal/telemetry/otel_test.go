package telemetry_test

import (
	"context"
	"testing"

	"github.com/raysh454/scoop/internal/telemetry"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	t.Parallel()
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
