package otel

import (
	"context"
	"strings"
	"testing"
)

func TestSetupWithConfigInactive(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no endpoint", cfg: Config{}},
		{name: "disabled", cfg: Config{Endpoint: "http://localhost:4318", Enabled: "FALSE"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := SetupWithConfig(context.Background(), "relay", tt.cfg)
			if err != nil {
				t.Fatalf("setup: %v", err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if err := shutdown(ctx); err != nil {
				t.Fatalf("noop shutdown: %v", err)
			}
		})
	}
}

func TestSetupReadsEnvironment(t *testing.T) {
	// Non-routable address; nothing is exported before shutdown.
	t.Setenv("CHATRELAY_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("CHATRELAY_OTEL_ENABLED", "true")
	t.Setenv("CHATRELAY_OTEL_SAMPLE_RATIO", "0.25")

	shutdown, err := Setup(context.Background(), "sessions")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupRejectsBadSampleRatio(t *testing.T) {
	t.Setenv("CHATRELAY_OTEL_SAMPLE_RATIO", "half")

	if _, err := Setup(context.Background(), "relay"); err == nil {
		t.Fatal("expected env parse error")
	}
}

func TestServiceName(t *testing.T) {
	if got := ServiceName(" relay "); got != "chatrelay-relay" {
		t.Fatalf("service name = %q", got)
	}
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{ratio: 1, want: "AlwaysOnSampler"},
		{ratio: 0, want: "AlwaysOffSampler"},
		{ratio: 0.5, want: "ParentBased"},
	}
	for _, tt := range tests {
		if got := samplerFor(tt.ratio).Description(); !strings.HasPrefix(got, tt.want) {
			t.Fatalf("sampler(%v) = %q, want prefix %q", tt.ratio, got, tt.want)
		}
	}
}
