package tracing

import (
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Sampler names accepted in telemetry.tracing.sampler.
const (
	SamplerAlways = "always"
	SamplerNever  = "never"
	SamplerRatio  = "ratio"
	SamplerParent = "parent"
)

// createSampler builds the sampler for a session span. Except for "never",
// a client that sent a traceparent header decides for its own trace; the
// strategy only applies to sessions without one. "parent" therefore samples
// exactly the sessions the caller sampled.
func createSampler(strategy string, ratio float64) (sdktrace.Sampler, error) {
	var root sdktrace.Sampler
	switch strategy {
	case SamplerNever:
		return sdktrace.NeverSample(), nil
	case SamplerAlways:
		root = sdktrace.AlwaysSample()
	case SamplerParent:
		root = sdktrace.NeverSample()
	case SamplerRatio:
		if ratio < 0 || ratio > 1 {
			return nil, fmt.Errorf("sample ratio must be between 0.0 and 1.0, got %g", ratio)
		}
		root = sdktrace.TraceIDRatioBased(ratio)
	default:
		return nil, fmt.Errorf("unknown sampler %q (valid: always, never, ratio, parent)", strategy)
	}
	return sdktrace.ParentBased(root), nil
}
