// Package tracing provides OpenTelemetry distributed tracing for the proxy.
//
// # Overview
//
// Every proxy session runs inside one client span named "proxy.session".
// The span records the request, the backend and address the session was
// assigned (updated on every restart), restart and redirect events, and
// the final status. Spans are exported to an OTLP collector over gRPC.
//
// # Trace Context Propagation
//
// The front end extracts W3C Trace Context from the client request with
// HTTPMiddleware. The session injects its own span into the request header
// it forwards, so the backend joins the same trace:
//
//	traceparent: 00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01
//
// # Sampling Strategies
//
//   - always: sample all traces
//   - never: sample nothing, even when the client sampled
//   - ratio: sample a share of root traces
//   - parent: sample only when the client sent a sampled traceparent
//
// # Usage
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing)
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracer.Start(ctx, "proxy.session")
//	defer span.End()
//	tracing.SetBackendAttributes(span, "app", "127.0.0.1:9000")
//
// A nil *Tracer is valid: Start returns the span already in the context,
// which is a non-recording span when there is none.
package tracing
