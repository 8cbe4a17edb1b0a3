// Package spanz is a tracing core for asynchronous programs: it follows
// logical operations across callbacks, records them as spans and ships the
// finished spans to a collector in batches.
//
// Core Components:
//   - Tracker: metadata for every pending asynchronous unit, copied from the
//     unit that scheduled it.
//   - Namespace: keyed values that follow the logical flow of execution.
//   - Tracer: starts spans and tracks the current span of each context.
//   - ActiveSpan: an in-flight span, finalized once by Transmit or Cancel.
//   - Buffer: bounded batching of finished spans towards a Sink.
//
// Basic Usage:
//
//	tracer := spanz.NewTracer(*spanz.DefaultConfig(), spanz.WithSink(sink))
//	defer tracer.Shutdown(ctx)
//	_ = tracer.Activate()
//
//	// The host scheduler drives tracer.Hooks().
//	tracer.RunIsolated(func() {
//		entry := tracer.StartSpan("GET /users", spanz.KindEntry)
//		defer entry.Transmit()
//
//		if !tracer.SkipExitTracing() {
//			exit := tracer.StartSpan("postgres", spanz.KindExit)
//			exit.SetPayload("query", query)
//			exit.Transmit()
//		}
//	})
//
// Thread Safety:
//
// Hooks are expected from one cooperative scheduler at a time; "current"
// always refers to the unit that scheduler is executing. Everything else,
// including ActiveSpan and Buffer, is safe for concurrent use.
//
// Failure Semantics:
//
// No entry point panics into host code. Invalid input degrades instead, e.g.
// an invalid kind becomes KindExit. Sink failures are retried on the next flush.
package spanz
