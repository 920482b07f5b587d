// Package services defines shared utilities consumed by the pipeline stages
// and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp item ASINs, stage names, and batch
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that translate failures
//     into a stable classification (retriable vs terminal, fast vs slow
//     backoff).
//
// Use these helpers when wiring new stage logic so operational behaviour
// (error handling, observability, retries) stays uniform across the pipeline.
package services
