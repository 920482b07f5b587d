// Package orchestrator drives queued downloads through the pipeline:
// license acquisition, streaming, decryption, conversion, enrichment, and
// placement. Concurrency is bounded by two gates: a download gate spanning
// license plus transfer, and a single permit covering the CPU-bound decrypt
// and convert section.
package orchestrator
