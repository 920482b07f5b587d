// Package queue persists download jobs and their lifecycle stages.
//
// The queue lives in a single JSON file keyed by ASIN so external tools can
// inspect it directly. Every write replaces the file atomically; an
// in-process mutex plus an advisory file lock keep concurrent writers from
// interleaving read-modify-write cycles. Watchers receive job updates on
// buffered channels where the latest update wins, so a slow consumer can
// never stall the pipeline.
package queue
