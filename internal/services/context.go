package services

import "context"

type contextKey string

const (
	itemKey  contextKey = "asin"
	stageKey contextKey = "stage"
	batchKey contextKey = "batch_id"
)

// WithItem annotates context with the catalog identifier of the item being
// processed.
func WithItem(ctx context.Context, asin string) context.Context {
	if asin == "" {
		return ctx
	}
	return context.WithValue(ctx, itemKey, asin)
}

// ItemFromContext extracts the catalog identifier if present.
func ItemFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(itemKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(stageKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithBatch annotates context with the enqueue batch identifier.
func WithBatch(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, batchKey, id)
}

// BatchFromContext extracts the batch identifier if present.
func BatchFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(batchKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
