package logging

import (
	"context"
	"log/slog"

	"github.com/aronjanosch/audible-web-downloader/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldASIN is the standardized structured logging key for catalog item identifiers.
	FieldASIN = "asin"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldBatchID is the standardized structured logging key for enqueue batch identifiers.
	FieldBatchID = "batch_id"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 3)
	if asin, ok := services.ItemFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldASIN, asin))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if batch, ok := services.BatchFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldBatchID, batch))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
