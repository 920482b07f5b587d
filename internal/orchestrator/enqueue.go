package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/aronjanosch/audible-web-downloader/internal/logging"
	"github.com/aronjanosch/audible-web-downloader/internal/queue"
)

const enqueueLookupLimit = 4

// EnqueueBatch inserts jobs for the given ASINs under one batch identifier.
// Catalog titles are resolved up front so the queue reads well; a failed
// lookup falls back to the raw ASIN rather than blocking the batch.
func (o *Orchestrator) EnqueueBatch(ctx context.Context, asins []string) ([]*queue.Job, error) {
	batchID := queue.NewBatchID()
	jobs := make([]*queue.Job, len(asins))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enqueueLookupLimit)
	for i, asin := range asins {
		g.Go(func() error {
			title := asin
			if product, err := o.client.GetProduct(gctx, asin); err == nil && product.Title != "" {
				title = product.Title
			} else if err != nil {
				o.logger.Debug("title lookup failed, using identifier",
					logging.String("asin", asin), logging.Error(err))
			}
			job, err := o.store.Enqueue(gctx, asin, title, o.cfg.Downloads.Quality, batchID)
			if err != nil {
				return err
			}
			jobs[i] = job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return jobs, nil
}
