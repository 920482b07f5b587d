package testsupport

import (
	"context"
	"testing"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/logging"
	"github.com/aronjanosch/audible-web-downloader/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob enqueues a job for tests using the provided store.
func NewJob(t testing.TB, store *queue.Store, asin, title string) *queue.Job {
	t.Helper()

	job, err := store.Enqueue(context.Background(), asin, title, "High", queue.NewBatchID())
	if err != nil {
		t.Fatalf("store.Enqueue: %v", err)
	}
	return job
}
