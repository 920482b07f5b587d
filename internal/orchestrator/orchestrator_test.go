package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/library"
	"github.com/aronjanosch/audible-web-downloader/internal/logging"
	"github.com/aronjanosch/audible-web-downloader/internal/orchestrator"
	"github.com/aronjanosch/audible-web-downloader/internal/pathbuilder"
	"github.com/aronjanosch/audible-web-downloader/internal/queue"
	"github.com/aronjanosch/audible-web-downloader/internal/services"
	"github.com/aronjanosch/audible-web-downloader/internal/streamer"
	"github.com/aronjanosch/audible-web-downloader/internal/testsupport"
)

type harness struct {
	cfg        *config.Config
	store      *queue.Store
	library    *library.Manager
	client     *fakeClient
	downloader *fakeDownloader
	converter  *fakeConverter
	orch       *orchestrator.Orchestrator
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()

	store := testsupport.MustOpenStore(t, cfg)
	manager, err := library.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("library.Open: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	h := &harness{
		cfg:        cfg,
		store:      store,
		library:    manager,
		client:     &fakeClient{},
		downloader: &fakeDownloader{},
		converter:  &fakeConverter{},
	}
	h.orch, err = orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		Store:     store,
		Library:   manager,
		Client:    h.client,
		Streamer:  h.downloader,
		Converter: h.converter,
		Enricher:  &fakeTagger{},
		Decrypt:   fakeDecrypt,
		Logger:    logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	return h
}

func (h *harness) finalPath(t *testing.T, asin string) string {
	t.Helper()
	product, err := h.client.GetProduct(context.Background(), asin)
	if err != nil {
		t.Fatal(err)
	}
	return pathbuilder.New(h.cfg.Naming).FinalPath(h.cfg.Paths.LibraryDir, product)
}

func TestPipelineCompletesAndPlaces(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	ctx := context.Background()

	jobs, err := h.orch.EnqueueBatch(ctx, []string{"B004G8QZL4"})
	if err != nil {
		t.Fatalf("EnqueueBatch failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Title != "Book B004G8QZL4" {
		t.Fatalf("unexpected batch: %+v", jobs)
	}

	if err := h.orch.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	job, err := h.store.Get(ctx, "B004G8QZL4")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != queue.StageComplete {
		t.Fatalf("expected complete, got %s (%s: %s)", job.Stage, job.ErrorKind, job.ErrorMessage)
	}
	if job.FinalFile != h.finalPath(t, "B004G8QZL4") {
		t.Fatalf("unexpected final file: %q", job.FinalFile)
	}
	if _, err := os.Stat(job.FinalFile); err != nil {
		t.Fatalf("final file missing: %v", err)
	}
	if _, err := os.Stat(job.WorkDir); !os.IsNotExist(err) {
		t.Fatal("expected working directory to be cleaned up")
	}
	has, err := h.library.Has(ctx, "B004G8QZL4")
	if err != nil || !has {
		t.Fatalf("expected library record, has=%v err=%v", has, err)
	}
}

func TestDuplicateSuppressionSkipsPipeline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	ctx := context.Background()

	existing := library.Entry{ASIN: "B0DUP", Title: "Already Here", Path: "/library/existing.m4b"}
	if err := h.library.Record(ctx, existing); err != nil {
		t.Fatal(err)
	}

	if _, err := h.orch.EnqueueBatch(ctx, []string{"B0DUP"}); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Run(ctx); err != nil {
		t.Fatal(err)
	}

	job, err := h.store.Get(ctx, "B0DUP")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != queue.StageComplete {
		t.Fatalf("expected complete, got %s", job.Stage)
	}
	if job.FinalFile != "/library/existing.m4b" {
		t.Fatalf("expected existing path, got %q", job.FinalFile)
	}
	if h.downloader.calls.Load() != 0 || h.converter.calls.Load() != 0 {
		t.Fatal("duplicate must not reach streamer or converter")
	}
}

func TestStageSequenceFollowsCanonicalOrder(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	ctx := context.Background()

	updates, cancel := h.orch.Subscribe(128)
	defer cancel()

	if _, err := h.orch.EnqueueBatch(ctx, []string{"B0SEQ"}); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Run(ctx); err != nil {
		t.Fatal(err)
	}

	var seen []queue.Stage
	for {
		select {
		case job := <-updates:
			if len(seen) == 0 || seen[len(seen)-1] != job.Stage {
				seen = append(seen, job.Stage)
			}
			if job.Stage == queue.StageComplete {
				assertSubsequence(t, seen, queue.StageOrder)
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("never saw completion; stages so far: %v", seen)
		}
	}
}

func assertSubsequence(t *testing.T, seen, canonical []queue.Stage) {
	t.Helper()
	i := 0
	for _, stage := range seen {
		for i < len(canonical) && canonical[i] != stage {
			i++
		}
		if i == len(canonical) {
			t.Fatalf("stage %s out of canonical order: %v", stage, seen)
		}
		i++
	}
}

func TestDecryptPermitSerializesConversion(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	h.converter.onceBefore = func() { time.Sleep(50 * time.Millisecond) }
	ctx := context.Background()

	if _, err := h.orch.EnqueueBatch(ctx, []string{"B0ONE", "B0TWO", "B0SIX"}); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if got := h.converter.maxInUse.Load(); got != 1 {
		t.Fatalf("expected at most one concurrent conversion, saw %d", got)
	}
	if got := h.converter.calls.Load(); got != 3 {
		t.Fatalf("expected 3 conversions, got %d", got)
	}
}

func TestConversionFailureRetriesToCeiling(t *testing.T) {
	// Default max_retries is 3, meaning three total attempts.
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	h.converter.err = services.Wrap(services.ErrConversion, "converting", "run", "bad stream", nil)
	ctx := context.Background()

	if _, err := h.orch.EnqueueBatch(ctx, []string{"B0FAIL"}); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Run(ctx); err != nil {
		t.Fatal(err)
	}

	job, err := h.store.Get(ctx, "B0FAIL")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != queue.StageFailed {
		t.Fatalf("expected failed, got %s", job.Stage)
	}
	if job.ErrorKind != "conversion_failed" {
		t.Fatalf("unexpected error kind %q", job.ErrorKind)
	}
	if got, want := h.converter.calls.Load(), int64(cfg.Downloads.MaxRetries); got != want {
		t.Fatalf("expected %d total attempts, got %d conversions", want, got)
	}
	if job.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", job.RetryCount)
	}
	if len(job.Attempts) != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", len(job.Attempts))
	}
}

func TestNonRetriableFailureStopsImmediately(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	h.client.licenseErr = services.Wrap(services.ErrLicenseDenied, "acquiring_license", "request", "revoked", nil)
	ctx := context.Background()

	if _, err := h.orch.EnqueueBatch(ctx, []string{"B0DENIED"}); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Run(ctx); err != nil {
		t.Fatal(err)
	}

	job, err := h.store.Get(ctx, "B0DENIED")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != queue.StageFailed || job.ErrorKind != "license_denied" {
		t.Fatalf("expected license_denied failure, got %s/%s", job.Stage, job.ErrorKind)
	}
	if h.client.calls() != 1 {
		t.Fatalf("denial must not be retried, saw %d license calls", h.client.calls())
	}
}

func TestCancelMidDownloadLeavesNoResidue(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	h.downloader.download = func(ctx context.Context, url, dest string, expected int64, onProgress func(streamer.Progress)) error {
		if err := os.WriteFile(dest, []byte("partial"), 0o644); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}
	ctx := context.Background()

	if _, err := h.orch.EnqueueBatch(ctx, []string{"B0CANCEL"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	waitForStage(t, h.store, "B0CANCEL", queue.StageDownloading)
	if err := h.orch.Cancel(ctx, "B0CANCEL"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish after cancel")
	}

	job, err := h.store.Get(ctx, "B0CANCEL")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != queue.StageCancelled {
		t.Fatalf("expected cancelled, got %s", job.Stage)
	}
	if _, err := os.Stat(job.WorkDir); !os.IsNotExist(err) {
		t.Fatal("expected working directory removed on cancel")
	}
	has, err := h.library.Has(ctx, "B0CANCEL")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("cancelled job must not reach the library")
	}
}

func TestShutdownLeavesJobResumable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	h.downloader.download = func(ctx context.Context, url, dest string, expected int64, onProgress func(streamer.Progress)) error {
		if err := os.WriteFile(dest, []byte("partial"), 0o644); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}
	ctx := context.Background()

	if _, err := h.orch.EnqueueBatch(ctx, []string{"B0RESUME"}); err != nil {
		t.Fatal(err)
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(runCtx) }()

	waitForStage(t, h.store, "B0RESUME", queue.StageDownloading)
	stop()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation from Run, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}

	job, err := h.store.Get(ctx, "B0RESUME")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != queue.StageDownloading {
		t.Fatalf("shutdown must leave the job in its live stage, got %s", job.Stage)
	}
	if _, err := os.Stat(job.WorkDir); err != nil {
		t.Fatalf("working directory must survive shutdown: %v", err)
	}
}

func TestDestinationConflictFails(t *testing.T) {
	// The squatting file reports a different embedded identifier.
	const probeScript = `#!/bin/sh
printf '{"format":{"tags":{"comment":"ASIN: B0OTHER"}}}\n'
`
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinary("ffprobe", probeScript))
	h := newHarness(t, cfg)
	ctx := context.Background()

	final := h.finalPath(t, "B0CLASH")
	testsupport.WriteFile(t, final, 32)

	if _, err := h.orch.EnqueueBatch(ctx, []string{"B0CLASH"}); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Run(ctx); err != nil {
		t.Fatal(err)
	}

	job, err := h.store.Get(ctx, "B0CLASH")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != queue.StageFailed || job.ErrorKind != "destination_conflict" {
		t.Fatalf("expected destination_conflict failure, got %s/%s", job.Stage, job.ErrorKind)
	}
	has, err := h.library.Has(ctx, "B0CLASH")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("conflicting job must not be recorded")
	}
}

func TestSameItemAtDestinationSkipsReplacement(t *testing.T) {
	// The existing file reports the job's own identifier, so the pipeline
	// keeps it instead of moving the fresh copy over it.
	const probeScript = `#!/bin/sh
printf '{"format":{"tags":{"comment":"ASIN: B0SAME"}}}\n'
`
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinary("ffprobe", probeScript))
	h := newHarness(t, cfg)
	ctx := context.Background()

	final := h.finalPath(t, "B0SAME")
	testsupport.WriteFile(t, final, 64)

	if _, err := h.orch.EnqueueBatch(ctx, []string{"B0SAME"}); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Run(ctx); err != nil {
		t.Fatal(err)
	}

	job, err := h.store.Get(ctx, "B0SAME")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != queue.StageComplete {
		t.Fatalf("expected complete, got %s (%s)", job.Stage, job.ErrorMessage)
	}
	if job.FinalFile != final {
		t.Fatalf("unexpected final file %q", job.FinalFile)
	}
	info, err := os.Stat(final)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 64 {
		t.Fatalf("existing file must be kept untouched, size now %d", info.Size())
	}
	has, err := h.library.Has(ctx, "B0SAME")
	if err != nil || !has {
		t.Fatalf("expected library record, has=%v err=%v", has, err)
	}
}

func TestEnrichmentDegradationStillCompletes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	ctx := context.Background()

	if _, err := h.orch.EnqueueBatch(ctx, []string{"B0TAGS"}); err != nil {
		t.Fatal(err)
	}
	// Catalog becomes unreachable between enqueue and enrichment.
	h.client.mu.Lock()
	h.client.productErr = services.Wrap(services.ErrNetwork, "enriching", "catalog", "unreachable", nil)
	h.client.mu.Unlock()

	if err := h.orch.Run(ctx); err != nil {
		t.Fatal(err)
	}

	job, err := h.store.Get(ctx, "B0TAGS")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != queue.StageComplete {
		t.Fatalf("expected complete, got %s (%s)", job.Stage, job.ErrorMessage)
	}
	if !job.EnrichmentDegraded {
		t.Fatal("expected enrichment degradation to be flagged")
	}
	if _, err := os.Stat(job.FinalFile); err != nil {
		t.Fatalf("degraded item must still be placed: %v", err)
	}
}

func waitForStage(t *testing.T, store *queue.Store, asin string, stage queue.Stage) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(context.Background(), asin)
		if err == nil && job.Stage == stage {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached stage %s", asin, stage)
}
