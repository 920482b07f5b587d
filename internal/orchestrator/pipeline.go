package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/aronjanosch/audible-web-downloader/internal/fileutil"
	"github.com/aronjanosch/audible-web-downloader/internal/library"
	"github.com/aronjanosch/audible-web-downloader/internal/logging"
	"github.com/aronjanosch/audible-web-downloader/internal/media/ffprobe"
	"github.com/aronjanosch/audible-web-downloader/internal/pathbuilder"
	"github.com/aronjanosch/audible-web-downloader/internal/queue"
	"github.com/aronjanosch/audible-web-downloader/internal/services"
	"github.com/aronjanosch/audible-web-downloader/internal/services/audible"
	"github.com/aronjanosch/audible-web-downloader/internal/streamer"
)

const (
	progressFlushInterval = 500 * time.Millisecond
	maxRecordedAttempts   = 10
)

// process drives one job until it reaches a terminal stage, retrying
// retriable failures with backoff. MaxRetries counts total attempts, so an
// item is tried at most that many times. Retries restart from license
// acquisition because decryption material is never persisted.
func (o *Orchestrator) process(ctx context.Context, job *queue.Job) {
	ctx = services.WithItem(ctx, job.ASIN)
	ctx = services.WithBatch(ctx, job.BatchID)
	logger := logging.WithContext(ctx, o.logger)

	for {
		err := o.runPipeline(ctx, job, logger)
		if err == nil {
			return
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			o.interrupt(job, logger)
			return
		}

		o.recordAttempt(job, err)
		if !services.Retriable(err) || job.RetryCount >= o.cfg.Downloads.MaxRetries-1 {
			o.markFailed(ctx, job, err, logger)
			return
		}

		job.RetryCount++
		delay := o.backoff(job.RetryCount, services.SlowRetry(err))
		logger.Warn("attempt failed, retrying",
			logging.String("kind", services.Kind(err)),
			logging.Int("retry", job.RetryCount),
			logging.Duration("delay", delay),
			logging.Error(err))

		select {
		case <-ctx.Done():
			o.interrupt(job, logger)
			return
		case <-time.After(delay):
		}
	}
}

func (o *Orchestrator) runPipeline(ctx context.Context, job *queue.Job, logger *slog.Logger) error {
	if done, err := o.suppressDuplicate(ctx, job, logger); done || err != nil {
		return err
	}

	job.Account = o.cfg.Account.Name
	workDir := o.paths.WorkDir(o.cfg.Paths.DownloadsDir, workBase(job))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return services.Wrap(services.ErrTransient, string(job.Stage), "workdir", workDir, err)
	}
	job.WorkDir = workDir

	license, encrypted, err := o.acquireAndDownload(ctx, job, workDir)
	if err != nil {
		return err
	}

	converted, err := o.decryptAndConvert(ctx, job, license.EncryptedVoucher, encrypted, workDir)
	if err != nil {
		return err
	}

	tagged, product, err := o.enrich(ctx, job, converted, workDir, logger)
	if err != nil {
		return err
	}

	if err := o.place(ctx, job, tagged, product); err != nil {
		return err
	}

	if o.cfg.Conversion.CleanupWorkDir {
		o.removeWorkDir(job, logger)
	}

	now := time.Now().UTC()
	job.Stage = queue.StageComplete
	job.StageStartedAt = now
	job.CompletedAt = &now
	job.ErrorKind = ""
	job.ErrorMessage = ""
	if err := o.store.Update(ctx, job); err != nil {
		return err
	}
	logger.Info("download complete",
		logging.String("final_file", job.FinalFile),
		logging.Bool("enrichment_degraded", job.EnrichmentDegraded))
	return nil
}

// suppressDuplicate short-circuits items the library already holds: the job
// completes immediately without touching the network.
func (o *Orchestrator) suppressDuplicate(ctx context.Context, job *queue.Job, logger *slog.Logger) (bool, error) {
	entry, err := o.library.Get(ctx, job.ASIN)
	if errors.Is(err, library.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, services.Wrap(services.ErrTransient, "queued", "library", job.ASIN, err)
	}
	now := time.Now().UTC()
	job.Stage = queue.StageComplete
	job.StageStartedAt = now
	job.CompletedAt = &now
	job.FinalFile = entry.Path
	if err := o.store.Update(ctx, job); err != nil {
		return false, err
	}
	logger.Info("already in library, skipping", logging.String("path", entry.Path))
	return true, nil
}

// acquireAndDownload holds a download permit across license acquisition and
// the transfer so the provider never sees more than the configured number of
// concurrent acquisitions.
func (o *Orchestrator) acquireAndDownload(ctx context.Context, job *queue.Job, workDir string) (audible.License, string, error) {
	if err := o.acquireSem.Acquire(ctx, 1); err != nil {
		return audible.License{}, "", err
	}
	defer o.acquireSem.Release(1)

	if err := o.transition(ctx, job, queue.StageAcquiringLicense); err != nil {
		return audible.License{}, "", err
	}
	license, err := o.client.RequestLicense(ctx, job.ASIN, job.Quality)
	if err != nil {
		return audible.License{}, "", err
	}
	if license.ContentLength > 0 {
		job.TotalBytes = license.ContentLength
	}

	if err := o.transition(ctx, job, queue.StageDownloading); err != nil {
		return audible.License{}, "", err
	}
	dest := filepath.Join(workDir, workBase(job)+".aaxc")
	lastFlush := time.Now()
	err = o.streamer.Download(ctx, license.URL, dest, license.ContentLength, func(p streamer.Progress) {
		job.DownloadedBytes = p.Downloaded
		if p.Total > 0 {
			job.TotalBytes = p.Total
		}
		job.Speed = p.Speed
		job.ETASeconds = int64(p.ETA.Seconds())
		if time.Since(lastFlush) >= progressFlushInterval {
			lastFlush = time.Now()
			_ = o.store.Update(ctx, job)
		}
	})
	if err != nil {
		return audible.License{}, "", err
	}
	job.Speed = 0
	job.ETASeconds = 0
	return license, dest, nil
}

// decryptAndConvert holds the single decrypt permit across both steps, which
// serializes the CPU-bound section of the pipeline.
func (o *Orchestrator) decryptAndConvert(ctx context.Context, job *queue.Job, encryptedVoucher, src, workDir string) (string, error) {
	if err := o.decryptSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer o.decryptSem.Release(1)

	if err := o.transition(ctx, job, queue.StageDecrypting); err != nil {
		return "", err
	}
	material, err := o.decrypt(encryptedVoucher, o.client.Auth().Identity(), job.ASIN)
	if err != nil {
		return "", err
	}

	if err := o.transition(ctx, job, queue.StageConverting); err != nil {
		return "", err
	}
	dst := filepath.Join(workDir, workBase(job)+".m4b")
	if err := o.converter.Convert(ctx, src, dst, material); err != nil {
		return "", err
	}
	return dst, nil
}

// enrich fetches catalog details and embeds them. Every sub-step degrades
// rather than failing the job; only context cancellation aborts here.
func (o *Orchestrator) enrich(ctx context.Context, job *queue.Job, src, workDir string, logger *slog.Logger) (string, audible.Product, error) {
	if err := o.transition(ctx, job, queue.StageEnriching); err != nil {
		return "", audible.Product{}, err
	}

	product, err := o.client.GetProduct(ctx, job.ASIN)
	if err != nil {
		if ctx.Err() != nil {
			return "", audible.Product{}, ctx.Err()
		}
		logger.Warn("catalog lookup failed, placing with minimal metadata", logging.Error(err))
		product = audible.Product{ASIN: job.ASIN, Title: job.Title}
		job.EnrichmentDegraded = true
	}
	if product.Title == "" {
		product.Title = job.Title
	}

	dst := filepath.Join(workDir, workBase(job)+".tagged.m4b")
	degraded, err := o.enricher.Enrich(ctx, src, dst, workDir, product)
	if err != nil {
		return "", audible.Product{}, err
	}
	job.EnrichmentDegraded = job.EnrichmentDegraded || degraded
	return dst, product, nil
}

// place moves the finished file to its library destination and records it.
func (o *Orchestrator) place(ctx context.Context, job *queue.Job, src string, product audible.Product) error {
	if err := o.transition(ctx, job, queue.StagePlacing); err != nil {
		return err
	}

	final := o.paths.FinalPath(o.cfg.Paths.LibraryDir, product)
	placed, err := o.checkDestination(ctx, final, job.ASIN)
	if err != nil {
		return err
	}
	if !placed {
		if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
			return services.Wrap(services.ErrTransient, "placing", "mkdir", filepath.Dir(final), err)
		}
		if err := fileutil.MoveFile(src, final); err != nil {
			return services.Wrap(services.ErrTransient, "placing", "move", final, err)
		}
	}

	entry := library.Entry{ASIN: job.ASIN, Title: product.Title, Path: final, Account: o.cfg.Account.Name}
	if err := o.library.Record(ctx, entry); err != nil {
		return services.Wrap(services.ErrTransient, "placing", "record", job.ASIN, err)
	}
	job.FinalFile = final
	return nil
}

// checkDestination rejects a collision with a file belonging to a different
// item. A file already carrying the same embedded identifier is kept as-is
// and placement is skipped.
func (o *Orchestrator) checkDestination(ctx context.Context, final, asin string) (alreadyPlaced bool, err error) {
	if _, err := os.Stat(final); err != nil {
		return false, nil
	}
	result, probeErr := ffprobe.Inspect(ctx, o.cfg.Conversion.FFprobeBinary, final)
	if probeErr == nil && result.ASIN() == asin {
		return true, nil
	}
	return false, services.Wrap(services.ErrDestinationConflict, "placing", "verify",
		fmt.Sprintf("%s already exists and belongs to a different item", final), nil)
}

func (o *Orchestrator) transition(ctx context.Context, job *queue.Job, stage queue.Stage) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	job.Stage = stage
	job.StageStartedAt = time.Now().UTC()
	if err := o.store.Update(ctx, job); err != nil {
		return err
	}
	logging.WithContext(ctx, o.logger).Debug("stage started", logging.String(logging.FieldStage, string(stage)))
	return nil
}

func (o *Orchestrator) recordAttempt(job *queue.Job, err error) {
	job.Attempts = append(job.Attempts, queue.Attempt{
		Stage:        job.Stage,
		ErrorKind:    services.Kind(err),
		ErrorMessage: err.Error(),
		At:           time.Now().UTC(),
	})
	if len(job.Attempts) > maxRecordedAttempts {
		job.Attempts = job.Attempts[len(job.Attempts)-maxRecordedAttempts:]
	}
}

// markFailed leaves the working directory in place so a later re-enqueue can
// resume the partial transfer.
func (o *Orchestrator) markFailed(ctx context.Context, job *queue.Job, cause error, logger *slog.Logger) {
	now := time.Now().UTC()
	job.Stage = queue.StageFailed
	job.StageStartedAt = now
	job.CompletedAt = &now
	job.ErrorKind = services.Kind(cause)
	job.ErrorMessage = cause.Error()
	job.Speed = 0
	job.ETASeconds = 0
	if err := o.store.Update(ctx, job); err != nil {
		logger.Error("could not persist failure", logging.Error(err))
	}
	logger.Error("download failed",
		logging.String("kind", job.ErrorKind),
		logging.Int("retries", job.RetryCount),
		logging.Error(cause))
}

// interrupt resolves a context cancellation seen by a running worker. An
// explicit Cancel makes the job terminal and removes its working directory;
// a process-level shutdown leaves the job in its live stage so the next run
// resumes it.
func (o *Orchestrator) interrupt(job *queue.Job, logger *slog.Logger) {
	if o.cancelRequested(job.ASIN) {
		o.markCancelled(context.Background(), job, logger)
		return
	}
	job.Speed = 0
	job.ETASeconds = 0
	if err := o.store.Update(context.Background(), job); err != nil {
		logger.Error("could not persist interrupted job", logging.Error(err))
	}
	logger.Info("interrupted, leaving job for a later run",
		logging.String(logging.FieldStage, string(job.Stage)))
}

func (o *Orchestrator) markCancelled(ctx context.Context, job *queue.Job, logger *slog.Logger) {
	now := time.Now().UTC()
	job.Stage = queue.StageCancelled
	job.StageStartedAt = now
	job.CompletedAt = &now
	job.Speed = 0
	job.ETASeconds = 0
	o.removeWorkDir(job, logger)
	if err := o.store.Update(ctx, job); err != nil {
		logger.Error("could not persist cancellation", logging.Error(err))
	}
	logger.Info("download cancelled")
}

func (o *Orchestrator) removeWorkDir(job *queue.Job, logger *slog.Logger) {
	if job.WorkDir == "" {
		return
	}
	if err := os.RemoveAll(job.WorkDir); err != nil {
		logger.Warn("could not remove working directory",
			logging.String("work_dir", job.WorkDir), logging.Error(err))
	}
}

// backoff returns the delay before the given retry, doubling per attempt up
// to the configured cap, with jitter. Throttled failures start from a longer
// base because the provider's window does not track ours.
func (o *Orchestrator) backoff(retry int, slow bool) time.Duration {
	base := time.Duration(o.cfg.Downloads.RetryBackoffSeconds) * time.Second
	if slow {
		base *= 5
	}
	ceiling := time.Duration(o.cfg.Downloads.RetryBackoffCapSecs) * time.Second
	delay := base << (retry - 1)
	if delay <= 0 || delay > ceiling {
		delay = ceiling
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func workBase(job *queue.Job) string {
	if base := pathbuilder.Sanitize(job.Title); base != "" {
		return base
	}
	return job.ASIN
}
