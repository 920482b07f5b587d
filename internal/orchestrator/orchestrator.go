package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/converter"
	"github.com/aronjanosch/audible-web-downloader/internal/enricher"
	"github.com/aronjanosch/audible-web-downloader/internal/library"
	"github.com/aronjanosch/audible-web-downloader/internal/logging"
	"github.com/aronjanosch/audible-web-downloader/internal/pathbuilder"
	"github.com/aronjanosch/audible-web-downloader/internal/queue"
	"github.com/aronjanosch/audible-web-downloader/internal/services/audible"
	"github.com/aronjanosch/audible-web-downloader/internal/streamer"
	"github.com/aronjanosch/audible-web-downloader/internal/voucher"
)

const pollInterval = 200 * time.Millisecond

// LicenseClient is the provider surface the pipeline needs.
type LicenseClient interface {
	RequestLicense(ctx context.Context, asin, quality string) (audible.License, error)
	GetProduct(ctx context.Context, asin string) (audible.Product, error)
	Auth() *audible.Auth
}

// Downloader streams licensed content to a local file.
type Downloader interface {
	Download(ctx context.Context, url, dest string, expected int64, onProgress func(streamer.Progress)) error
}

// AudioConverter decrypts downloaded audio into a playable file.
type AudioConverter interface {
	Convert(ctx context.Context, src, dst string, material voucher.Material) error
}

// Tagger embeds catalog metadata into converted audio.
type Tagger interface {
	Enrich(ctx context.Context, src, dst, workDir string, product audible.Product) (bool, error)
}

// Decryptor recovers decryption material from an encrypted voucher.
type Decryptor func(encrypted string, id voucher.Identity, asin string) (voucher.Material, error)

// Deps bundles the orchestrator's collaborators. Config, Store, Library, and
// Client are required; the rest default to the production implementations.
type Deps struct {
	Config    *config.Config
	Store     *queue.Store
	Library   *library.Manager
	Client    LicenseClient
	Streamer  Downloader
	Converter AudioConverter
	Enricher  Tagger
	Decrypt   Decryptor
	Logger    *slog.Logger
}

// Orchestrator owns the per-job state machines and the concurrency gates.
type Orchestrator struct {
	cfg       *config.Config
	store     *queue.Store
	library   *library.Manager
	client    LicenseClient
	streamer  Downloader
	converter AudioConverter
	enricher  Tagger
	decrypt   Decryptor
	paths     *pathbuilder.Builder
	logger    *slog.Logger

	// acquireSem spans license acquisition plus download; decryptSem holds a
	// single permit across the decrypt and convert section.
	acquireSem *semaphore.Weighted
	decryptSem *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	// requested marks jobs whose running worker was interrupted by an
	// explicit Cancel rather than a process-level shutdown.
	requested map[string]bool
}

// New wires an Orchestrator from its dependencies.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Config == nil || deps.Store == nil || deps.Library == nil || deps.Client == nil {
		return nil, fmt.Errorf("orchestrator requires config, store, library, and client")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Streamer == nil {
		deps.Streamer = streamer.New(deps.Config, deps.Logger)
	}
	if deps.Converter == nil {
		deps.Converter = converter.New(deps.Config, deps.Logger)
	}
	if deps.Enricher == nil {
		deps.Enricher = enricher.New(deps.Config, deps.Logger)
	}
	if deps.Decrypt == nil {
		deps.Decrypt = voucher.Decrypt
	}
	return &Orchestrator{
		cfg:        deps.Config,
		store:      deps.Store,
		library:    deps.Library,
		client:     deps.Client,
		streamer:   deps.Streamer,
		converter:  deps.Converter,
		enricher:   deps.Enricher,
		decrypt:    deps.Decrypt,
		paths:      pathbuilder.New(deps.Config.Naming),
		logger:     logging.NewComponentLogger(deps.Logger, "orchestrator"),
		acquireSem: semaphore.NewWeighted(int64(deps.Config.Downloads.MaxConcurrent)),
		decryptSem: semaphore.NewWeighted(1),
		cancels:    make(map[string]context.CancelFunc),
		requested:  make(map[string]bool),
	}, nil
}

// Run processes live queue entries until every job reaches a terminal stage,
// then returns nil. Cancelling ctx interrupts in-flight jobs; they stay in
// their live stage with working directories intact so a later run resumes
// them. Only Cancel marks a job cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		jobs, err := o.store.List(ctx)
		if err != nil {
			return err
		}

		live := 0
		for _, job := range jobs {
			if !job.Stage.Live() {
				continue
			}
			live++
			jobCtx, claimed := o.claim(ctx, job.ASIN)
			if !claimed {
				continue
			}
			wg.Add(1)
			go func(job *queue.Job) {
				defer wg.Done()
				defer o.release(job.ASIN)
				o.process(jobCtx, job)
			}(job)
		}
		if live == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Cancel interrupts a running job or marks a waiting one cancelled. The
// working directory is removed either way.
func (o *Orchestrator) Cancel(ctx context.Context, asin string) error {
	o.mu.Lock()
	cancel, running := o.cancels[asin]
	if running {
		o.requested[asin] = true
	}
	o.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	job, err := o.store.Get(ctx, asin)
	if err != nil {
		return err
	}
	if !job.Stage.Live() {
		return fmt.Errorf("job %s is already %s", asin, job.Stage)
	}
	o.markCancelled(ctx, job, o.logger)
	return nil
}

// Snapshot returns the current queue keyed by ASIN.
func (o *Orchestrator) Snapshot(ctx context.Context) (map[string]*queue.Job, error) {
	jobs, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*queue.Job, len(jobs))
	for _, job := range jobs {
		out[job.ASIN] = job
	}
	return out, nil
}

// Subscribe exposes the queue's update feed.
func (o *Orchestrator) Subscribe(buffer int) (<-chan queue.Job, func()) {
	return o.store.Subscribe(buffer)
}

// claim registers a cancelable context for asin. It refuses jobs that already
// have a running worker.
func (o *Orchestrator) claim(ctx context.Context, asin string) (context.Context, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.cancels[asin]; exists {
		return nil, false
	}
	jobCtx, cancel := context.WithCancel(ctx)
	o.cancels[asin] = cancel
	return jobCtx, true
}

func (o *Orchestrator) release(asin string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.cancels[asin]; ok {
		cancel()
		delete(o.cancels, asin)
	}
	delete(o.requested, asin)
}

func (o *Orchestrator) cancelRequested(asin string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requested[asin]
}
