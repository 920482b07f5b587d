package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/fileutil"
)

// ErrNotFound is returned when a job does not exist in the queue.
var ErrNotFound = errors.New("queue: job not found")

// Store persists jobs as a single JSON object keyed by ASIN. Writes replace
// the file atomically, an in-process mutex serializes local callers, and a
// file lock serializes concurrent CLI processes around each read-modify-write
// cycle.
type Store struct {
	mu     sync.Mutex
	path   string
	lock   *flock.Flock
	logger *slog.Logger

	subMu  sync.Mutex
	subs   map[int]chan Job
	nextID int
}

// Open prepares a store rooted at the configured state directory.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.Paths.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	path := cfg.QueueFilePath()
	return &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger,
		subs:   make(map[int]chan Job),
	}, nil
}

// Close releases the file lock if held and drops all watchers.
func (s *Store) Close() error {
	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return s.lock.Unlock()
}

// NewBatchID mints an identifier grouping jobs enqueued together.
func NewBatchID() string {
	return uuid.NewString()
}

// Enqueue inserts a job in the queued stage. When a live job for the same
// ASIN already exists the existing record is returned unchanged. A terminal
// job is replaced: failed and cancelled records restart from queued, and a
// complete record is left to the caller's duplicate check.
func (s *Store) Enqueue(ctx context.Context, asin, title, quality, batchID string) (*Job, error) {
	var result *Job
	err := s.withFile(ctx, func(jobs map[string]*Job) (bool, error) {
		if existing, ok := jobs[asin]; ok && existing.Stage.Live() {
			result = existing.Clone()
			return false, nil
		}
		now := time.Now().UTC()
		job := &Job{
			ASIN:           asin,
			Title:          title,
			Quality:        quality,
			BatchID:        batchID,
			Stage:          StageQueued,
			EnqueuedAt:     now,
			StageStartedAt: now,
		}
		jobs[asin] = job
		result = job.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Debug("job enqueued", "asin", asin, "title", title)
	}
	s.notify(result)
	return result, nil
}

// Get returns the job for asin, or ErrNotFound.
func (s *Store) Get(ctx context.Context, asin string) (*Job, error) {
	var result *Job
	err := s.withFile(ctx, func(jobs map[string]*Job) (bool, error) {
		job, ok := jobs[asin]
		if !ok {
			return false, ErrNotFound
		}
		result = job.Clone()
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// List returns all jobs ordered by enqueue time.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	var result []*Job
	err := s.withFile(ctx, func(jobs map[string]*Job) (bool, error) {
		result = make([]*Job, 0, len(jobs))
		for _, job := range jobs {
			result = append(result, job.Clone())
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EnqueuedAt.Equal(result[j].EnqueuedAt) {
			return result[i].ASIN < result[j].ASIN
		}
		return result[i].EnqueuedAt.Before(result[j].EnqueuedAt)
	})
	return result, nil
}

// Update persists the supplied job record wholesale and notifies watchers.
func (s *Store) Update(ctx context.Context, job *Job) error {
	if job == nil || job.ASIN == "" {
		return errors.New("queue: update requires a job with an ASIN")
	}
	if !job.Stage.Valid() {
		return fmt.Errorf("queue: unknown stage %q", job.Stage)
	}
	stored := job.Clone()
	err := s.withFile(ctx, func(jobs map[string]*Job) (bool, error) {
		jobs[job.ASIN] = stored
		return true, nil
	})
	if err != nil {
		return err
	}
	s.notify(stored)
	return nil
}

// Remove deletes the job for asin.
func (s *Store) Remove(ctx context.Context, asin string) error {
	return s.withFile(ctx, func(jobs map[string]*Job) (bool, error) {
		if _, ok := jobs[asin]; !ok {
			return false, ErrNotFound
		}
		delete(jobs, asin)
		return true, nil
	})
}

// ClearCompleted drops terminal jobs whose completion is older than maxAge.
// A zero maxAge drops all terminal jobs. Returns the number removed.
func (s *Store) ClearCompleted(ctx context.Context, maxAge time.Duration) (int, error) {
	removed := 0
	cutoff := time.Now().UTC().Add(-maxAge)
	err := s.withFile(ctx, func(jobs map[string]*Job) (bool, error) {
		for asin, job := range jobs {
			if !job.Stage.Terminal() {
				continue
			}
			finished := job.StageStartedAt
			if job.CompletedAt != nil {
				finished = *job.CompletedAt
			}
			if maxAge == 0 || finished.Before(cutoff) {
				delete(jobs, asin)
				removed++
			}
		}
		return removed > 0, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Summarize aggregates queue counts per lifecycle state.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	summary := Summary{ByStage: make(map[Stage]int)}
	err := s.withFile(ctx, func(jobs map[string]*Job) (bool, error) {
		for _, job := range jobs {
			summary.Total++
			summary.ByStage[job.Stage]++
			switch {
			case job.Stage == StageQueued:
				summary.Queued++
			case job.Stage == StageComplete:
				summary.Complete++
			case job.Stage == StageFailed:
				summary.Failed++
			case job.Stage == StageCancelled:
				summary.Cancelled++
			case job.Stage.Active():
				summary.Active++
			}
		}
		return false, nil
	})
	if err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// Subscribe registers a watcher for job updates. Slow consumers never block
// the pipeline: when the buffer is full the oldest update is dropped so the
// latest wins. The returned cancel func must be called to release the
// watcher.
func (s *Store) Subscribe(buffer int) (<-chan Job, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Job, buffer)
	s.subs[id] = ch
	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if existing, ok := s.subs[id]; ok {
			close(existing)
			delete(s.subs, id)
		}
	}
	return ch, cancel
}

func (s *Store) notify(job *Job) {
	if job == nil {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		for {
			select {
			case ch <- *job.Clone():
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// withFile runs fn against the decoded queue map under both locks, persisting
// the map atomically when fn reports a mutation.
func (s *Store) withFile(ctx context.Context, fn func(map[string]*Job) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire queue lock: %w", err)
	}
	if !locked {
		return errors.New("queue: lock unavailable")
	}
	defer func() {
		_ = s.lock.Unlock()
	}()

	jobs, err := s.load()
	if err != nil {
		return err
	}
	dirty, err := fn(jobs)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return fileutil.WriteJSONAtomic(s.path, jobs)
}

func (s *Store) load() (map[string]*Job, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]*Job), nil
		}
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	if len(data) == 0 {
		return make(map[string]*Job), nil
	}
	jobs := make(map[string]*Job)
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parse queue file %s: %w", s.path, err)
	}
	for asin, job := range jobs {
		if job.ASIN == "" {
			job.ASIN = asin
		}
	}
	return jobs, nil
}
