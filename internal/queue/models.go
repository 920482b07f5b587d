package queue

import (
	"time"
)

// Stage represents the lifecycle of a queued download.
type Stage string

const (
	StageQueued           Stage = "queued"
	StageAcquiringLicense Stage = "acquiring_license"
	StageDownloading      Stage = "downloading"
	StageDecrypting       Stage = "decrypting"
	StageConverting       Stage = "converting"
	StageEnriching        Stage = "enriching"
	StagePlacing          Stage = "placing"
	StageComplete         Stage = "complete"
	StageFailed           Stage = "failed"
	StageCancelled        Stage = "cancelled"
)

// StageOrder is the canonical forward progression of a successful download.
var StageOrder = []Stage{
	StageQueued,
	StageAcquiringLicense,
	StageDownloading,
	StageDecrypting,
	StageConverting,
	StageEnriching,
	StagePlacing,
	StageComplete,
}

var stageSet = func() map[Stage]struct{} {
	set := make(map[Stage]struct{}, len(StageOrder)+2)
	for _, stage := range StageOrder {
		set[stage] = struct{}{}
	}
	set[StageFailed] = struct{}{}
	set[StageCancelled] = struct{}{}
	return set
}()

// Valid reports whether the stage is a known lifecycle value.
func (s Stage) Valid() bool {
	_, ok := stageSet[s]
	return ok
}

// Terminal reports whether no further transitions happen from this stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageComplete, StageFailed, StageCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether a worker currently owns the job.
func (s Stage) Active() bool {
	switch s {
	case StageAcquiringLicense, StageDownloading, StageDecrypting, StageConverting, StageEnriching, StagePlacing:
		return true
	default:
		return false
	}
}

// Live reports whether the job still occupies the pipeline (not terminal).
func (s Stage) Live() bool {
	return s.Valid() && !s.Terminal()
}

// Attempt records one failed processing attempt.
type Attempt struct {
	Stage        Stage     `json:"stage"`
	ErrorKind    string    `json:"error_kind"`
	ErrorMessage string    `json:"error_message"`
	At           time.Time `json:"at"`
}

// Job is the persisted record for one queued download, keyed by ASIN.
type Job struct {
	ASIN    string `json:"asin"`
	Title   string `json:"title"`
	Account string `json:"account,omitempty"`
	Quality string `json:"quality"`
	BatchID string `json:"batch_id,omitempty"`

	Stage Stage `json:"stage"`

	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	Speed           float64 `json:"speed,omitempty"`
	ETASeconds      int64   `json:"eta_seconds,omitempty"`

	EnqueuedAt     time.Time  `json:"enqueued_at"`
	StageStartedAt time.Time  `json:"stage_started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Attempts     []Attempt `json:"attempts,omitempty"`
	RetryCount   int       `json:"retry_count"`

	WorkDir            string `json:"work_dir,omitempty"`
	FinalFile          string `json:"final_file,omitempty"`
	EnrichmentDegraded bool   `json:"enrichment_degraded,omitempty"`
}

// Clone returns a deep copy so snapshots never alias store state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.CompletedAt != nil {
		at := *j.CompletedAt
		cp.CompletedAt = &at
	}
	if len(j.Attempts) > 0 {
		cp.Attempts = make([]Attempt, len(j.Attempts))
		copy(cp.Attempts, j.Attempts)
	}
	return &cp
}

// Summary aggregates queue counts per lifecycle state.
type Summary struct {
	Total     int
	Queued    int
	Active    int
	Complete  int
	Failed    int
	Cancelled int
	ByStage   map[Stage]int
}
