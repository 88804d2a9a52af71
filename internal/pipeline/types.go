package pipeline

import (
	"context"
	"time"

	"github.com/andresuchdata/logarchiver/internal/storage"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeNoWork    Outcome = "no_work"
	OutcomeFailed    Outcome = "failed"
	OutcomeSucceeded Outcome = "succeeded"
)

// Config holds the key layout and local resource settings for a Pipeline.
type Config struct {
	SourceRoot   string // key root of incoming logs
	DestRoot     string // key root of uploaded archives
	PadMonth     bool   // zero-pad the month segment of the destination prefix
	WorkDir      string // parent of per-run temp dirs; OS temp dir when empty
	FetchWorkers int    // concurrent fetches while staging
}

// DefaultConfig returns the key layout the log shippers write to.
func DefaultConfig() Config {
	return Config{
		SourceRoot:   "incoming",
		DestRoot:     "archive",
		FetchWorkers: 4,
	}
}

// Job is the unit of work for one run. It is built at the start of the run
// and not changed afterwards, apart from the discovery result.
type Job struct {
	RunID             string
	Date              time.Time
	SourcePrefix      string
	DestinationPrefix string
	Objects           []storage.ObjectInfo
}

// Result describes how a run ended.
type Result struct {
	Outcome      Outcome
	Job          Job
	ArchiveKey   string
	BytesWritten int64
	Deleted      []string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Locker serialises runs for the same date across processes.
type Locker interface {
	// TryLock claims key without waiting. acquired is false when another
	// holder has it; unlock releases a claimed key.
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, acquired bool, err error)
}

// Recorder persists the outcome of every run.
type Recorder interface {
	RecordRun(ctx context.Context, res Result, runErr error) error
}
