// Package pipeline archives one day of log objects: discover, stage,
// compress, upload, verify and only then delete the originals.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/andresuchdata/logarchiver/internal/archive"
	"github.com/andresuchdata/logarchiver/internal/staging"
	"github.com/andresuchdata/logarchiver/internal/storage"
)

// Pipeline runs the archive-and-verify sequence against one bucket.
type Pipeline struct {
	store    storage.ObjectStore
	archiver *archive.Archiver
	cfg      Config
	log      zerolog.Logger
	locker   Locker
	recorder Recorder

	now   func() time.Time
	runID func() string
}

// Option configures optional collaborators.
type Option func(*Pipeline)

// WithLocker serialises runs of the same date through l.
func WithLocker(l Locker) Option {
	return func(p *Pipeline) { p.locker = l }
}

// WithRecorder records every run outcome through r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// New creates a Pipeline.
func New(store storage.ObjectStore, archiver *archive.Archiver, cfg Config, log zerolog.Logger, opts ...Option) *Pipeline {
	if cfg.FetchWorkers < 1 {
		cfg.FetchWorkers = 1
	}
	p := &Pipeline{
		store:    store,
		archiver: archiver,
		cfg:      cfg,
		log:      log.With().Str("component", "pipeline").Logger(),
		now:      time.Now,
		runID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewJob builds the job for date.
func (p *Pipeline) NewJob(date time.Time) Job {
	return Job{
		RunID:             p.runID(),
		Date:              date,
		SourcePrefix:      SourcePrefix(p.cfg.SourceRoot, date),
		DestinationPrefix: DestinationPrefix(p.cfg.DestRoot, date, p.cfg.PadMonth),
	}
}

// Run archives the logs of date. The returned error is non-nil exactly when
// the outcome is OutcomeFailed. Remote objects are deleted only after the
// backend confirmed a non-zero upload, so a failed run can be repeated.
func (p *Pipeline) Run(ctx context.Context, date time.Time) (res Result, err error) {
	job := p.NewJob(date)
	log := p.log.With().
		Str("run_id", job.RunID).
		Str("bucket", p.store.Bucket()).
		Str("date", ArchiveBaseName(date)).
		Str("prefix", job.SourcePrefix).
		Logger()

	res = Result{Outcome: OutcomeFailed, Job: job, StartedAt: p.now()}
	defer func() {
		res.FinishedAt = p.now()
		p.record(ctx, log, res, err)
	}()

	if p.locker != nil {
		unlock, acquired, lerr := p.locker.TryLock(ctx, lockKey(job))
		if lerr != nil {
			err = fmt.Errorf("failed to acquire run lock: %w", lerr)
			log.Error().Err(err).Msg("Run aborted")
			return res, err
		}
		if !acquired {
			err = ErrRunInProgress
			log.Error().Err(err).Msg("Run aborted")
			return res, err
		}
		defer func() {
			if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
				log.Warn().Err(uerr).Msg("Failed to release run lock")
			}
		}()
	}

	objects, lerr := p.store.List(ctx, job.SourcePrefix)
	if lerr != nil {
		err = &DiscoveryError{Bucket: p.store.Bucket(), Prefix: job.SourcePrefix, Err: lerr}
		log.Error().Err(err).Msg("Discovery failed")
		return res, err
	}
	job.Objects = objects
	res.Job = job

	if len(objects) == 0 {
		log.Warn().Msg("No log objects found, nothing to archive")
		res.Outcome = OutcomeNoWork
		return res, nil
	}
	log.Info().Int("objects", len(objects)).Msg("Discovered log objects")

	key, written, err := p.archiveAndUpload(ctx, log, job)
	res.ArchiveKey = key
	res.BytesWritten = written
	if err != nil {
		log.Error().Err(err).Str("archive_key", key).Msg("Archive failed, originals kept")
		return res, err
	}
	if written <= 0 {
		err = ErrUploadUnverified
		log.Error().Err(err).Str("archive_key", key).Int64("bytes_written", written).Msg("Upload not verified, originals kept")
		return res, err
	}
	log.Info().Str("archive_key", key).Int64("bytes_written", written).Msg("Archive uploaded")

	deleted, err := p.deleteOriginals(ctx, log, job)
	res.Deleted = deleted
	if err != nil {
		log.Error().Err(err).Int("deleted", len(deleted)).Int("objects", len(objects)).Msg("Failed to delete some originals")
		return res, err
	}

	res.Outcome = OutcomeSucceeded
	log.Info().
		Str("archive_key", key).
		Int("deleted", len(deleted)).
		Dur("took", p.now().Sub(res.StartedAt)).
		Msg("Run succeeded")
	return res, nil
}

// archiveAndUpload stages the job's objects, compresses them into an outbox
// area next to the staging area and uploads the archive. Local files are gone
// when it returns, whatever the outcome.
func (p *Pipeline) archiveAndUpload(ctx context.Context, log zerolog.Logger, job Job) (string, int64, error) {
	stage, err := staging.Acquire(p.cfg.WorkDir, "logarchive-stage-*")
	if err != nil {
		return "", 0, err
	}
	defer p.release(log, stage)

	if err := p.stage(ctx, log, stage, job); err != nil {
		return "", 0, err
	}

	outbox, err := staging.Acquire(p.cfg.WorkDir, "logarchive-out-*")
	if err != nil {
		return "", 0, err
	}
	defer p.release(log, outbox)

	archivePath, err := p.archiver.Compress(stage.Dir(), outbox.Dir(), ArchiveBaseName(job.Date))
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if err := outbox.Remove(archivePath); err != nil {
			log.Warn().Err(err).Str("path", archivePath).Msg("Failed to remove local archive")
		}
	}()

	key := path.Join(job.DestinationPrefix, filepath.Base(archivePath))
	written, err := p.store.Store(ctx, archivePath, key)
	return key, written, err
}

// stage fetches every object into area. The first failure cancels the
// fetches still in flight.
func (p *Pipeline) stage(ctx context.Context, log zerolog.Logger, area *staging.Area, job Job) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.FetchWorkers)

	for _, obj := range job.Objects {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, err := area.Write(obj, job.SourcePrefix, func(dest string) error {
				return p.store.Fetch(gctx, obj, dest)
			})
			if err != nil {
				return err
			}
			log.Debug().Str("key", obj.Key).Str("file", f.Name).Int64("size", f.Size).Msg("Staged object")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Debug().Int("objects", len(job.Objects)).Str("dir", area.Dir()).Msg("Staging complete")
	return nil
}

// deleteOriginals removes every discovered object. Every deletion is
// attempted; failures are joined.
func (p *Pipeline) deleteOriginals(ctx context.Context, log zerolog.Logger, job Job) ([]string, error) {
	deleted := make([]string, 0, len(job.Objects))
	var errs []error
	for _, obj := range job.Objects {
		if err := p.store.Delete(ctx, obj); err != nil {
			log.Warn().Err(err).Str("key", obj.Key).Msg("Failed to delete original")
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, obj.Key)
	}
	return deleted, errors.Join(errs...)
}

func (p *Pipeline) release(log zerolog.Logger, area *staging.Area) {
	if err := area.Release(); err != nil {
		log.Warn().Err(err).Str("dir", area.Dir()).Msg("Failed to release local work dir")
	}
}

func (p *Pipeline) record(ctx context.Context, log zerolog.Logger, res Result, runErr error) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.RecordRun(context.WithoutCancel(ctx), res, runErr); err != nil {
		log.Warn().Err(err).Msg("Failed to record run")
	}
}
