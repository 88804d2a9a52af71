package pipeline

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/andresuchdata/logarchiver/internal/archive"
	"github.com/andresuchdata/logarchiver/internal/staging"
	"github.com/andresuchdata/logarchiver/internal/storage"

	. "github.com/smartystreets/goconvey/convey"
)

// memStore is an in-memory ObjectStore.
type memStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	listErr   error
	fetchErr  map[string]error
	storeErr  error
	reported  *int64
	deleteErr map[string]error

	listCalls int
	fetched   []string
	uploaded  map[string][]byte
	deleted   []string
}

func newMemStore(objects map[string]string) *memStore {
	m := &memStore{
		objects:   map[string][]byte{},
		fetchErr:  map[string]error{},
		deleteErr: map[string]error{},
		uploaded:  map[string][]byte{},
	}
	for k, v := range objects {
		m.objects[k] = []byte(v)
	}
	return m
}

func (m *memStore) Bucket() string { return "cdn-logs" }

func (m *memStore) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []storage.ObjectInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, storage.ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memStore) Fetch(ctx context.Context, obj storage.ObjectInfo, destPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fetchErr[obj.Key]; err != nil {
		return &storage.TransferError{Op: "fetch", Bucket: m.Bucket(), Key: obj.Key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &storage.TransferError{Op: "fetch", Bucket: m.Bucket(), Key: obj.Key, Err: err}
	}
	m.fetched = append(m.fetched, obj.Key)
	return os.WriteFile(destPath, m.objects[obj.Key], 0o644)
}

func (m *memStore) Store(ctx context.Context, localPath, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeErr != nil {
		return 0, &storage.TransferError{Op: "store", Bucket: m.Bucket(), Key: key, Err: m.storeErr}
	}
	b, err := os.ReadFile(localPath)
	if err != nil {
		return 0, err
	}
	m.uploaded[key] = b
	if m.reported != nil {
		return *m.reported, nil
	}
	return int64(len(b)), nil
}

func (m *memStore) Delete(ctx context.Context, obj storage.ObjectInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.deleteErr[obj.Key]; err != nil {
		return &storage.TransferError{Op: "delete", Bucket: m.Bucket(), Key: obj.Key, Err: err}
	}
	m.deleted = append(m.deleted, obj.Key)
	delete(m.objects, obj.Key)
	return nil
}

type fakeLocker struct {
	held     bool
	err      error
	unlocked int
	key      string
}

func (l *fakeLocker) TryLock(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	l.key = key
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	return func(context.Context) error { l.unlocked++; return nil }, true, nil
}

type fakeRecorder struct {
	results []Result
	errs    []error
}

func (r *fakeRecorder) RecordRun(ctx context.Context, res Result, runErr error) error {
	r.results = append(r.results, res)
	r.errs = append(r.errs, runErr)
	return errors.New("history unavailable")
}

func untar(t *testing.T, b []byte) map[string]string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	out := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		c, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		out[hdr.Name] = string(c)
	}
}

func gunzip(t *testing.T, b []byte) string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	c, err := io.ReadAll(gz)
	if err != nil {
		t.Fatal(err)
	}
	return string(c)
}

func newTestPipeline(store storage.ObjectStore, codec archive.Codec, workDir string, mutate func(*Config), opts ...Option) *Pipeline {
	cfg := DefaultConfig()
	cfg.WorkDir = workDir
	if mutate != nil {
		mutate(&cfg)
	}
	p := New(store, archive.New(codec), cfg, zerolog.Nop(), opts...)
	p.runID = func() string { return "run-1" }
	return p
}

func workDirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestPipelineRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	date := time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC)
	aLog := strings.Repeat("x", 120)

	Convey("Pipeline.Run", t, func() {
		workDir := t.TempDir()

		Convey("archives the day's logs and deletes every original", func() {
			store := newMemStore(map[string]string{
				"incoming/2023-06-15/a.log": aLog,
				"incoming/2023-06-15/b.log": "",
				"incoming/2023-06-16/c.log": "tomorrow",
			})
			p := newTestPipeline(store, archive.TarGzip{}, workDir, nil)

			res, err := p.Run(ctx, date)
			So(err, ShouldBeNil)
			So(res.Outcome, ShouldEqual, OutcomeSucceeded)
			So(res.ArchiveKey, ShouldEqual, "archive/2023/6/2023-06-15.tar.gz")
			So(res.BytesWritten, ShouldBeGreaterThan, 0)
			So(res.Job.RunID, ShouldEqual, "run-1")
			So(res.Job.SourcePrefix, ShouldEqual, "incoming/2023-06-15")
			So(res.Job.DestinationPrefix, ShouldEqual, "archive/2023/6")

			So(untar(t, store.uploaded[res.ArchiveKey]), ShouldResemble, map[string]string{"a.log": aLog})

			So(store.deleted, ShouldResemble, []string{"incoming/2023-06-15/a.log", "incoming/2023-06-15/b.log"})
			So(res.Deleted, ShouldResemble, store.deleted)
			So(store.objects, ShouldContainKey, "incoming/2023-06-16/c.log")

			So(workDirEntries(t, workDir), ShouldBeEmpty)
		})

		Convey("reports NoWork without touching local disk when nothing matches", func() {
			store := newMemStore(map[string]string{"incoming/2023-06-14/a.log": "old"})
			p := newTestPipeline(store, archive.TarGzip{}, workDir, nil)

			res, err := p.Run(ctx, date)
			So(err, ShouldBeNil)
			So(res.Outcome, ShouldEqual, OutcomeNoWork)
			So(store.uploaded, ShouldBeEmpty)
			So(store.deleted, ShouldBeEmpty)
			So(workDirEntries(t, workDir), ShouldBeEmpty)
		})

		Convey("keeps the originals when the upload reports zero bytes", func() {
			store := newMemStore(map[string]string{
				"incoming/2023-06-15/a.log": "a",
				"incoming/2023-06-15/b.log": "b",
				"incoming/2023-06-15/c.log": "c",
			})
			zero := int64(0)
			store.reported = &zero
			p := newTestPipeline(store, archive.TarGzip{}, workDir, nil)

			res, err := p.Run(ctx, date)
			So(errors.Is(err, ErrUploadUnverified), ShouldBeTrue)
			So(res.Outcome, ShouldEqual, OutcomeFailed)
			So(store.deleted, ShouldBeEmpty)
			So(len(store.objects), ShouldEqual, 3)
			So(workDirEntries(t, workDir), ShouldBeEmpty)
		})

		Convey("aborts without an archive when a fetch fails", func() {
			for _, workers := range []int{1, 4} {
				store := newMemStore(map[string]string{
					"incoming/2023-06-15/a.log": "a",
					"incoming/2023-06-15/b.log": "b",
					"incoming/2023-06-15/c.log": "c",
				})
				store.fetchErr["incoming/2023-06-15/b.log"] = errors.New("connection reset")
				p := newTestPipeline(store, archive.TarGzip{}, workDir, func(c *Config) { c.FetchWorkers = workers })

				res, err := p.Run(ctx, date)
				var transfer *storage.TransferError
				So(errors.As(err, &transfer), ShouldBeTrue)
				So(transfer.Key, ShouldEqual, "incoming/2023-06-15/b.log")
				So(res.Outcome, ShouldEqual, OutcomeFailed)
				So(res.ArchiveKey, ShouldBeEmpty)
				So(store.uploaded, ShouldBeEmpty)
				So(store.deleted, ShouldBeEmpty)
				So(workDirEntries(t, workDir), ShouldBeEmpty)
			}
		})

		Convey("fails with a DiscoveryError before allocating anything", func() {
			store := newMemStore(nil)
			store.listErr = errors.New("access denied")
			p := newTestPipeline(store, archive.TarGzip{}, workDir, nil)

			res, err := p.Run(ctx, date)
			var derr *DiscoveryError
			So(errors.As(err, &derr), ShouldBeTrue)
			So(derr.Prefix, ShouldEqual, "incoming/2023-06-15")
			So(derr.Bucket, ShouldEqual, "cdn-logs")
			So(res.Outcome, ShouldEqual, OutcomeFailed)
			So(workDirEntries(t, workDir), ShouldBeEmpty)
		})

		Convey("keeps the originals when the upload fails", func() {
			store := newMemStore(map[string]string{"incoming/2023-06-15/a.log": "a"})
			store.storeErr = errors.New("503 slow down")
			p := newTestPipeline(store, archive.TarGzip{}, workDir, nil)

			res, err := p.Run(ctx, date)
			var transfer *storage.TransferError
			So(errors.As(err, &transfer), ShouldBeTrue)
			So(transfer.Op, ShouldEqual, "store")
			So(res.Outcome, ShouldEqual, OutcomeFailed)
			So(store.deleted, ShouldBeEmpty)
			So(workDirEntries(t, workDir), ShouldBeEmpty)
		})

		Convey("fails with a CompressionError when every log is empty", func() {
			store := newMemStore(map[string]string{
				"incoming/2023-06-15/a.log": "",
				"incoming/2023-06-15/b.log": "",
			})
			p := newTestPipeline(store, archive.TarGzip{}, workDir, nil)

			res, err := p.Run(ctx, date)
			var cerr *archive.CompressionError
			So(errors.As(err, &cerr), ShouldBeTrue)
			So(res.Outcome, ShouldEqual, OutcomeFailed)
			So(store.uploaded, ShouldBeEmpty)
			So(store.deleted, ShouldBeEmpty)
			So(workDirEntries(t, workDir), ShouldBeEmpty)
		})

		Convey("attempts every deletion and reports the ones that failed", func() {
			store := newMemStore(map[string]string{
				"incoming/2023-06-15/a.log": "a",
				"incoming/2023-06-15/b.log": "b",
				"incoming/2023-06-15/c.log": "c",
			})
			store.deleteErr["incoming/2023-06-15/b.log"] = errors.New("timeout")
			p := newTestPipeline(store, archive.TarGzip{}, workDir, nil)

			res, err := p.Run(ctx, date)
			var transfer *storage.TransferError
			So(errors.As(err, &transfer), ShouldBeTrue)
			So(transfer.Op, ShouldEqual, "delete")
			So(res.Outcome, ShouldEqual, OutcomeFailed)
			So(res.Deleted, ShouldResemble, []string{"incoming/2023-06-15/a.log", "incoming/2023-06-15/c.log"})
		})

		Convey("re-running after a failed upload rebuilds the same archive", func() {
			store := newMemStore(map[string]string{
				"incoming/2023-06-15/a.log": "alpha",
				"incoming/2023-06-15/b.log": "beta",
			})
			zero := int64(0)
			store.reported = &zero
			p := newTestPipeline(store, archive.TarGzip{}, workDir, nil)

			first, err := p.Run(ctx, date)
			So(err, ShouldNotBeNil)
			firstContent := untar(t, store.uploaded[first.ArchiveKey])

			store.reported = nil
			second, err := p.Run(ctx, date)
			So(err, ShouldBeNil)
			So(second.Job.Objects, ShouldResemble, first.Job.Objects)
			So(untar(t, store.uploaded[second.ArchiveKey]), ShouldResemble, firstContent)
			So(store.deleted, ShouldHaveLength, 2)
		})

		Convey("writes a content journal with the gzip codec", func() {
			store := newMemStore(map[string]string{
				"incoming/2023-06-15/a.log": "first\n",
				"incoming/2023-06-15/b.log": "",
				"incoming/2023-06-15/c.log": "second\n",
			})
			p := newTestPipeline(store, archive.GzipJournal{}, workDir, nil)

			res, err := p.Run(ctx, date)
			So(err, ShouldBeNil)
			So(res.ArchiveKey, ShouldEqual, "archive/2023/6/2023-06-15.gz")
			So(gunzip(t, store.uploaded[res.ArchiveKey]), ShouldEqual, "first\nsecond\n")
		})

		Convey("pads the month when configured", func() {
			store := newMemStore(map[string]string{"incoming/2023-06-15/a.log": "a"})
			p := newTestPipeline(store, archive.TarGzip{}, workDir, func(c *Config) { c.PadMonth = true })

			res, err := p.Run(ctx, date)
			So(err, ShouldBeNil)
			So(res.ArchiveKey, ShouldEqual, "archive/2023/06/2023-06-15.tar.gz")
		})

		Convey("a cancelled context fails before deleting anything", func() {
			store := newMemStore(map[string]string{"incoming/2023-06-15/a.log": "a"})
			p := newTestPipeline(store, archive.TarGzip{}, workDir, nil)
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			res, err := p.Run(cctx, date)
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			So(res.Outcome, ShouldEqual, OutcomeFailed)
			So(store.deleted, ShouldBeEmpty)
		})

		Convey("with a run lock", func() {
			store := newMemStore(map[string]string{"incoming/2023-06-15/a.log": "a"})

			Convey("does nothing while another run holds the date", func() {
				locker := &fakeLocker{held: true}
				p := newTestPipeline(store, archive.TarGzip{}, workDir, nil, WithLocker(locker))

				res, err := p.Run(ctx, date)
				So(errors.Is(err, ErrRunInProgress), ShouldBeTrue)
				So(res.Outcome, ShouldEqual, OutcomeFailed)
				So(store.listCalls, ShouldEqual, 0)
				So(locker.key, ShouldEqual, "logarchiver:run:incoming/2023-06-15")
			})

			Convey("fails when the lock backend errors", func() {
				locker := &fakeLocker{err: errors.New("redis down")}
				p := newTestPipeline(store, archive.TarGzip{}, workDir, nil, WithLocker(locker))

				_, err := p.Run(ctx, date)
				So(err, ShouldNotBeNil)
				So(store.listCalls, ShouldEqual, 0)
			})

			Convey("releases the lock after the run", func() {
				locker := &fakeLocker{}
				p := newTestPipeline(store, archive.TarGzip{}, workDir, nil, WithLocker(locker))

				_, err := p.Run(ctx, date)
				So(err, ShouldBeNil)
				So(locker.unlocked, ShouldEqual, 1)
			})
		})

		Convey("records every outcome and ignores recorder failures", func() {
			rec := &fakeRecorder{}
			store := newMemStore(map[string]string{"incoming/2023-06-15/a.log": "a"})
			p := newTestPipeline(store, archive.TarGzip{}, workDir, nil, WithRecorder(rec))

			res, err := p.Run(ctx, date)
			So(err, ShouldBeNil)
			So(rec.results, ShouldHaveLength, 1)
			So(rec.results[0].Outcome, ShouldEqual, OutcomeSucceeded)
			So(rec.results[0].FinishedAt.IsZero(), ShouldBeFalse)
			So(rec.errs[0], ShouldBeNil)
			So(res.Outcome, ShouldEqual, OutcomeSucceeded)

			_, err = p.Run(ctx, date)
			So(err, ShouldBeNil)
			So(rec.results[1].Outcome, ShouldEqual, OutcomeNoWork)
		})
	})
}

func TestStageCancelsOnFailure(t *testing.T) {
	var keys []string
	objects := map[string]string{}
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("incoming/2023-06-15/%02d.log", i)
		keys = append(keys, k)
		objects[k] = "x"
	}
	store := newMemStore(objects)
	store.fetchErr[keys[0]] = errors.New("boom")

	p := newTestPipeline(store, archive.TarGzip{}, t.TempDir(), func(c *Config) { c.FetchWorkers = 1 })
	area, err := staging.Acquire(t.TempDir(), "stage-*")
	if err != nil {
		t.Fatal(err)
	}
	defer area.Release()

	job := p.NewJob(time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC))
	job.Objects, _ = store.List(context.Background(), job.SourcePrefix)

	if err := p.stage(context.Background(), zerolog.Nop(), area, job); err == nil {
		t.Fatal("expected staging to fail")
	}
	if len(store.fetched) != 0 {
		t.Errorf("fetches continued after the first failure: %v", store.fetched)
	}
}
