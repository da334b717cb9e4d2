package transfer_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/italolelis/obb_downloader/internal/netgate"
	"github.com/italolelis/obb_downloader/internal/storage"
)

const obbType = "application/vnd.android.obb"

type memStore struct {
	mu            sync.Mutex
	records       map[int]storage.DownloadRecord
	md            storage.Metadata
	progressCalls int
}

func newMemStore() *memStore {
	return &memStore{records: map[int]storage.DownloadRecord{}}
}

func (s *memStore) Get(_ context.Context, index int) (*storage.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[index]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return &rec, nil
}

func (s *memStore) GetByFileName(_ context.Context, fileName string) (*storage.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.FileName == fileName {
			return &rec, nil
		}
	}

	return nil, storage.ErrNotFound
}

func (s *memStore) Upsert(_ context.Context, rec *storage.DownloadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Index] = *rec

	return nil
}

func (s *memStore) UpdateProgress(_ context.Context, index int, currentBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[index]
	if !ok {
		return storage.ErrNotFound
	}

	rec.CurrentBytes = currentBytes
	s.records[index] = rec
	s.progressCalls++

	return nil
}

func (s *memStore) ListAll(context.Context) ([]*storage.DownloadRecord, error) {
	return nil, nil
}

func (s *memStore) Prune(context.Context, int) error {
	return nil
}

func (s *memStore) Metadata(context.Context) (storage.Metadata, error) {
	return s.md, nil
}

func (s *memStore) UpdateMetadata(_ context.Context, md storage.Metadata) error {
	s.md = md

	return nil
}

type fakeSpace struct {
	mounted bool
	free    uint64
}

func (f fakeSpace) Mounted() bool { return f.mounted }

func (f fakeSpace) Available(string) (uint64, error) { return f.free, nil }

var plentyOfSpace = fakeSpace{mounted: true, free: 1 << 40}

type verdictFunc func(totalBytes int64) netgate.Verdict

func (f verdictFunc) Check(totalBytes int64) netgate.Verdict { return f(totalBytes) }

// stopAfter requests a stop once it has been consulted more than n times.
type stopAfter struct {
	n      int32
	calls  atomic.Int32
	status storage.Status
}

func (s *stopAfter) StopRequested() (storage.Status, bool) {
	if s.calls.Add(1) > s.n {
		return s.status, true
	}

	return 0, false
}

// switchSpace reports plenty of space until flip is called.
type switchSpace struct {
	mu      sync.Mutex
	current fakeSpace
	after   fakeSpace
}

func newSwitchSpace(after fakeSpace) *switchSpace {
	return &switchSpace{current: plentyOfSpace, after: after}
}

func (s *switchSpace) flip() {
	s.mu.Lock()
	s.current = s.after
	s.mu.Unlock()
}

func (s *switchSpace) Mounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current.mounted
}

func (s *switchSpace) Available(string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current.free, nil
}
