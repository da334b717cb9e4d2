// Package storagetest provides an in-memory download repository for tests.
package storagetest

import (
	"context"
	"sort"
	"sync"

	"github.com/italolelis/obb_downloader/internal/storage"
)

// MemStore is a storage.DownloadRepository kept in memory. Records are
// copied on the way in and out.
type MemStore struct {
	mu      sync.Mutex
	records map[int]storage.DownloadRecord
	md      storage.Metadata
}

var _ storage.DownloadRepository = (*MemStore)(nil)

// NewMemStore creates a store holding copies of records.
func NewMemStore(records ...*storage.DownloadRecord) *MemStore {
	s := &MemStore{records: map[int]storage.DownloadRecord{}}
	for _, rec := range records {
		s.records[rec.Index] = *rec
	}

	return s
}

func (s *MemStore) Get(_ context.Context, index int) (*storage.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[index]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return &rec, nil
}

func (s *MemStore) GetByFileName(_ context.Context, fileName string) (*storage.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.FileName == fileName {
			return &rec, nil
		}
	}

	return nil, storage.ErrNotFound
}

func (s *MemStore) Upsert(_ context.Context, rec *storage.DownloadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Index] = *rec

	return nil
}

func (s *MemStore) UpdateProgress(_ context.Context, index int, currentBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[index]
	if !ok {
		return storage.ErrNotFound
	}

	rec.CurrentBytes = currentBytes
	s.records[index] = rec

	return nil
}

func (s *MemStore) ListAll(context.Context) ([]*storage.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*storage.DownloadRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, &rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	return out, nil
}

func (s *MemStore) Prune(_ context.Context, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx := range s.records {
		if idx >= count {
			delete(s.records, idx)
		}
	}

	return nil
}

func (s *MemStore) Metadata(context.Context) (storage.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.md, nil
}

func (s *MemStore) UpdateMetadata(_ context.Context, md storage.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.md = md

	return nil
}
