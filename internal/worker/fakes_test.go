package worker

import (
	"context"
	"sync"

	"backline/internal/models"
)

// fakeInvoices counts collaborator calls per order and fails selected refs.
type fakeInvoices struct {
	mu          sync.Mutex
	calls       map[string]int
	failRefs    map[string]error
	unavailable bool
}

func newFakeInvoices() *fakeInvoices {
	return &fakeInvoices{calls: make(map[string]int), failRefs: make(map[string]error)}
}

func (f *fakeInvoices) InvoiceOrder(_ context.Context, _ int64, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return ErrRemoteUnavailable
	}
	f.calls[orderID]++
	if err, ok := f.failRefs[orderID]; ok {
		return err
	}
	return nil
}

func (f *fakeInvoices) callCount(orderID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[orderID]
}

// fakeAccounting is a stub remote collaborator. Chunk calls are counted per
// offset so tests can verify resumption and upsert idempotence.
type fakeAccounting struct {
	mu           sync.Mutex
	pushErr      error
	pullErr      error
	pushCalls    int
	pullCalls    int
	totalRecords int
	chunkCalls   map[int]int
	chunkErrs    map[int]error
}

func newFakeAccounting() *fakeAccounting {
	return &fakeAccounting{chunkCalls: make(map[int]int), chunkErrs: make(map[int]error)}
}

func (f *fakeAccounting) PushEntities(context.Context, int64, string, []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	return f.pushErr
}

func (f *fakeAccounting) PullEntities(context.Context, int64, string, []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCalls++
	return f.pullErr
}

func (f *fakeAccounting) SyncChunk(_ context.Context, _ int64, _ string, _ models.SyncDirection, offset, limit int) (ChunkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkCalls[offset]++
	if err, ok := f.chunkErrs[offset]; ok {
		return ChunkResult{}, err
	}
	next := offset + limit
	if next >= f.totalRecords {
		return ChunkResult{NextOffset: f.totalRecords, Done: true}, nil
	}
	return ChunkResult{NextOffset: next, Done: false}, nil
}

func (f *fakeAccounting) chunkCallCount(offset int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunkCalls[offset]
}
