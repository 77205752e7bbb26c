package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStorage struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
}

func (f *fakeStorage) WriteBatch(_ context.Context, events []Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]Event, len(events))
	copy(cp, events)
	f.batches = append(f.batches, cp)
	return f.err
}

func (f *fakeStorage) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestTrail_StopDrainsBuffer(t *testing.T) {
	store := &fakeStorage{}
	trail := NewTrail(store, Options{BufferSize: 100, BatchSize: 1000, FlushInterval: time.Hour}, zap.NewNop())
	trail.Start()

	for i := 0; i < 42; i++ {
		trail.Log(Event{TaskID: "t-1", Kind: KindTaskCreated})
	}
	trail.Stop()

	assert.Equal(t, 42, store.total())
	for _, e := range store.batches[0] {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestTrail_FlushesBySize(t *testing.T) {
	store := &fakeStorage{}
	trail := NewTrail(store, Options{BufferSize: 100, BatchSize: 5, FlushInterval: time.Hour}, zap.NewNop())
	trail.Start()
	defer trail.Stop()

	for i := 0; i < 10; i++ {
		trail.Log(Event{TaskID: "t-1", Kind: KindDecisionApplied})
	}

	require.Eventually(t, func() bool { return store.total() == 10 }, time.Second, 10*time.Millisecond)
}

func TestTrail_FlushesByTimer(t *testing.T) {
	store := &fakeStorage{}
	trail := NewTrail(store, Options{BufferSize: 10, BatchSize: 100, FlushInterval: 20 * time.Millisecond}, zap.NewNop())
	trail.Start()
	defer trail.Stop()

	trail.Log(Event{TaskID: "t-2", Kind: KindResumeFailed})

	require.Eventually(t, func() bool { return store.total() == 1 }, time.Second, 10*time.Millisecond)
}

func TestTrail_LogAfterStopIsDropped(t *testing.T) {
	store := &fakeStorage{}
	trail := NewTrail(store, Options{}, zap.NewNop())
	trail.Start()
	trail.Stop()
	trail.Stop()

	assert.NotPanics(t, func() { trail.Log(Event{TaskID: "late"}) })
	assert.Equal(t, 0, store.total())
}

func TestTrail_StorageErrorDoesNotStopWorker(t *testing.T) {
	store := &fakeStorage{err: errors.New("db down")}
	trail := NewTrail(store, Options{BatchSize: 1, FlushInterval: time.Hour}, zap.NewNop())
	trail.Start()

	trail.Log(Event{TaskID: "a"})
	trail.Log(Event{TaskID: "b"})
	trail.Stop()

	assert.Equal(t, 2, store.total())
}
