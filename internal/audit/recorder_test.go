package audit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/estatedesk/internal/logging"
)

// failingStore simulates an audit storage outage.
type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (f *failingStore) Append(context.Context, *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("audit store unavailable")
}

func (f *failingStore) List(context.Context, Filter) ([]*Entry, error) { return nil, nil }

// blockingStore holds every append until release is closed.
type blockingStore struct {
	*MemoryStore
	release chan struct{}
}

func (b *blockingStore) Append(ctx context.Context, e *Entry) error {
	<-b.release
	return b.MemoryStore.Append(ctx, e)
}

func TestRecordAction_Persists(t *testing.T) {
	store := NewMemoryStore()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRecorder(store, logging.Discard(), WithRecorderClock(func() time.Time { return at }))

	details := map[string]any{"amount": 100}
	r.RecordAction(context.Background(), "usr_1", "org_1", "PAYMENT_RECEIVED", details)
	details["amount"] = 999 // caller mutation after submit
	r.Wait()

	entries, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "usr_1", e.ActorID)
	assert.Equal(t, "org_1", e.OrganizationID)
	assert.Equal(t, "PAYMENT_RECEIVED", e.Action)
	assert.Equal(t, 100, e.Details["amount"])
	assert.Equal(t, at, e.Timestamp)
}

func TestRecordAction_DoesNotBlockCaller(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	r := NewRecorder(store, logging.Discard())

	done := make(chan struct{})
	go func() {
		r.RecordAction(context.Background(), "usr_1", "org_1", "USER_LOGIN", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RecordAction blocked on the store")
	}
	assert.Zero(t, store.Len())

	close(store.release)
	r.Wait()
	assert.Equal(t, 1, store.Len())
}

func TestRecordAction_FailureIsLoggedAndSwallowed(t *testing.T) {
	var logs bytes.Buffer
	store := &failingStore{}
	r := NewRecorder(store, logging.NewWithWriter(&logs, "debug", "json"))

	assert.NotPanics(t, func() {
		r.RecordAction(context.Background(), "usr_1", "org_1", "PAYMENT_RECEIVED", map[string]any{"amount": 100})
	})
	r.Wait()

	assert.Equal(t, 1, store.calls)
	assert.Contains(t, logs.String(), "audit log write failed")
	assert.Contains(t, logs.String(), "PAYMENT_RECEIVED")
}

func TestRecordAction_SurvivesCanceledRequest(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.RecordAction(ctx, "usr_1", "org_1", "PROPERTY_CREATE", nil)
	r.Wait()

	assert.Equal(t, 1, store.Len())
}

func TestRecord_InvalidEntryDropped(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, logging.Discard())

	r.Record(context.Background(), Entry{Action: "NO_ACTOR"})
	r.Wait()
	assert.Zero(t, store.Len())
}

func TestRecorder_WriteTimeout(t *testing.T) {
	store := &slowStore{}
	r := NewRecorder(store, logging.Discard(), WithWriteTimeout(20*time.Millisecond))

	r.RecordAction(context.Background(), "usr_1", "org_1", "SLOW", nil)
	r.Wait()
	assert.ErrorIs(t, store.err, context.DeadlineExceeded)
}

type slowStore struct {
	MemoryStore
	err error
}

func (s *slowStore) Append(ctx context.Context, _ *Entry) error {
	<-ctx.Done()
	s.err = ctx.Err()
	return s.err
}

func TestRecorder_WaitContext(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	r := NewRecorder(store, logging.Discard())
	r.RecordAction(context.Background(), "usr_1", "org_1", "X", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.WaitContext(ctx), context.DeadlineExceeded)

	close(store.release)
	assert.NoError(t, r.WaitContext(context.Background()))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() { r.RecordAction(context.Background(), "usr_1", "", "X", nil) })
}
