package delivery

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/dispatchlog"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/infra/broker"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/observability"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]*dispatchlog.Entry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*dispatchlog.Entry)}
}

func (m *memStore) put(entry dispatchlog.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := entry
	m.entries[entry.JobID] = &copied
}

func (m *memStore) Admit(_ context.Context, entry dispatchlog.Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.JobID]; ok {
		return false, nil
	}
	copied := entry
	m.entries[entry.JobID] = &copied
	return true, nil
}

func (m *memStore) MarkPublished(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[jobID]
	if !ok {
		return errs.New("store", errs.CodeNotFound, errs.WithMessage("no entry"))
	}
	entry.Published = true
	return nil
}

func (m *memStore) MarkDelivering(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[jobID]
	if !ok {
		return false, nil
	}
	switch entry.Status {
	case dispatchlog.StatusPending, dispatchlog.StatusDelivering, dispatchlog.StatusDuplicate:
		entry.Status = dispatchlog.StatusDelivering
		return true, nil
	default:
		return false, nil
	}
}

func (m *memStore) RecordAttempt(_ context.Context, jobID string, delivered int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.entries[jobID]
	entry.Attempts++
	if delivered > entry.Delivered {
		entry.Delivered = delivered
	}
	entry.LastError = lastError
	return nil
}

func (m *memStore) MarkSuccess(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[jobID].Status = dispatchlog.StatusSuccess
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, jobID string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.entries[jobID]
	entry.Status = dispatchlog.StatusFailed
	entry.LastError = lastError
	return nil
}

func (m *memStore) MarkDuplicate(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[jobID]; ok && entry.Status == dispatchlog.StatusPending && !entry.Published {
		entry.Status = dispatchlog.StatusDuplicate
	}
	return nil
}

func (m *memStore) Get(_ context.Context, jobID string) (dispatchlog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[jobID]
	if !ok {
		return dispatchlog.Entry{}, errs.New("store", errs.CodeNotFound, errs.WithMessage("no entry"))
	}
	return *entry, nil
}

func (m *memStore) ListRecent(context.Context, int) ([]dispatchlog.Entry, error) {
	return nil, nil
}

type captureRetry struct {
	mu   sync.Mutex
	envs []broker.Envelope
	tier []int
}

func (c *captureRetry) PublishRetry(_ context.Context, env broker.Envelope, attempt int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	c.tier = append(c.tier, attempt)
	return nil
}

func testConfig() Config {
	// Generous rate so limiter waits are instant in tests.
	return Config{Timeout: 2 * time.Second, MaxRetries: 3, RatePerSecond: 1000, RateBurst: 1000}
}

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func TestProcessDeliversAndMarksSuccess(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	store.put(dispatchlog.Entry{JobID: "job-1", URLs: []string{srv.URL}, Status: dispatchlog.StatusPending})
	worker := NewWorker(store, &captureRetry{}, srv.Client(), testConfig(), discard(), nil)

	err := worker.Process(context.Background(), broker.Envelope{JobID: "job-1", Attempts: 1, Body: []byte(`{"k":"v"}`)})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	entry, _ := store.Get(context.Background(), "job-1")
	if entry.Status != dispatchlog.StatusSuccess {
		t.Fatalf("status = %s, want success", entry.Status)
	}
	if entry.Attempts != 1 || entry.Delivered != 1 {
		t.Fatalf("entry = %+v", entry)
	}
	if string(got) != `{"k":"v"}` {
		t.Fatalf("posted body = %s", got)
	}
}

func TestProcessRetriesThenAbandons(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newMemStore()
	store.put(dispatchlog.Entry{JobID: "job-1", URLs: []string{srv.URL}, Status: dispatchlog.StatusPending})
	retry := &captureRetry{}
	worker := NewWorker(store, retry, srv.Client(), testConfig(), discard(), nil)

	// Drive the requeue chain the broker would otherwise provide.
	env := broker.Envelope{JobID: "job-1", Attempts: 1, Body: []byte(`{}`)}
	for i := 0; i < 4; i++ {
		if err := worker.Process(context.Background(), env); err != nil {
			t.Fatalf("process attempt %d: %v", i+1, err)
		}
		if len(retry.envs) > i {
			env = retry.envs[i]
		}
	}

	if len(retry.envs) != 3 {
		t.Fatalf("retries published = %d, want 3", len(retry.envs))
	}
	for i, tier := range retry.tier {
		if tier != i+1 {
			t.Fatalf("retry %d parked in tier %d", i, tier)
		}
		if retry.envs[i].Attempts != int32(i+2) {
			t.Fatalf("retry %d attempts = %d", i, retry.envs[i].Attempts)
		}
	}
	entry, _ := store.Get(context.Background(), "job-1")
	if entry.Status != dispatchlog.StatusFailed {
		t.Fatalf("status = %s, want failed", entry.Status)
	}
	if entry.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", entry.Attempts)
	}
	if entry.LastError == "" {
		t.Fatalf("last error must be recorded")
	}
}

func TestProcessSucceedsOnSecondAttempt(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newMemStore()
	store.put(dispatchlog.Entry{JobID: "job-1", URLs: []string{srv.URL}, Status: dispatchlog.StatusPending})
	retry := &captureRetry{}
	worker := NewWorker(store, retry, srv.Client(), testConfig(), discard(), nil)

	env := broker.Envelope{JobID: "job-1", Attempts: 1, Body: []byte(`{}`)}
	if err := worker.Process(context.Background(), env); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if len(retry.envs) != 1 {
		t.Fatalf("retries = %d, want 1", len(retry.envs))
	}
	if err := worker.Process(context.Background(), retry.envs[0]); err != nil {
		t.Fatalf("second attempt: %v", err)
	}

	entry, _ := store.Get(context.Background(), "job-1")
	if entry.Status != dispatchlog.StatusSuccess {
		t.Fatalf("status = %s, want success", entry.Status)
	}
	if entry.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", entry.Attempts)
	}
}

func TestProcessAbortsAttemptOnFirstFailingURL(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	var secondHit bool
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		secondHit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	store := newMemStore()
	store.put(dispatchlog.Entry{JobID: "job-1", URLs: []string{bad.URL, good.URL}, Status: dispatchlog.StatusPending})
	retry := &captureRetry{}
	worker := NewWorker(store, retry, http.DefaultClient, testConfig(), discard(), nil)

	if err := worker.Process(context.Background(), broker.Envelope{JobID: "job-1", Attempts: 1, Body: []byte(`{}`)}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if secondHit {
		t.Fatalf("second URL must not be called after the first fails")
	}
	entry, _ := store.Get(context.Background(), "job-1")
	if entry.Delivered != 0 {
		t.Fatalf("delivered = %d, want 0", entry.Delivered)
	}
}

func TestProcessDropsTerminalJobs(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hit = true
	}))
	defer srv.Close()

	store := newMemStore()
	store.put(dispatchlog.Entry{JobID: "job-1", URLs: []string{srv.URL}, Status: dispatchlog.StatusSuccess})
	worker := NewWorker(store, &captureRetry{}, srv.Client(), testConfig(), discard(), nil)

	if err := worker.Process(context.Background(), broker.Envelope{JobID: "job-1", Attempts: 1}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if hit {
		t.Fatalf("terminal job must not be posted")
	}
}

func TestProcessDeliversDuplicateFlaggedJobs(t *testing.T) {
	var posts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// A requeued entry carries the duplicate flag; it must still deliver.
	store := newMemStore()
	store.put(dispatchlog.Entry{JobID: "job-1", URLs: []string{srv.URL}, Status: dispatchlog.StatusDuplicate, Published: true})
	worker := NewWorker(store, &captureRetry{}, srv.Client(), testConfig(), discard(), nil)

	if err := worker.Process(context.Background(), broker.Envelope{JobID: "job-1", Attempts: 1, Body: []byte(`{}`)}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if posts != 1 {
		t.Fatalf("posts = %d, want 1", posts)
	}
	entry, _ := store.Get(context.Background(), "job-1")
	if entry.Status != dispatchlog.StatusSuccess {
		t.Fatalf("status = %s, want success", entry.Status)
	}
}

func TestProcessDropsUnknownJobs(t *testing.T) {
	worker := NewWorker(newMemStore(), &captureRetry{}, http.DefaultClient, testConfig(), discard(), nil)
	if err := worker.Process(context.Background(), broker.Envelope{JobID: "missing", Attempts: 1}); err != nil {
		t.Fatalf("process: %v", err)
	}
}

func TestProcessEmitsAbandonTelemetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newMemStore()
	store.put(dispatchlog.Entry{JobID: "job-1", URLs: []string{srv.URL}, Status: dispatchlog.StatusPending})

	bus := observability.NewInMemoryTelemetryBus(4)
	defer bus.Close()
	events, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	worker := NewWorker(store, &captureRetry{}, srv.Client(), testConfig(), discard(), bus)

	// Final attempt beyond the retry budget.
	if err := worker.Process(context.Background(), broker.Envelope{JobID: "job-1", Attempts: 4, Body: []byte(`{}`)}); err != nil {
		t.Fatalf("process: %v", err)
	}
	select {
	case event := <-events:
		if event.JobID != "job-1" {
			t.Fatalf("event = %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("no abandonment event published")
	}
}
