package ingest

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/dispatchlog"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/record"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/infra/broker"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/normalizer"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/poller"
)

type fakeStore struct {
	entries    map[string]*dispatchlog.Entry
	duplicates []string
	admitErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*dispatchlog.Entry)}
}

func (f *fakeStore) Admit(_ context.Context, entry dispatchlog.Entry) (bool, error) {
	if f.admitErr != nil {
		return false, f.admitErr
	}
	if _, ok := f.entries[entry.JobID]; ok {
		return false, nil
	}
	copied := entry
	f.entries[entry.JobID] = &copied
	return true, nil
}

func (f *fakeStore) MarkPublished(_ context.Context, jobID string) error {
	entry, ok := f.entries[jobID]
	if !ok {
		return errs.New("store", errs.CodeNotFound, errs.WithMessage("no entry"))
	}
	entry.Published = true
	return nil
}

func (f *fakeStore) MarkDelivering(context.Context, string) (bool, error) { return true, nil }
func (f *fakeStore) RecordAttempt(context.Context, string, int, string) error {
	return nil
}
func (f *fakeStore) MarkSuccess(context.Context, string) error        { return nil }
func (f *fakeStore) MarkFailed(context.Context, string, string) error { return nil }

func (f *fakeStore) MarkDuplicate(_ context.Context, jobID string) error {
	if entry, ok := f.entries[jobID]; ok && entry.Status == dispatchlog.StatusPending && !entry.Published {
		entry.Status = dispatchlog.StatusDuplicate
		f.duplicates = append(f.duplicates, jobID)
	}
	return nil
}

func (f *fakeStore) Get(_ context.Context, jobID string) (dispatchlog.Entry, error) {
	entry, ok := f.entries[jobID]
	if !ok {
		return dispatchlog.Entry{}, errs.New("store", errs.CodeNotFound, errs.WithMessage("no entry"))
	}
	return *entry, nil
}

func (f *fakeStore) ListRecent(context.Context, int) ([]dispatchlog.Entry, error) {
	return nil, nil
}

type fakePublisher struct {
	published []broker.Envelope
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, env broker.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, env)
	return nil
}

type fakeTargets struct {
	urls []string
	err  error
}

func (f *fakeTargets) TargetURLs(context.Context) (string, []string, error) {
	return "device-1", f.urls, f.err
}

func change(guid string) poller.Change {
	return poller.Change{Message: record.Message{
		GUID:      guid,
		Text:      "hi",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Sender:    &record.Sender{Address: "+15550001111"},
		Conversation: &record.Conversation{
			GUID:  "conv-1",
			Style: record.StyleDirect,
		},
	}}
}

func newIngestor(store *fakeStore, pub *fakePublisher, targets *fakeTargets) *Ingestor {
	return New(store, pub, targets, normalizer.DefaultConfig(), log.New(io.Discard, "", 0))
}

func TestHandleAdmitsAndPublishes(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	ing := newIngestor(store, pub, &fakeTargets{urls: []string{"https://example.test/hook"}})

	if err := ing.Handle(context.Background(), change("m-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	env := pub.published[0]
	if env.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", env.Attempts)
	}
	entry, ok := store.entries[env.JobID]
	if !ok {
		t.Fatalf("no entry admitted for %s", env.JobID)
	}
	if entry.Status != dispatchlog.StatusPending || entry.DeviceID != "device-1" {
		t.Fatalf("entry = %+v", entry)
	}
	if !entry.Published {
		t.Fatalf("entry must be flagged published after the envelope is queued")
	}
	if len(entry.Payload) == 0 {
		t.Fatalf("entry payload empty")
	}
}

func TestHandleIgnoresAlreadyQueuedJobs(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	ing := newIngestor(store, pub, &fakeTargets{urls: []string{"https://example.test/hook"}})

	if err := ing.Handle(context.Background(), change("m-1")); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := ing.Handle(context.Background(), change("m-1")); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	// The queued job stays deliverable: no duplicate flag, status untouched.
	if len(store.duplicates) != 0 {
		t.Fatalf("duplicate flags = %v, want none for a queued job", store.duplicates)
	}
	entry := store.entries[pub.published[0].JobID]
	if entry.Status != dispatchlog.StatusPending {
		t.Fatalf("status = %s, want pending", entry.Status)
	}
}

func TestHandleRequeuesStrandedAdmissions(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{err: errors.New("broker gone")}
	ing := newIngestor(store, pub, &fakeTargets{urls: []string{"https://example.test/hook"}})

	// First detection admits but cannot publish.
	if err := ing.Handle(context.Background(), change("m-1")); err == nil {
		t.Fatalf("expected publish error")
	}
	if len(store.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(store.entries))
	}

	// The broker recovers before the next detection of the same record.
	pub.err = nil
	if err := ing.Handle(context.Background(), change("m-1")); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	entry := store.entries[pub.published[0].JobID]
	if !entry.Published {
		t.Fatalf("requeued entry must be flagged published")
	}
	if entry.Status != dispatchlog.StatusDuplicate {
		t.Fatalf("status = %s, want duplicate flag on the recovered entry", entry.Status)
	}
}

func TestHandleSkipsWithoutTargets(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	ing := newIngestor(store, pub, &fakeTargets{})

	if err := ing.Handle(context.Background(), change("m-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(store.entries) != 0 || len(pub.published) != 0 {
		t.Fatalf("nothing should be admitted without targets")
	}
}

func TestHandlePropagatesStoreErrors(t *testing.T) {
	store := newFakeStore()
	store.admitErr = errors.New("connection refused")
	pub := &fakePublisher{}
	ing := newIngestor(store, pub, &fakeTargets{urls: []string{"https://example.test/hook"}})

	if err := ing.Handle(context.Background(), change("m-1")); err == nil {
		t.Fatalf("expected store error")
	}
	if len(pub.published) != 0 {
		t.Fatalf("must not publish when admission fails")
	}
}

func TestHandleLeavesEntryPendingOnPublishFailure(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{err: errors.New("broker gone")}
	ing := newIngestor(store, pub, &fakeTargets{urls: []string{"https://example.test/hook"}})

	if err := ing.Handle(context.Background(), change("m-1")); err == nil {
		t.Fatalf("expected publish error")
	}
	if len(store.entries) != 1 {
		t.Fatalf("entry should remain admitted")
	}
	for _, entry := range store.entries {
		if entry.Published {
			t.Fatalf("entry must stay unpublished when the queue is unreachable")
		}
	}
}
