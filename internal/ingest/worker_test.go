package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/recallos/recall/internal/memstore"
	"github.com/recallos/recall/internal/storage"
)

type mockIngester struct {
	mu       sync.Mutex
	records  []*memstore.Record
	ingestFn func(ctx context.Context, rec *memstore.Record) (*memstore.Result, error)
}

func (m *mockIngester) Ingest(ctx context.Context, rec *memstore.Record) (*memstore.Result, error) {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	if m.ingestFn != nil {
		return m.ingestFn(ctx, rec)
	}
	return &memstore.Result{ItemID: "item-1", Status: memstore.StatusIngested}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord() *memstore.Record {
	return &memstore.Record{
		ContentType: storage.TypeText,
		Source:      storage.SourceClipboard,
		Text:        "queued note",
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	ingester := &mockIngester{}
	w := NewWorker(store, ingester, 0)

	jobID, err := Enqueue(store, testRecord())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce processed no job")
	}

	if len(ingester.records) != 1 || ingester.records[0].Text != "queued note" {
		t.Fatalf("ingested records = %+v", ingester.records)
	}

	// Job must be completed, not claimable again.
	again, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if again {
		t.Errorf("completed job %s was claimed again", jobID)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)

	var calls int
	ingester := &mockIngester{
		ingestFn: func(ctx context.Context, rec *memstore.Record) (*memstore.Result, error) {
			calls++
			if calls == 1 {
				return nil, &memstore.IngestionError{Reason: "transient", Err: errors.New("engine down")}
			}
			return &memstore.Result{ItemID: "item-1", Status: memstore.StatusIngested}, nil
		},
	}
	w := NewWorker(store, ingester, 0)

	if _, err := Enqueue(store, testRecord()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce processed no job")
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}

	// Failed job is rescheduled with backoff, so it is not yet due.
	done, err = w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce after failure: %v", err)
	}
	if done {
		t.Error("backed-off job claimed immediately")
	}
}

func TestWorker_MalformedPayloadFails(t *testing.T) {
	store := openTestStore(t)
	ingester := &mockIngester{}
	w := NewWorker(store, ingester, 0)

	if err := store.EnqueueJob(storage.Job{ID: "bad", Type: JobType, PayloadJSON: "{not json", MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce processed no job")
	}
	if len(ingester.records) != 0 {
		t.Errorf("malformed payload reached the manager")
	}
}
