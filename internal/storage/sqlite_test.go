package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPutItemWithChunks_Atomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item := testItem("hash-1")
	chunks := []*Chunk{
		{ID: "hash-1:0000", ParentID: "hash-1", Seq: 0, Modality: ModalityText, Text: "hello", VectorSlot: 0},
		{ID: "hash-1:0001", ParentID: "hash-1", Seq: 1, Modality: ModalityText, Text: "world", VectorSlot: 1},
	}

	inserted, err := s.PutItemWithChunks(ctx, item, chunks)
	if err != nil {
		t.Fatalf("PutItemWithChunks: %v", err)
	}
	if !inserted {
		t.Fatal("first write reported duplicate")
	}

	// Same content again is a duplicate: nothing changes.
	inserted, err = s.PutItemWithChunks(ctx, item, chunks)
	if err != nil {
		t.Fatalf("PutItemWithChunks repeat: %v", err)
	}
	if inserted {
		t.Error("repeat write not reported as duplicate")
	}

	// A failing chunk insert rolls the item row back too.
	bad := testItem("hash-2")
	badChunks := []*Chunk{
		{ID: "hash-2:0000", ParentID: "hash-2", Seq: 0, Modality: ModalityText, VectorSlot: 1}, // slot taken
	}
	if _, err := s.PutItemWithChunks(ctx, bad, badChunks); err == nil {
		t.Fatal("expected unique constraint violation")
	}
	if _, err := s.GetItem(ctx, "hash-2"); err != ErrNotFound {
		t.Errorf("item row survived failed chunk write: err = %v", err)
	}
}

func TestPutItemWithChunks_CompletesChunklessRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// An item row without chunks is an interrupted write; a retry with the
	// same id must complete it rather than report a duplicate.
	if _, err := s.PutItem(ctx, testItem("hash-1")); err != nil {
		t.Fatalf("PutItem: %v", err)
	}

	chunks := []*Chunk{
		{ID: "hash-1:0000", ParentID: "hash-1", Seq: 0, Modality: ModalityText, Text: "hello", VectorSlot: 0},
	}
	inserted, err := s.PutItemWithChunks(ctx, testItem("hash-1"), chunks)
	if err != nil {
		t.Fatalf("PutItemWithChunks: %v", err)
	}
	if !inserted {
		t.Fatal("chunkless row was treated as a committed duplicate")
	}

	got, err := s.ListChunks(ctx, "hash-1")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("chunks = %d, want 1", len(got))
	}
}

func TestQueryItems_SubSecondOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Stored timestamps are compared as strings, so fractional seconds must
	// encode fixed-width or whole-second values sort after fractional ones.
	whole := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	frac := whole.Add(500 * time.Millisecond)

	early := testItem("hash-whole")
	early.CreatedAt = whole
	late := testItem("hash-frac")
	late.CreatedAt = frac
	for _, item := range []*MemoryItem{early, late} {
		if _, err := s.PutItem(ctx, item); err != nil {
			t.Fatalf("PutItem: %v", err)
		}
	}

	since, err := s.QueryItems(ctx, Filter{Since: whole.Add(250 * time.Millisecond)})
	if err != nil {
		t.Fatalf("QueryItems since: %v", err)
	}
	if len(since) != 1 || since[0].ID != "hash-frac" {
		t.Errorf("since filter returned %+v, want only hash-frac", since)
	}

	all, err := s.QueryItems(ctx, Filter{})
	if err != nil {
		t.Fatalf("QueryItems: %v", err)
	}
	if len(all) != 2 || all[0].ID != "hash-frac" || all[1].ID != "hash-whole" {
		t.Errorf("ordering = %v, want hash-frac before hash-whole", []string{all[0].ID, all[1].ID})
	}

	got, err := s.GetItem(ctx, "hash-frac")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if !got.CreatedAt.Equal(frac) {
		t.Errorf("round-tripped CreatedAt = %v, want %v", got.CreatedAt, frac)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testItem(id string) *MemoryItem {
	return &MemoryItem{
		ID:          id,
		CreatedAt:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		ContentType: TypeText,
		Source:      SourceClipboard,
		Preview:     "hello world",
		Attributes:  map[string]string{"lang": "en"},
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestIndexesExist verifies the migration created the expected indexes.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_memory_items_content_type", "idx_memory_items_source", "idx_memory_items_created",
		"idx_chunks_parent", "idx_chunks_modality_slot", "idx_jobs_status_run_after",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master: %v", err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestPutItem_Dedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.PutItem(ctx, testItem("hash-1"))
	if err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	if !inserted {
		t.Fatal("first PutItem should insert")
	}

	inserted, err = s.PutItem(ctx, testItem("hash-1"))
	if err != nil {
		t.Fatalf("second PutItem: %v", err)
	}
	if inserted {
		t.Error("duplicate PutItem should be a no-op")
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Items != 1 {
		t.Errorf("Items = %d, want 1", stats.Items)
	}
}

func TestGetItem_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := testItem("hash-2")
	if _, err := s.PutItem(ctx, want); err != nil {
		t.Fatalf("PutItem: %v", err)
	}

	got, err := s.GetItem(ctx, "hash-2")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.ContentType != want.ContentType || got.Source != want.Source || got.Preview != want.Preview {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	if got.Attributes["lang"] != "en" {
		t.Errorf("Attributes = %v", got.Attributes)
	}
}

func TestGetItem_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetItem(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestQueryItems_Filter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		item := testItem(fmt.Sprintf("hash-%d", i))
		item.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if i%2 == 0 {
			item.ContentType = TypeURL
			item.Source = SourceBrowser
		}
		if _, err := s.PutItem(ctx, item); err != nil {
			t.Fatalf("PutItem: %v", err)
		}
	}

	urls, err := s.QueryItems(ctx, Filter{ContentType: TypeURL})
	if err != nil {
		t.Fatalf("QueryItems: %v", err)
	}
	if len(urls) != 3 {
		t.Errorf("url items = %d, want 3", len(urls))
	}

	recent, err := s.QueryItems(ctx, Filter{Since: base.Add(3 * time.Hour)})
	if err != nil {
		t.Fatalf("QueryItems since: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("recent items = %d, want 2", len(recent))
	}

	limited, err := s.QueryItems(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("QueryItems limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited items = %d, want 2", len(limited))
	}
	// Newest first.
	if limited[0].CreatedAt.Before(limited[1].CreatedAt) {
		t.Error("items not ordered newest first")
	}
}

func TestChunks_RoundTripOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.PutItem(ctx, testItem("parent")); err != nil {
		t.Fatalf("PutItem: %v", err)
	}

	chunks := []*Chunk{
		{ID: "parent:0002", ParentID: "parent", Seq: 2, Modality: ModalityText, Text: "c", SpanStart: 20, SpanEnd: 30, VectorSlot: 2},
		{ID: "parent:0000", ParentID: "parent", Seq: 0, Modality: ModalityText, Text: "a", SpanStart: 0, SpanEnd: 10, VectorSlot: 0},
		{ID: "parent:0001", ParentID: "parent", Seq: 1, Modality: ModalityVisual, FrameRef: "img.png", VectorSlot: 0},
	}
	if err := s.PutChunks(ctx, chunks); err != nil {
		t.Fatalf("PutChunks: %v", err)
	}

	got, err := s.ListChunks(ctx, "parent")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	for i, c := range got {
		if c.Seq != i {
			t.Errorf("chunk %d has seq %d, not ordered", i, c.Seq)
		}
	}
	if got[1].Modality != ModalityVisual || got[1].FrameRef != "img.png" {
		t.Errorf("visual chunk mangled: %+v", got[1])
	}
}

func TestPutChunks_SlotCollisionRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Two text chunks claiming the same vector slot must fail atomically.
	chunks := []*Chunk{
		{ID: "a:0000", ParentID: "a", Seq: 0, Modality: ModalityText, VectorSlot: 7},
		{ID: "b:0000", ParentID: "b", Seq: 0, Modality: ModalityText, VectorSlot: 7},
	}
	if err := s.PutChunks(ctx, chunks); err == nil {
		t.Fatal("expected unique constraint violation")
	}

	got, err := s.GetChunksByIDs(ctx, []string{"a:0000", "b:0000"})
	if err != nil {
		t.Fatalf("GetChunksByIDs: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("partial write survived: %v", got)
	}
}

func TestDeleteItem_Cascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.PutItem(ctx, testItem("gone")); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	chunks := []*Chunk{
		{ID: "gone:0000", ParentID: "gone", Seq: 0, Modality: ModalityText, VectorSlot: 0},
		{ID: "gone:0001", ParentID: "gone", Seq: 1, Modality: ModalityText, VectorSlot: 1},
	}
	if err := s.PutChunks(ctx, chunks); err != nil {
		t.Fatalf("PutChunks: %v", err)
	}

	if err := s.DeleteItem(ctx, "gone"); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}

	if _, err := s.GetItem(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("item still present: %v", err)
	}
	remaining, err := s.ListChunks(ctx, "gone")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("chunks not cascaded: %d left", len(remaining))
	}
}

func TestAllChunks_OrderedBySlot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks := []*Chunk{
		{ID: "x:0001", ParentID: "x", Seq: 1, Modality: ModalityText, VectorSlot: 1},
		{ID: "y:0000", ParentID: "y", Seq: 0, Modality: ModalityText, VectorSlot: 0},
		{ID: "z:0000", ParentID: "z", Seq: 0, Modality: ModalityVisual, VectorSlot: 0},
	}
	if err := s.PutChunks(ctx, chunks); err != nil {
		t.Fatalf("PutChunks: %v", err)
	}

	text, err := s.AllChunks(ctx, ModalityText)
	if err != nil {
		t.Fatalf("AllChunks: %v", err)
	}
	if len(text) != 2 || text[0].VectorSlot != 0 || text[1].VectorSlot != 1 {
		t.Errorf("text chunks wrong order: %+v", text)
	}
}

func TestUpdateChunkSlots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutChunks(ctx, []*Chunk{
		{ID: "m:0000", ParentID: "m", Seq: 0, Modality: ModalityText, VectorSlot: 5},
	}); err != nil {
		t.Fatalf("PutChunks: %v", err)
	}

	if err := s.UpdateChunkSlots(ctx, map[string]int{"m:0000": 0}); err != nil {
		t.Fatalf("UpdateChunkSlots: %v", err)
	}

	got, err := s.GetChunksByIDs(ctx, []string{"m:0000"})
	if err != nil {
		t.Fatalf("GetChunksByIDs: %v", err)
	}
	if got["m:0000"].VectorSlot != 0 {
		t.Errorf("slot = %d, want 0", got["m:0000"].VectorSlot)
	}
}

func TestStats_CountsPerModality(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.PutItem(ctx, testItem("s1")); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	if err := s.PutChunks(ctx, []*Chunk{
		{ID: "s1:0000", ParentID: "s1", Seq: 0, Modality: ModalityText, VectorSlot: 0},
		{ID: "s1:0001", ParentID: "s1", Seq: 1, Modality: ModalityText, VectorSlot: 1},
		{ID: "s1:0002", ParentID: "s1", Seq: 2, Modality: ModalityVisual, VectorSlot: 0},
	}); err != nil {
		t.Fatalf("PutChunks: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Items != 1 || stats.TextChunks != 2 || stats.VisualChunks != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestJobQueue_ClaimAndComplete(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: "job-1", Type: "ingest_item", PayloadJSON: `{"id":"hash-1"}`}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"ingest_item"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "job-1" || got.Status != "running" {
		t.Errorf("claimed job = %+v", got)
	}

	// Claimed job must not be claimable again.
	again, err := s.ClaimNextJob([]string{"ingest_item"})
	if err != nil {
		t.Fatalf("second ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("claimed running job: %+v", again)
	}

	if err := s.CompleteJob("job-1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
}

func TestJobQueue_FailRetriesWithBackoff(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: "job-2", Type: "ingest_item", PayloadJSON: `{}`, MaxAttempts: 2}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"ingest_item"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	if err := s.FailJob("job-2", "embedder down"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	// First failure: back to pending with a future run_after.
	var status, runAfter string
	if err := s.db.QueryRow("SELECT status, run_after FROM jobs WHERE id = 'job-2'").Scan(&status, &runAfter); err != nil {
		t.Fatalf("querying job: %v", err)
	}
	if status != "pending" {
		t.Errorf("status = %q, want pending", status)
	}
	ra, err := time.Parse(time.RFC3339, runAfter)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !ra.After(time.Now().UTC()) {
		t.Error("run_after not pushed into the future")
	}

	// Second failure exhausts max_attempts.
	if err := s.FailJob("job-2", "embedder still down"); err != nil {
		t.Fatalf("second FailJob: %v", err)
	}
	if err := s.db.QueryRow("SELECT status FROM jobs WHERE id = 'job-2'").Scan(&status); err != nil {
		t.Fatalf("querying job: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}
}
