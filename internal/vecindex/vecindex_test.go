package vecindex

import (
	"errors"
	"fmt"
	"testing"
)

func makeVec(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

func TestAddAssignsDenseSlots(t *testing.T) {
	x := New(4, MetricL2)
	for i := 0; i < 5; i++ {
		slot, err := x.Add(fmt.Sprintf("c%d", i), makeVec(4, float32(i)))
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if slot != i {
			t.Errorf("slot = %d, want %d", slot, i)
		}
	}
	if x.Size() != 5 {
		t.Errorf("Size() = %d, want 5", x.Size())
	}
	if id, ok := x.IDAt(3); !ok || id != "c3" {
		t.Errorf("IDAt(3) = %q, %v; want c3, true", id, ok)
	}
}

func TestAddDimensionMismatch(t *testing.T) {
	x := New(4, MetricL2)
	_, err := x.Add("c0", makeVec(3, 0))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
	if x.Size() != 0 {
		t.Errorf("Size() = %d after failed add, want 0", x.Size())
	}
}

func TestSearchL2_OrderedAscending(t *testing.T) {
	x := New(2, MetricL2)
	x.Add("far", []float32{10, 10})
	x.Add("near", []float32{1, 1})
	x.Add("exact", []float32{0, 0})

	hits, err := x.Search([]float32{0, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	want := []string{"exact", "near", "far"}
	for i, w := range want {
		if hits[i].ID != w {
			t.Errorf("hit %d = %q, want %q", i, hits[i].ID, w)
		}
	}
	if hits[0].Score != 0 {
		t.Errorf("exact match score = %f, want 0", hits[0].Score)
	}
}

func TestSearchIP_OrderedDescending(t *testing.T) {
	x := New(2, MetricIP)
	x.Add("orthogonal", []float32{0, 1})
	x.Add("aligned", []float32{5, 0}) // magnitude irrelevant after normalization
	x.Add("opposite", []float32{-1, 0})

	hits, err := x.Search([]float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"aligned", "orthogonal", "opposite"}
	for i, w := range want {
		if hits[i].ID != w {
			t.Errorf("hit %d = %q, want %q", i, hits[i].ID, w)
		}
	}
	if hits[0].Score < 0.999 {
		t.Errorf("aligned similarity = %f, want ~1", hits[0].Score)
	}
}

func TestSearchTiesBrokenByLowerSlot(t *testing.T) {
	x := New(2, MetricL2)
	x.Add("first", []float32{1, 0})
	x.Add("second", []float32{1, 0})
	x.Add("third", []float32{1, 0})

	hits, err := x.Search([]float32{0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits[0].ID != "first" || hits[1].ID != "second" {
		t.Errorf("tie order = [%s %s], want [first second]", hits[0].ID, hits[1].ID)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	x := New(4, MetricL2)
	hits, err := x.Search(makeVec(4, 0), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits != nil {
		t.Errorf("got %d hits from empty index, want none", len(hits))
	}
}

func TestSearchKLargerThanSize(t *testing.T) {
	x := New(2, MetricL2)
	x.Add("only", []float32{1, 2})
	hits, err := x.Search([]float32{0, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "only" {
		t.Errorf("hits = %+v, want single 'only'", hits)
	}
}

func TestTruncateTo(t *testing.T) {
	x := New(2, MetricL2)
	x.Add("a", []float32{1, 1})
	x.Add("b", []float32{2, 2})
	x.Add("c", []float32{3, 3})

	x.TruncateTo(1)
	if x.Size() != 1 {
		t.Fatalf("Size() = %d after truncate, want 1", x.Size())
	}
	hits, err := x.Search([]float32{0, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "a" {
		t.Errorf("hits after truncate = %+v, want only 'a'", hits)
	}

	// Slots are reassigned densely after rollback.
	slot, err := x.Add("d", []float32{4, 4})
	if err != nil {
		t.Fatalf("Add after truncate: %v", err)
	}
	if slot != 1 {
		t.Errorf("slot = %d after truncate, want 1", slot)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	x := New(3, MetricIP)
	x.Add("a", []float32{1, 0, 0})
	x.Add("b", []float32{0, 1, 0})
	if err := x.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	y := New(3, MetricIP)
	if err := y.Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if y.Size() != 2 {
		t.Fatalf("Size() = %d after load, want 2", y.Size())
	}
	hits, err := y.Search([]float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits[0].ID != "a" {
		t.Errorf("top hit = %q, want a", hits[0].ID)
	}
}

func TestLoadMissingFilesLeavesEmpty(t *testing.T) {
	x := New(3, MetricL2)
	if err := x.Load(t.TempDir()); err != nil {
		t.Fatalf("Load on empty dir: %v", err)
	}
	if x.Size() != 0 {
		t.Errorf("Size() = %d, want 0", x.Size())
	}
}

func TestLoadDetectsStaleMapping(t *testing.T) {
	dir := t.TempDir()

	x := New(2, MetricL2)
	x.Add("a", []float32{1, 1})
	if err := x.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Grow the index and rewrite only the vector file, simulating a crash
	// between the vector flush and the mapping write.
	x.Add("b", []float32{2, 2})
	x.mu.RLock()
	data := x.encodeVectors()
	x.mu.RUnlock()
	if err := writeAtomic(dir+"/"+vectorsFile, data); err != nil {
		t.Fatalf("writing vectors: %v", err)
	}

	y := New(2, MetricL2)
	err := y.Load(dir)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestLoadDetectsDimensionMismatch(t *testing.T) {
	dir := t.TempDir()

	x := New(2, MetricL2)
	x.Add("a", []float32{1, 1})
	if err := x.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	y := New(4, MetricL2)
	err := y.Load(dir)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestLoadDetectsMetricMismatch(t *testing.T) {
	dir := t.TempDir()

	x := New(2, MetricIP)
	x.Add("a", []float32{1, 1})
	if err := x.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	y := New(2, MetricL2)
	err := y.Load(dir)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}
