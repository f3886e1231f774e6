package data

import (
	"sort"
	"testing"
)

func TestQuantize(t *testing.T) {
	values := []float64{0.5, 1, 1.5, 0.99, 3, 1}
	got := Quantize(values, []float64{1})
	want := []int{0, 1, 1, 0, 1, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Quantize = %v, want %v", got, want)
		}
	}

	// monotonic: a <= b implies bin(a) <= bin(b)
	bins := []float64{2, 0.5, 1}
	sorted := []float64{0.1, 0.5, 0.7, 1, 1.9, 2, 5}
	ids := Quantize(sorted, bins)
	for i := 1; i < len(ids); i++ {
		if ids[i] < ids[i-1] {
			t.Fatalf("Quantize not monotonic: %v -> %v", sorted, ids)
		}
	}
	if ids[0] != 0 || ids[len(ids)-1] != 3 {
		t.Errorf("edge bins = %v", ids)
	}
}

func TestGroupedRandomSamplerNeverMixesGroups(t *testing.T) {
	groups := []int{0, 1, 0, 1, 1, 0, 0, 1, 1, 0, 1}
	s, err := NewGroupedRandomSampler(groups, 2, 1, 0, 9)
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for pass := 0; pass < 5; pass++ {
		for _, batch := range s.Pass() {
			if len(batch) != 2 {
				t.Fatalf("batch %v has wrong size", batch)
			}
			if s.GroupOf(batch[0]) != s.GroupOf(batch[1]) {
				t.Fatalf("batch %v mixes groups", batch)
			}
			total += len(batch)
		}
	}
	// leftovers carry over, so at most one pending index per group is lost
	if total < 5*len(groups)-2 {
		t.Errorf("only %d of %d indices batched", total, 5*len(groups))
	}
}

func TestRandomSamplerDropLast(t *testing.T) {
	s, err := NewRandomSampler(7, 3, true, 1, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	batches := s.Pass()
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	seen := map[int]bool{}
	for _, b := range batches {
		if len(b) != 3 {
			t.Errorf("batch %v not full", b)
		}
		for _, i := range b {
			if seen[i] {
				t.Errorf("index %d repeated within a pass", i)
			}
			seen[i] = true
		}
	}

	keep, _ := NewRandomSampler(7, 3, false, 1, 0, 1)
	if b := keep.Pass(); len(b) != 3 || len(b[2]) != 1 {
		t.Errorf("without dropLast got %v", b)
	}
}

func TestShardingCoversDatasetOnce(t *testing.T) {
	const n, world = 10, 3
	var all []int
	for rank := 0; rank < world; rank++ {
		s, err := NewRandomSampler(n, 1, false, world, rank, 5)
		if err != nil {
			t.Fatal(err)
		}
		batches := s.Pass()
		if len(batches) != 4 {
			t.Fatalf("rank %d: %d batches, want 4", rank, len(batches))
		}
		for _, b := range batches {
			all = append(all, b...)
		}
	}
	sort.Ints(all)
	seen := map[int]bool{}
	for _, i := range all {
		seen[i] = true
	}
	if len(all) != 12 || len(seen) != n {
		t.Errorf("ranks drew %v", all)
	}
}

func TestInfiniteStartsNewPasses(t *testing.T) {
	s, _ := NewRandomSampler(4, 2, true, 1, 0, 3)
	it := NewInfinite(s, 3)

	first := map[int]bool{}
	for step := 0; step < 5; step++ {
		b, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if step < 2 {
			for _, i := range b {
				first[i] = true
			}
		}
	}
	if len(first) != 4 {
		t.Errorf("first pass covered %v", first)
	}
	if it.Passes() != 3 {
		t.Errorf("Passes = %d, want 3", it.Passes())
	}
}

func TestInfiniteGivesUpOnEmptyPasses(t *testing.T) {
	s, _ := NewRandomSampler(2, 4, true, 1, 0, 3)
	it := NewInfinite(s, 5)
	if _, err := it.Next(); err == nil {
		t.Fatal("Next on a dataset smaller than a batch succeeded")
	}
	if it.Passes() != 5 {
		t.Errorf("Passes = %d, want 5", it.Passes())
	}

	// grouped leftovers fill up after enough passes
	g, _ := NewGroupedRandomSampler([]int{0, 1}, 3, 1, 0, 3)
	it = NewInfinite(g, 4)
	b, err := it.Next()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 3 || b[0] != b[1] || b[1] != b[2] {
		t.Errorf("grouped batch = %v", b)
	}
}

func TestSamplerArgs(t *testing.T) {
	if _, err := NewRandomSampler(0, 1, true, 1, 0, 0); err == nil {
		t.Error("empty dataset accepted")
	}
	if _, err := NewRandomSampler(3, 0, true, 1, 0, 0); err == nil {
		t.Error("zero batch size accepted")
	}
	if _, err := NewGroupedRandomSampler([]int{0}, 1, 2, 2, 0); err == nil {
		t.Error("rank outside world accepted")
	}
}
