package vector

import (
	"math"
	"path/filepath"
	"testing"

	matomeerrors "github.com/hyperjump/matome/internal/errors"
)

func unit(v ...float32) []float32 {
	var s float64
	for _, x := range v {
		s += float64(x * x)
	}
	n := float32(math.Sqrt(s))
	for i := range v {
		v[i] /= n
	}
	return v
}

func TestMemoryIndex_AddSearch(t *testing.T) {
	idx, err := NewMemoryIndex(3)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	for id, v := range map[string][]float32{
		"a": unit(1, 0, 0),
		"b": unit(0.9, 0.1, 0),
		"c": unit(0, 1, 0),
	} {
		if err := idx.Add(id, v); err != nil {
			t.Fatal(err)
		}
	}
	if idx.Len() != 3 {
		t.Errorf("Len=%d", idx.Len())
	}

	results, err := idx.Search([]float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" || results[1].ID != "b" {
		t.Errorf("order = %s,%s, want a,b", results[0].ID, results[1].ID)
	}
}

func TestMemoryIndex_DuplicateAndDimension(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	if err := idx.Add("1", unit(1, 0)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add("1", unit(0, 1)); !matomeerrors.Is(err, matomeerrors.ErrDuplicateID) {
		t.Errorf("expected DUPLICATE_ID, got %v", err)
	}
	if err := idx.Add("2", []float32{1, 0, 0}); !matomeerrors.Is(err, matomeerrors.ErrInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestMemoryIndex_MaxSimilarityAndIsNew(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	if !math.IsInf(idx.MaxSimilarity(unit(1, 0)), -1) {
		t.Error("empty index should report -Inf")
	}
	if !idx.IsNew(unit(1, 0), 0.8) {
		t.Error("everything is new in an empty index")
	}
	_ = idx.Add("1", unit(1, 0))

	same := unit(1, 0)
	if s := idx.MaxSimilarity(same); math.Abs(s-1) > 1e-6 {
		t.Errorf("MaxSimilarity=%v, want 1", s)
	}
	if idx.IsNew(same, 0.8) {
		t.Error("identical vector must not be new")
	}
	if !idx.IsNew(unit(0, 1), 0.8) {
		t.Error("orthogonal vector must be new")
	}
	// strict: similarity exactly at threshold is not new
	if idx.IsNew(same, 1.0-1e-9) {
		t.Error("similarity at threshold is not new")
	}
}

func TestMemoryIndex_BatchAddIfNewSeesEarlierSurvivors(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	_ = idx.Add("0", unit(0, 1))

	added, err := idx.BatchAddIfNew(
		[]string{"1", "2", "3"},
		[][]float32{unit(1, 0), unit(1, 0.01), unit(0.01, 1)},
		0.8,
	)
	if err != nil {
		t.Fatal(err)
	}
	want := []bool{true, false, false}
	for i := range want {
		if added[i] != want[i] {
			t.Errorf("added[%d]=%v, want %v", i, added[i], want[i])
		}
	}
	if idx.Len() != 2 {
		t.Errorf("Len=%d, want 2", idx.Len())
	}
	if idx.Contains("2") {
		t.Error("rejected id must not be stored")
	}
}

func TestMemoryIndex_SlabGrowth(t *testing.T) {
	idx, _ := NewMemoryIndex(2, WithGrowChunk(3))
	if idx.Capacity() != 0 {
		t.Fatalf("initial capacity %d", idx.Capacity())
	}
	_ = idx.Add("a", unit(1, 0))
	if idx.Capacity() != 4 { // need 1 + chunk 3
		t.Errorf("capacity after first add = %d, want 4", idx.Capacity())
	}
	for i, id := range []string{"b", "c", "d"} {
		_ = idx.Add(id, unit(float32(i), 1))
	}
	if idx.Capacity() != 4 {
		t.Errorf("capacity should not change while room remains, got %d", idx.Capacity())
	}
	_ = idx.Add("e", unit(1, 1))
	if idx.Capacity() != 8 { // max(5+3, 4*1.5=6)
		t.Errorf("capacity after growth = %d, want 8", idx.Capacity())
	}

	big, _ := NewMemoryIndex(1, WithInitialCapacity(100), WithGrowChunk(1))
	for i := 0; i < 101; i++ {
		_ = big.Add(string(rune('A'+i%26))+string(rune('0'+i/26)), []float32{1})
	}
	if big.Capacity() != 150 {
		t.Errorf("capacity = %d, want 150 (1.5x)", big.Capacity())
	}
}

func TestMemoryIndex_Remove(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	_ = idx.Add("a", unit(1, 0))
	_ = idx.Add("b", unit(0, 1))
	_ = idx.Add("c", unit(1, 1))
	idx.Remove("a")
	idx.Remove("missing")
	if idx.Len() != 2 || idx.Contains("a") {
		t.Fatalf("Len=%d contains(a)=%v", idx.Len(), idx.Contains("a"))
	}
	res, _ := idx.Search(unit(1, 1), 1)
	if res[0].ID != "c" {
		t.Errorf("moved row lost its vector: top=%s", res[0].ID)
	}
	if err := idx.Add("a", unit(1, 0)); err != nil {
		t.Errorf("re-adding removed id: %v", err)
	}
}

func TestMemoryIndex_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx", "vectors.bin")
	idx, _ := NewMemoryIndex(3)
	_ = idx.Add("1", unit(1, 2, 3))
	_ = idx.Add("meta-2", unit(3, 2, 1))
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, _ := NewMemoryIndex(3)
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	if loaded.Len() != 2 || !loaded.Contains("meta-2") {
		t.Fatalf("Len=%d", loaded.Len())
	}
	res, _ := loaded.Search(unit(3, 2, 1), 1)
	if res[0].ID != "meta-2" || math.Abs(res[0].Score-1) > 1e-6 {
		t.Errorf("top = %+v", res[0])
	}

	wrong, _ := NewMemoryIndex(4)
	if err := wrong.Load(path); err == nil {
		t.Error("expected dimension mismatch error")
	}
	if err := loaded.Load(filepath.Join(t.TempDir(), "missing.bin")); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}
	if loaded.Len() != 2 {
		t.Error("missing file must leave index unchanged")
	}
}
