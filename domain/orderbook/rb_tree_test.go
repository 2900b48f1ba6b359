package orderbook

import (
	"math/rand"
	"testing"

	"perpcore/domain/fixed"
)

func TestLevelTreeInsertFindDelete(t *testing.T) {
	tree := NewLevelTree()
	pl1 := tree.Upsert(100, fixed.FromInt(100))
	if pl1 == nil {
		t.Fatal("Upsert failed")
	}
	if pl2 := tree.Find(100); pl2 != pl1 {
		t.Error("Find did not return same PriceLevel")
	}

	tree.Upsert(200, fixed.FromInt(200))
	if tree.Min().Tick != 100 {
		t.Error("expected min=100")
	}
	if tree.Max().Tick != 200 {
		t.Error("expected max=200")
	}

	if !tree.Delete(100) {
		t.Error("Delete failed")
	}
	if tree.Find(100) != nil {
		t.Error("expected level 100 to be gone")
	}
	if tree.Size() != 1 {
		t.Errorf("size = %d; want 1", tree.Size())
	}
}

// --- Edge Cases ---

func TestDeleteNonExistentLevel(t *testing.T) {
	tree := NewLevelTree()
	if tree.Delete(123) {
		t.Error("expected false when deleting non-existent level")
	}
}

func TestEmptyTreeMinMax(t *testing.T) {
	tree := NewLevelTree()
	if tree.Min() != nil || tree.Max() != nil {
		t.Error("expected nil for min/max on empty tree")
	}
}

func TestUpsertDuplicateLevel(t *testing.T) {
	tree := NewLevelTree()
	pl1 := tree.Upsert(150, fixed.FromInt(150))
	pl2 := tree.Upsert(150, fixed.FromInt(150))
	if pl1 != pl2 {
		t.Error("Upsert should return the same node for duplicate level")
	}
}

func TestLevelTreeOrderingUnderChurn(t *testing.T) {
	tree := NewLevelTree()
	rng := rand.New(rand.NewSource(7))
	live := map[int64]bool{}

	for i := 0; i < 2000; i++ {
		k := rng.Int63n(300)
		if rng.Intn(3) == 0 {
			if tree.Delete(k) != live[k] {
				t.Fatalf("delete(%d) disagreed with reference", k)
			}
			delete(live, k)
		} else {
			tree.Upsert(k, fixed.FromInt(k))
			live[k] = true
		}
	}

	if tree.Size() != len(live) {
		t.Fatalf("size = %d; want %d", tree.Size(), len(live))
	}

	prev := int64(-1)
	count := 0
	tree.Ascend(func(pl *PriceLevel) bool {
		if pl.Tick <= prev {
			t.Fatalf("ascend out of order: %d after %d", pl.Tick, prev)
		}
		prev = pl.Tick
		count++
		return true
	})
	if count != len(live) {
		t.Fatalf("ascend visited %d; want %d", count, len(live))
	}

	prev = 1 << 62
	tree.Descend(func(pl *PriceLevel) bool {
		if pl.Tick >= prev {
			t.Fatalf("descend out of order: %d after %d", pl.Tick, prev)
		}
		prev = pl.Tick
		return true
	})
}
