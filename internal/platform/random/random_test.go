package random

import (
	"sync"
	"testing"
)

func TestNewSeedProducesDistinctSeeds(t *testing.T) {
	first, err := NewSeed()
	if err != nil {
		t.Fatalf("new seed: %v", err)
	}
	second, err := NewSeed()
	if err != nil {
		t.Fatalf("new seed: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct seeds, got %d twice", first)
	}
}

func TestSeededSourceIsDeterministic(t *testing.T) {
	a := NewSeededSource(42)
	b := NewSeededSource(42)

	for i := 0; i < 100; i++ {
		va := a.Float64()
		vb := b.Float64()
		if va != vb {
			t.Fatalf("draw %d: %v != %v", i, va, vb)
		}
		if va < 0 || va >= 1 {
			t.Fatalf("draw %d out of [0,1): %v", i, va)
		}
	}
}

func TestSourceIsSafeForConcurrentUse(t *testing.T) {
	src := NewSeededSource(7)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if v := src.Float64(); v < 0 || v >= 1 {
					t.Errorf("draw out of [0,1): %v", v)
					return
				}
			}
		}()
	}
	wg.Wait()
}
