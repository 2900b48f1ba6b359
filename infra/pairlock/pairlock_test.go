package pairlock

import (
	"sync"
	"testing"
	"time"
)

func TestSamePairSerializes(t *testing.T) {
	locks := New()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("BTC-USD")
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("observed %d concurrent holders; want 1", maxSeen)
	}
}

func TestDifferentPairsDoNotBlock(t *testing.T) {
	locks := New()
	unlock := locks.Lock("BTC-USD")
	defer unlock()

	done := make(chan struct{})
	go func() {
		release := locks.Lock("ETH-USD")
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ETH-USD blocked behind BTC-USD")
	}
}
