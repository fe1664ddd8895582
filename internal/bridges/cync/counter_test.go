package cync

import (
	"bytes"
	"sync"
	"testing"
)

func TestIterationCounterSequence(t *testing.T) {
	var c IterationCounter

	for i := 1; i <= 254; i++ {
		if got := c.Next(); got != byte(i) {
			t.Fatalf("call %d: Next() = %d, want %d", i, got, i)
		}
	}
	for i, want := range []byte{0, 1, 2} {
		if got := c.Next(); got != want {
			t.Fatalf("after wrap, call %d: Next() = %d, want %d", i, got, want)
		}
	}
}

func TestIterationCounterResponse(t *testing.T) {
	var c IterationCounter

	for i := 1; i <= 3; i++ {
		want := []byte{0x88, 0x00, 0x00, 0x00, 0x03, 0x00, byte(i), 0x00}
		if got := c.Response(); !bytes.Equal(got, want) {
			t.Errorf("Response() = % x, want % x", got, want)
		}
	}
}

func TestIterationCounterConcurrent(t *testing.T) {
	var c IterationCounter
	const goroutines, perGoroutine = 8, 255

	var (
		mu   sync.Mutex
		seen = make(map[byte]int)
		wg   sync.WaitGroup
	)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				v := c.Next()
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 8*255 advances cover the 255-value cycle exactly 8 times.
	for v := 0; v < iterationModulus; v++ {
		if seen[byte(v)] != goroutines {
			t.Fatalf("value %d seen %d times, want %d", v, seen[byte(v)], goroutines)
		}
	}
}
