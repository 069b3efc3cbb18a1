// Package idledgertest is a conformance suite for idledger.Ledger
// implementations.
package idledgertest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ggoodman/mcp-session-go/sessions/idledger"
)

// Factory creates a fresh, empty Ledger for one subtest.
type Factory func(t *testing.T) idledger.Ledger

// Run runs the complete Ledger test suite against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("ReserveOnce", func(t *testing.T) { testReserveOnce(t, factory) })
	t.Run("DistinctIDs", func(t *testing.T) { testDistinctIDs(t, factory) })
	t.Run("EmptyIDRejected", func(t *testing.T) { testEmptyID(t, factory) })
	t.Run("ConcurrentReserveSingleWinner", func(t *testing.T) { testConcurrentReserve(t, factory) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelledContext(t, factory) })
}

func testReserveOnce(t *testing.T, factory Factory) {
	l := factory(t)
	ctx := t.Context()

	ok, err := l.Reserve(ctx, "sess-1")
	if err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	if !ok {
		t.Fatal("first Reserve should succeed")
	}
	ok, err = l.Reserve(ctx, "sess-1")
	if err != nil {
		t.Fatalf("second Reserve: %v", err)
	}
	if ok {
		t.Fatal("second Reserve of the same id should report false")
	}
}

func testDistinctIDs(t *testing.T, factory Factory) {
	l := factory(t)
	for i := range 20 {
		ok, err := l.Reserve(t.Context(), "id-"+strconv.Itoa(i))
		if err != nil || !ok {
			t.Fatalf("Reserve id-%d: ok=%v err=%v", i, ok, err)
		}
	}
}

func testEmptyID(t *testing.T, factory Factory) {
	l := factory(t)
	if _, err := l.Reserve(t.Context(), ""); !errors.Is(err, idledger.ErrEmptyID) {
		t.Fatalf("want ErrEmptyID, got %v", err)
	}
}

func testConcurrentReserve(t *testing.T, factory Factory) {
	l := factory(t)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Reserve(t.Context(), "contended")
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func testCancelledContext(t *testing.T, factory Factory) {
	l := factory(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if ok, err := l.Reserve(ctx, "late"); err == nil && ok {
		// A backend may race the cancellation; it must then have recorded the id.
		if again, _ := l.Reserve(t.Context(), "late"); again {
			t.Fatal("id reserved under a cancelled context was not recorded")
		}
	}
}
