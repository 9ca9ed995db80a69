package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestListenersRunConcurrentlyWithinOneEmission(t *testing.T) {
	b := New(nil)
	var active atomic.Int32
	var maxActive atomic.Int32
	release := make(chan struct{})

	track := func(ctx context.Context, payload any) error {
		n := active.Add(1)
		for {
			prev := maxActive.Load()
			if n <= prev || maxActive.CompareAndSwap(prev, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return nil
	}
	b.Subscribe(PersistState, track)
	b.Subscribe(PersistState, track)
	b.Subscribe(PersistState, track)

	b.Emit(context.Background(), PersistState, nil)
	time.Sleep(20 * time.Millisecond)
	close(release)
	b.Close()

	if maxActive.Load() != 3 {
		t.Fatalf("expected all 3 listeners to run concurrently, max observed %d", maxActive.Load())
	}
}

func TestEmissionsOfSameNamePreserveOrder(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var order []int

	b.Subscribe(SystemInfo, func(ctx context.Context, payload any) error {
		mu.Lock()
		order = append(order, payload.(int))
		mu.Unlock()
		return nil
	})

	for i := 0; i < 20; i++ {
		b.Emit(context.Background(), SystemInfo, i)
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("expected 20 emissions processed, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected issuance order preserved, got %v", order)
		}
	}
}

func TestListenerErrorDoesNotAffectSiblings(t *testing.T) {
	b := New(nil)
	var siblingRan atomic.Bool

	b.Subscribe(Aborting, func(ctx context.Context, payload any) error {
		return errors.New("boom")
	})
	b.Subscribe(Aborting, func(ctx context.Context, payload any) error {
		siblingRan.Store(true)
		return nil
	})

	b.Emit(context.Background(), Aborting, nil)
	b.Close()

	if !siblingRan.Load() {
		t.Fatalf("expected sibling listener to run despite the other's error")
	}
}

func TestWaitForAllListenersToComplete(t *testing.T) {
	b := New(nil)
	started := make(chan struct{})
	finish := make(chan struct{})

	b.Subscribe(Migrating, func(ctx context.Context, payload any) error {
		close(started)
		<-finish
		return nil
	})

	b.Emit(context.Background(), Migrating, nil)
	<-started

	waitDone := make(chan struct{})
	go func() {
		b.WaitForAllListenersToComplete()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatalf("expected WaitForAllListenersToComplete to block while a listener is running")
	case <-time.After(20 * time.Millisecond):
	}

	close(finish)
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatalf("expected WaitForAllListenersToComplete to return after listener finished")
	}
	b.Close()
}

func TestPeriodicEmitterTicksAndStops(t *testing.T) {
	b := New(nil)
	var count atomic.Int32
	b.Subscribe(SystemInfo, func(ctx context.Context, payload any) error {
		count.Add(1)
		return nil
	})

	stop := StartPeriodicEmitter(context.Background(), b, SystemInfo, 5*time.Millisecond, func() any {
		return struct{}{}
	})
	time.Sleep(35 * time.Millisecond)
	stop()
	b.Close()

	if count.Load() < 2 {
		t.Fatalf("expected at least 2 ticks to have fired, got %d", count.Load())
	}
}
