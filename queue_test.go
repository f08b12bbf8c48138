package ffinput

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFrameQueue_FIFO(t *testing.T) {
	q := NewFrameQueue[int](4)
	ctx := context.Background()

	go func() {
		for i := 0; i < 100; i++ {
			if err := q.Push(ctx, i); err != nil {
				t.Errorf("Push(%d) failed: %v", i, err)
				return
			}
		}
		q.Close(ErrEndOfStream)
	}()

	for want := 0; want < 100; want++ {
		got, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop failed after %d items: %v", want, err)
		}
		if got != want {
			t.Fatalf("Pop = %d, want %d", got, want)
		}
	}
	if _, err := q.Pop(ctx); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("Pop after drain = %v, want ErrEndOfStream", err)
	}
}

func TestFrameQueue_CapacityOneBackpressure(t *testing.T) {
	q := NewFrameQueue[int](1)
	ctx := context.Background()
	if err := q.Push(ctx, 1); err != nil {
		t.Fatal(err)
	}

	pushed := make(chan struct{})
	go func() {
		q.Push(ctx, 2)
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("second Push did not block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}

	if v, _ := q.Pop(ctx); v != 1 {
		t.Errorf("Pop = %d, want 1", v)
	}
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("Push still blocked after Pop made room")
	}
	if v, _ := q.Pop(ctx); v != 2 {
		t.Errorf("Pop = %d, want 2", v)
	}
}

func TestFrameQueue_CloseUnblocksPop(t *testing.T) {
	q := NewFrameQueue[int](2)
	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close(nil)

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Pop = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop not released by Close")
	}
}

func TestFrameQueue_CloseUnblocksPush(t *testing.T) {
	q := NewFrameQueue[int](1)
	q.Push(context.Background(), 1)

	done := make(chan error, 1)
	go func() { done <- q.Push(context.Background(), 2) }()
	time.Sleep(10 * time.Millisecond)
	q.Close(ErrEndOfStream)

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Push = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Push not released by Close")
	}

	// Items accepted before Close are still delivered.
	if v, err := q.Pop(context.Background()); err != nil || v != 1 {
		t.Errorf("Pop = %d, %v; want 1, nil", v, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("Pop = %v, want the close reason", err)
	}
}

func TestFrameQueue_CloseIdempotent(t *testing.T) {
	q := NewFrameQueue[int](1)
	q.Close(ErrEndOfStream)
	q.Close(ErrClosed)
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("first reason should win, got %v", err)
	}
	if !q.Closed() {
		t.Error("Closed() = false")
	}
	if q.TryPush(1) {
		t.Error("TryPush succeeded on a closed queue")
	}
}

func TestFrameQueue_ContextCancel(t *testing.T) {
	q := NewFrameQueue[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop = %v, want DeadlineExceeded", err)
	}

	q.Push(context.Background(), 1)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if err := q.Push(ctx2, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Push = %v, want DeadlineExceeded", err)
	}
}

func TestFrameQueue_TryPush(t *testing.T) {
	q := NewFrameQueue[int](2)
	if !q.TryPush(1) || !q.TryPush(2) {
		t.Fatal("TryPush failed with room left")
	}
	if q.TryPush(3) {
		t.Error("TryPush succeeded on a full queue")
	}
	if q.Cap() != 2 || q.Len() != 2 {
		t.Errorf("Cap/Len = %d/%d", q.Cap(), q.Len())
	}
}

func TestFrameQueue_ManyConsumers(t *testing.T) {
	q := NewFrameQueue[int](3)
	const n = 500
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int]int)

	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Pop(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < n; i++ {
		q.Push(context.Background(), i)
	}
	q.Close(nil)
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("delivered %d distinct items, want %d", len(seen), n)
	}
	for v, count := range seen {
		if count != 1 {
			t.Errorf("item %d delivered %d times", v, count)
		}
	}
}
