package task

import (
	"context"
	"sync"
	"testing"
)

func TestWorkerPoolRunsQueuedTask(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	var ran sync.WaitGroup
	ran.Add(1)
	task := New(func(*Context) (any, error) {
		ran.Done()
		return 42, nil
	}, Anonymous)

	if err := task.Launch(nil, pool); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	ran.Wait()
	got, err := task.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got != 42 {
		t.Fatalf("Result = %v, want 42", got)
	}
}

func TestWorkerPoolRunsDirectTaskOffQueue(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Close()

	blocker := New(func(*Context) (any, error) {
		return nil, nil
	}, Blocking)

	if err := blocker.Launch(nil, pool); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	blocker.Wait(context.Background())
}

func TestWorkerPoolCloseIsIdempotent(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Close()
	pool.Close()
}
