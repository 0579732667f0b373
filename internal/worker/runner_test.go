package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeWorker struct {
	name  string
	runFn func(ctx context.Context) error
}

func (f *fakeWorker) Name() string { return f.name }

func (f *fakeWorker) Run(ctx context.Context) error {
	if f.runFn != nil {
		return f.runFn(ctx)
	}
	<-ctx.Done()
	return nil
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	w := &fakeWorker{name: "idle"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, w) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunWrapsErrorWithName(t *testing.T) {
	t.Parallel()
	testErr := errors.New("poll failed")
	w := &fakeWorker{name: "analysis_worker", runFn: func(context.Context) error { return testErr }}

	err := Run(t.Context(), w)
	if !errors.Is(err, testErr) {
		t.Fatalf("err = %v, want wrapped %v", err, testErr)
	}
	if !strings.Contains(err.Error(), "analysis_worker") {
		t.Errorf("err = %q, want worker name in message", err)
	}
}

func TestRunErrorCancelsSiblings(t *testing.T) {
	t.Parallel()
	testErr := errors.New("worker failed")
	failing := &fakeWorker{name: "failing", runFn: func(context.Context) error { return testErr }}
	blocked := &fakeWorker{name: "blocked"} // returns only when its context is cancelled

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), failing, blocked) }()

	select {
	case err := <-done:
		if !errors.Is(err, testErr) {
			t.Errorf("err = %v, want %v", err, testErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sibling worker was not cancelled after failure")
	}
}

func TestRunAllWorkersStarted(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	started := make(chan struct{}, 2)
	run := func(ctx context.Context) error {
		count.Add(1)
		started <- struct{}{}
		<-ctx.Done()
		return nil
	}
	w1 := &fakeWorker{name: "first", runFn: run}
	w2 := &fakeWorker{name: "second", runFn: run}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, w1, w2) }()

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not start")
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if count.Load() != 2 {
			t.Errorf("count = %d, want 2", count.Load())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
