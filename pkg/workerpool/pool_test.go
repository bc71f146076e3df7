package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestPool(t *testing.T, cfg Config, fn WorkerFunc) *Pool {
	t.Helper()
	p, err := New(cfg, fn, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Fatal("expected error for nil worker func")
	}
}

func TestSubmitWaitReturnsOwnResult(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 8
	p := newTestPool(t, cfg, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true, Data: task.Payload.(int) * 2}
	})

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.SubmitWait(context.Background(), &Task{ID: fmt.Sprint(i), Payload: i})
			if err != nil {
				errs <- err
				return
			}
			if res.TaskID != fmt.Sprint(i) || res.Data.(int) != i*2 {
				errs <- fmt.Errorf("task %d got result %+v", i, res)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.RetryDelay = time.Millisecond

	var calls int32
	p := newTestPool(t, cfg, func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &Result{Error: errors.New("transient")}
		}
		return &Result{Success: true}
	})

	res, err := p.SubmitWait(context.Background(), &Task{ID: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Attempts != 3 {
		t.Fatalf("result = %+v, want success on attempt 3", res)
	}
	if got := p.Stats().TasksRetried; got != 2 {
		t.Errorf("TasksRetried = %d, want 2", got)
	}
}

func TestShouldRetryStopsTerminalErrors(t *testing.T) {
	terminal := errors.New("terminal")
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.RetryDelay = time.Millisecond
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, terminal) }

	var calls int32
	p := newTestPool(t, cfg, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{Error: terminal}
	})

	res, err := p.SubmitWait(context.Background(), &Task{ID: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !errors.Is(res.Error, terminal) {
		t.Fatalf("result = %+v, want terminal failure", res)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestExhaustedRetriesWrapLastError(t *testing.T) {
	boom := errors.New("boom")
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond

	p := newTestPool(t, cfg, func(ctx context.Context, task *Task) *Result {
		return &Result{Error: boom}
	})

	res, err := p.SubmitWait(context.Background(), &Task{ID: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(res.Error, boom) || res.Attempts != 3 {
		t.Fatalf("result = %+v", res)
	}
	if got := p.Stats().TasksFailed; got != 1 {
		t.Errorf("TasksFailed = %d, want 1", got)
	}
}

func TestSubmitDeliversOnResults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 2
	p := newTestPool(t, cfg, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	})

	if err := p.Submit(&Task{ID: "async"}); err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-p.Results():
		if res.TaskID != "async" {
			t.Errorf("TaskID = %q", res.TaskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p, err := New(DefaultConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}

	if err := p.Submit(&Task{ID: "late"}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit after stop = %v, want ErrPoolClosed", err)
	}
	if _, err := p.SubmitWait(context.Background(), &Task{ID: "late"}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("SubmitWait after stop = %v, want ErrPoolClosed", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop = %v", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := newTestPool(t, cfg, func(ctx context.Context, task *Task) *Result {
		started <- struct{}{}
		<-release
		return &Result{Success: true}
	})
	defer close(release)

	if err := p.Submit(&Task{ID: "running"}); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := p.Submit(&Task{ID: "queued"}); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(&Task{ID: "overflow"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit = %v, want ErrQueueFull", err)
	}
}
