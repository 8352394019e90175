package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRun_DeliversRepliesInOrder(t *testing.T) {
	d := New(nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var seen []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(3)
	d.OnResult(func(j *Job, r Result) {
		mu.Lock()
		seen = append(seen, r.Replies[0])
		mu.Unlock()
		wg.Done()
	})

	for _, kind := range []Kind{KindChat, KindVibe, KindPlan} {
		k := kind
		d.Submit(k, func(ctx context.Context) ([]string, error) {
			return []string{string(k)}, nil
		})
	}

	waitOrTimeout(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"chat", "vibe", "plan"}, seen, "a single consumer must execute jobs in submission order")
}

func TestExecute_FailureIsAbsorbedAndQueueContinues(t *testing.T) {
	d := New(nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var results []Result
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)
	d.OnResult(func(j *Job, r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
		wg.Done()
	})

	d.Submit(KindChat, func(ctx context.Context) ([]string, error) {
		return nil, errors.New("boom")
	})
	d.Submit(KindChat, func(ctx context.Context) ([]string, error) {
		return []string{"ok"}, nil
	})

	waitOrTimeout(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, []string{"ok"}, results[1].Replies)
}

func TestExecute_PanicIsRecoveredAsError(t *testing.T) {
	d := New(nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	var got Result
	d.OnResult(func(j *Job, r Result) {
		got = r
		wg.Done()
	})

	d.Submit(KindChat, func(ctx context.Context) ([]string, error) {
		panic("kaboom")
	})

	waitOrTimeout(t, &wg)
	assert.Error(t, got.Err)
}

func TestBusy_TrueOnlyWhileInvocationRuns(t *testing.T) {
	d := New(nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	started := make(chan struct{})
	release := make(chan struct{})
	j := d.Submit(KindVibe, func(ctx context.Context) ([]string, error) {
		close(started)
		<-release
		return nil, nil
	})

	<-started
	assert.True(t, d.Busy())
	close(release)

	_, err := Wait(context.Background(), j)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !d.Busy() }, time.Second, time.Millisecond)
}

func TestWait_ReturnsResultFromSubmit(t *testing.T) {
	d := New(nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	j := d.Submit(KindMisalign, func(ctx context.Context) ([]string, error) {
		return []string{"corrected"}, nil
	})

	r, err := Wait(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, []string{"corrected"}, r.Replies)
}

func TestQueueDepth_ReflectsWaitingJobs(t *testing.T) {
	d := New(nil, 8)

	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Submit(KindCompact, func(ctx context.Context) ([]string, error) {
		<-release
		return nil, nil
	})
	d.Submit(KindCompact, func(ctx context.Context) ([]string, error) { return nil, nil })
	d.Submit(KindCompact, func(ctx context.Context) ([]string, error) { return nil, nil })

	assert.Eventually(t, func() bool { return d.QueueDepth() == 2 }, time.Second, time.Millisecond)
	close(release)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatcher results")
	}
}
