package shutdown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbacksRunInRegistrationOrder(t *testing.T) {
	c := New(nil, 100*time.Millisecond, time.Second, 5*time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	c.OnShutdown("http", record("http"))
	c.OnShutdown("engine", record("engine"))
	c.OnShutdown("storage", record("storage"))

	code := c.Shutdown("test")
	assert.Equal(t, ExitClean, code)
	assert.Equal(t, []string{"http", "engine", "storage"}, order)
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := New(nil, 100*time.Millisecond, time.Second, 5*time.Second)

	var mu sync.Mutex
	runs := 0
	c.OnShutdown("once", func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	var wg sync.WaitGroup
	codes := make([]int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = c.Shutdown("concurrent")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, runs)
	for _, code := range codes {
		assert.Equal(t, ExitClean, code)
	}
}

func TestTrackRejectsAfterShutdownStarts(t *testing.T) {
	c := New(nil, 100*time.Millisecond, time.Second, 5*time.Second)

	done, err := c.Track("op-1")
	require.NoError(t, err)
	done()

	c.Shutdown("test")

	_, err = c.Track("op-2")
	require.Error(t, err)
	assert.IsType(t, ErrShuttingDown{}, err)
}

func TestShutdownWaitsForInFlightOperations(t *testing.T) {
	c := New(nil, time.Second, time.Second, 5*time.Second)

	var mu sync.Mutex
	opFinished := false
	callbackSawOpDone := false

	done, err := c.Track("send-message")
	require.NoError(t, err)
	c.OnShutdown("check", func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		callbackSawOpDone = opFinished
		return nil
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		opFinished = true
		mu.Unlock()
		done()
	}()

	code := c.Shutdown("test")
	assert.Equal(t, ExitClean, code)
	assert.True(t, callbackSawOpDone)
}

func TestAbandonsOverrunningOperations(t *testing.T) {
	c := New(nil, 50*time.Millisecond, time.Second, 5*time.Second)

	_, err := c.Track("stuck-op")
	require.NoError(t, err)

	ran := false
	c.OnShutdown("after", func(ctx context.Context) error {
		ran = true
		return nil
	})

	code := c.Shutdown("test")
	assert.Equal(t, ExitDegraded, code)
	assert.True(t, ran)
	assert.Equal(t, 1, c.InFlight())
}

func TestFailingCallbackDoesNotBlockOthers(t *testing.T) {
	c := New(nil, 50*time.Millisecond, time.Second, 5*time.Second)

	ran := false
	c.OnShutdown("broken", func(ctx context.Context) error {
		return errors.New("flush failed")
	})
	c.OnShutdown("after", func(ctx context.Context) error {
		ran = true
		return nil
	})

	code := c.Shutdown("test")
	assert.Equal(t, ExitDegraded, code)
	assert.True(t, ran)
}

func TestPanickingCallbackIsContained(t *testing.T) {
	c := New(nil, 50*time.Millisecond, time.Second, 5*time.Second)

	ran := false
	c.OnShutdown("panicky", func(ctx context.Context) error {
		panic("boom")
	})
	c.OnShutdown("after", func(ctx context.Context) error {
		ran = true
		return nil
	})

	code := c.Shutdown("test")
	assert.Equal(t, ExitDegraded, code)
	assert.True(t, ran)
}

func TestCallbackBudgetEnforced(t *testing.T) {
	c := New(nil, 50*time.Millisecond, 50*time.Millisecond, 5*time.Second)

	block := make(chan struct{})
	defer close(block)
	ran := false
	c.OnShutdown("wedged", func(ctx context.Context) error {
		<-block
		return nil
	})
	c.OnShutdown("after", func(ctx context.Context) error {
		ran = true
		return nil
	})

	start := time.Now()
	code := c.Shutdown("test")
	assert.Equal(t, ExitDegraded, code)
	assert.True(t, ran)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHardCeilingSkipsRemainingCallbacks(t *testing.T) {
	c := New(nil, 10*time.Millisecond, time.Second, 100*time.Millisecond)

	block := make(chan struct{})
	defer close(block)
	var skippedRan bool
	c.OnShutdown("slow", func(ctx context.Context) error {
		select {
		case <-block:
		case <-time.After(200 * time.Millisecond):
		}
		return nil
	})
	c.OnShutdown("skipped", func(ctx context.Context) error {
		skippedRan = true
		return nil
	})

	code := c.Shutdown("test")
	assert.Equal(t, ExitDegraded, code)
	assert.False(t, skippedRan)
}
