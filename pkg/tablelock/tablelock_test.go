package tablelock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireExclusive(t *testing.T) {
	reg := NewRegistry()
	key := Key{Project: "p", Bucket: "b", Table: "t"}

	var maxConcurrent int64
	var current int64
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acq, err := reg.Acquire(context.Background(), key)
			require.NoError(t, err)
			defer acq.Release()

			n := atomic.AddInt64(&current, 1)
			for {
				m := atomic.LoadInt64(&maxConcurrent)
				if n <= m || atomic.CompareAndSwapInt64(&maxConcurrent, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, maxConcurrent)
	require.EqualValues(t, 0, reg.ActiveLocksCount())
}

func TestUnrelatedKeysProceedInParallel(t *testing.T) {
	reg := NewRegistry()

	acq1, err := reg.Acquire(context.Background(), Key{Project: "p", Bucket: "b", Table: "t1"})
	require.NoError(t, err)
	defer acq1.Release()

	done := make(chan struct{})
	go func() {
		acq2, err := reg.Acquire(context.Background(), Key{Project: "p", Bucket: "b", Table: "t2"})
		require.NoError(t, err)
		acq2.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unrelated table lock should not block on an unrelated key")
	}
}

func TestAcquireContextCancel(t *testing.T) {
	reg := NewRegistry()
	key := Key{Project: "p", Bucket: "b", Table: "t"}

	acq, err := reg.Acquire(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = reg.Acquire(ctx, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acq.Release()
}
