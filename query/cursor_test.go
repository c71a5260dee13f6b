package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailscope/litepool/pool"
	"github.com/mailscope/litepool/testutil"
)

func manyRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{fmt.Sprintf("row-%d", i)}
	}
	return rows
}

func TestCursorStreamsAllRows(t *testing.T) {
	drv := testutil.NewFakeDriver()
	drv.OnQuery = func(string) ([][]any, error) { return manyRows(1000), nil }
	exec, p := newTestExecutor(t, drv, 2)

	cur, err := exec.Stream(context.Background(), "SELECT v FROM t", nil, Options{Mode: pool.ModeRead, BatchSize: 100})
	require.NoError(t, err)

	count := 0
	for cur.Next() {
		var v string
		require.NoError(t, cur.Scan(&v))
		assert.Equal(t, fmt.Sprintf("row-%d", count), v)
		count++
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, 1000, count)

	// Exhaustion releases the lease without an explicit Close.
	assert.Equal(t, 0, p.Stats().Leased)
}

func TestCursorMemoryBoundedToOneBatch(t *testing.T) {
	drv := testutil.NewFakeDriver()
	drv.OnQuery = func(string) ([][]any, error) { return manyRows(10000), nil }
	exec, _ := newTestExecutor(t, drv, 2)

	cur, err := exec.Stream(context.Background(), "SELECT v FROM t", nil, Options{Mode: pool.ModeRead, BatchSize: 100})
	require.NoError(t, err)
	defer cur.Close()

	for i := 0; i < 250; i++ {
		require.True(t, cur.Next())
	}

	// After reading 250 rows the cursor may have fetched at most three
	// batches; it must never run ahead of the reader by more than one
	// batch of unread rows.
	served := drv.LastRows.MaxServed
	assert.LessOrEqual(t, served, 300, "cursor prefetched %d rows, more than one batch ahead", served-250)
	assert.GreaterOrEqual(t, served, 250)
}

func TestCursorCloseReleasesLeaseExactlyOnce(t *testing.T) {
	drv := testutil.NewFakeDriver()
	drv.OnQuery = func(string) ([][]any, error) { return manyRows(10000), nil }
	exec, p := newTestExecutor(t, drv, 2)

	cur, err := exec.Stream(context.Background(), "SELECT v FROM t", nil, Options{Mode: pool.ModeRead, BatchSize: 100})
	require.NoError(t, err)

	for i := 0; i < 250; i++ {
		require.True(t, cur.Next())
	}
	require.Equal(t, 1, p.Stats().Leased)

	require.NoError(t, cur.Close())
	assert.Equal(t, 0, p.Stats().Leased)
	assert.Equal(t, 1, p.Stats().Idle)

	// A second Close must not double-release: another caller's lease on the
	// same connection stays intact.
	lease, err := p.Acquire(context.Background(), pool.ModeRead)
	require.NoError(t, err)
	require.NoError(t, cur.Close())
	assert.Equal(t, 1, p.Stats().Leased)
	lease.Release()
}

func TestCursorAfterCloseReturnsFalse(t *testing.T) {
	drv := testutil.NewFakeDriver()
	drv.OnQuery = func(string) ([][]any, error) { return manyRows(10), nil }
	exec, _ := newTestExecutor(t, drv, 2)

	cur, err := exec.Stream(context.Background(), "SELECT v FROM t", nil, Options{Mode: pool.ModeRead})
	require.NoError(t, err)
	require.True(t, cur.Next())
	require.NoError(t, cur.Close())

	assert.False(t, cur.Next())
	assert.NoError(t, cur.Err())
}

func TestCursorCancellationAbandonsFetch(t *testing.T) {
	drv := testutil.NewFakeDriver()
	drv.OnQuery = func(string) ([][]any, error) { return manyRows(10000), nil }
	exec, p := newTestExecutor(t, drv, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cur, err := exec.Stream(ctx, "SELECT v FROM t", nil, Options{Mode: pool.ModeRead, BatchSize: 100})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.True(t, cur.Next())
	}
	cancel()

	// The current batch may still drain from the buffer, but the next batch
	// fetch must observe the cancellation and release the lease.
	for cur.Next() {
	}
	assert.ErrorIs(t, cur.Err(), context.Canceled)

	testutil.Eventually(t, func() bool {
		return p.Stats().Leased == 0
	}, time.Second, "cancelled cursor did not release its lease")
}

func TestCursorEmptyResult(t *testing.T) {
	drv := testutil.NewFakeDriver()
	exec, p := newTestExecutor(t, drv, 2)

	cur, err := exec.Stream(context.Background(), "SELECT v FROM t WHERE 0", nil, Options{Mode: pool.ModeRead})
	require.NoError(t, err)

	assert.False(t, cur.Next())
	assert.NoError(t, cur.Err())
	assert.Equal(t, 0, p.Stats().Leased)
}

func TestCursorCollect(t *testing.T) {
	drv := testutil.NewFakeDriver()
	drv.OnQuery = func(string) ([][]any, error) { return manyRows(5), nil }
	exec, p := newTestExecutor(t, drv, 2)

	cur, err := exec.Stream(context.Background(), "SELECT v FROM t", nil, Options{Mode: pool.ModeRead})
	require.NoError(t, err)

	res, err := cur.Collect()
	require.NoError(t, err)
	assert.Equal(t, 5, res.Len())
	assert.Equal(t, []string{"value"}, res.Columns)
	assert.Equal(t, 0, p.Stats().Leased)
}

func TestScanConversions(t *testing.T) {
	tests := []struct {
		name string
		src  any
		scan func(t *testing.T, src any)
	}{
		{"string", "hello", func(t *testing.T, src any) {
			var s string
			require.NoError(t, scanValue(&s, src))
			assert.Equal(t, "hello", s)
		}},
		{"bytes to string", []byte("raw"), func(t *testing.T, src any) {
			var s string
			require.NoError(t, scanValue(&s, src))
			assert.Equal(t, "raw", s)
		}},
		{"int64", int64(42), func(t *testing.T, src any) {
			var n int64
			require.NoError(t, scanValue(&n, src))
			assert.Equal(t, int64(42), n)
		}},
		{"int64 to bool", int64(1), func(t *testing.T, src any) {
			var b bool
			require.NoError(t, scanValue(&b, src))
			assert.True(t, b)
		}},
		{"null leaves zero value", nil, func(t *testing.T, src any) {
			var s string
			require.NoError(t, scanValue(&s, src))
			assert.Equal(t, "", s)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.scan(t, tt.src)
		})
	}

	var n int64
	assert.Error(t, scanValue(&n, "not a number"))
}
