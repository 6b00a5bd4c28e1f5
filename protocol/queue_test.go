package protocol

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordQueueKeepsPerProducerOrder(t *testing.T) {
	const N = 1 << 10
	const K = 8

	queue := NewRecordQueue(0)
	ctx := context.Background()

	for k := 0; k < K; k++ {
		go func(k int) {
			base := uint64(k) << 32
			for n := uint64(0); n < N; n++ {
				var b [8]byte
				binary.LittleEndian.PutUint64(b[:], base|n)
				_ = queue.Drain(ctx, Records{b[:]})
			}
		}(k)
	}

	next := [K]uint64{}
	for seen := 0; seen < N*K; {
		recs, err := queue.Feed(ctx)
		require.NoError(t, err)
		for _, rec := range recs {
			require.Len(t, rec, 8)
			v := binary.LittleEndian.Uint64(rec)
			k := int(v >> 32)
			n := v & 0xffffffff
			assert.Equal(t, next[k], n, "producer %d out of order", k)
			next[k] = n + 1
			seen++
		}
	}
}

func TestRecordQueueOverflow(t *testing.T) {
	queue := NewRecordQueue(4)
	ctx := context.Background()

	require.NoError(t, queue.Drain(ctx, Records{[]byte{1, 2}}))
	err := queue.Drain(ctx, Records{[]byte{3, 4, 5}})
	assert.Equal(t, ErrQueueOverflow, err)
	assert.Equal(t, 2, queue.Size(), "rejected records are not partially admitted")

	recs, err := queue.Feed(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NoError(t, queue.Drain(ctx, Records{[]byte{3, 4, 5}}))
}

func TestRecordQueueClose(t *testing.T) {
	queue := NewRecordQueue(0)
	ctx := context.Background()

	require.NoError(t, queue.Drain(ctx, Records{[]byte{'a'}}))
	require.NoError(t, queue.Close())

	// buffered records are still fed out before the closed error
	recs, err := queue.Feed(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	_, err = queue.Feed(ctx)
	assert.Equal(t, ErrQueueClosed, err)
	assert.Equal(t, ErrQueueClosed, queue.Drain(ctx, Records{[]byte{'b'}}))
}

func TestRecordQueueFeedHonorsContext(t *testing.T) {
	queue := NewRecordQueue(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := queue.Feed(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
