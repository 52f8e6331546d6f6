package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchSizeRefusesTooSmallPacket(t *testing.T) {
	_, err := BatchSize(1024)
	require.Error(t, err)
}

func TestBatchSizeAcceptsJustOverMargin(t *testing.T) {
	// 1024 + 21 is just large enough for one ID (1 + uint64Digits10 bytes).
	n, err := BatchSize(1024 + 21)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBatchIDsManyTinyBatches(t *testing.T) {
	ids := []int64{1, 2, 3, 4, 5}
	batches, err := BatchIDs(ids, 1024+21)
	require.NoError(t, err)
	require.Len(t, batches, len(ids))
	for i, b := range batches {
		require.Len(t, b, 1)
		assert.Equal(t, ids[i], b[0])
	}
}

func TestBatchIDsEmpty(t *testing.T) {
	batches, err := BatchIDs(nil, DefaultMaxPacketBytes)
	require.NoError(t, err)
	assert.Nil(t, batches)
}

func TestBatchIDsSingleBatch(t *testing.T) {
	ids := make([]int64, 10)
	for i := range ids {
		ids[i] = int64(i)
	}
	batches, err := BatchIDs(ids, DefaultMaxPacketBytes)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 10)
}
