package conjunction

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleartextWords(t *testing.T) {
	data := EncodeCleartexts(13, 0, math.MaxUint64)
	require.Len(t, data, 3*WordSize)
	assert.Equal(t, byte(13), data[WordSize-1])

	vals, err := decodeCleartexts(data, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{13, 0, math.MaxUint64}, vals)

	_, err = decodeCleartexts(data, 2)
	assert.ErrorIs(t, err, ErrInvalidCleartexts)

	wide := EncodeCleartexts(1)
	wide[WordSize-9] = 1
	_, err = decodeCleartexts(wide, 1)
	assert.ErrorIs(t, err, ErrInvalidCleartexts)
}

func TestAttestationIsBoundToRequest(t *testing.T) {
	o, err := NewThresholdOracle(&plainEvaluator{}, quietLogger())
	require.NoError(t, err)
	data := EncodeCleartexts(1, 2)
	proof := o.Sign("a", data)

	assert.True(t, o.Verify("a", data, proof))
	assert.False(t, o.Verify("b", data, proof))
	assert.False(t, o.Verify("a", EncodeCleartexts(1, 3), proof))
	assert.False(t, o.Verify("a", data, proof[:10]))

	other, err := NewThresholdOracle(&plainEvaluator{}, quietLogger())
	require.NoError(t, err)
	assert.False(t, other.Verify("a", data, proof))
}

func TestDeliverWithoutCallbackKeepsQueue(t *testing.T) {
	ev := &plainEvaluator{}
	o, err := NewThresholdOracle(ev, quietLogger())
	require.NoError(t, err)

	_, err = o.RequestDecryption(context.Background(), nil, PurposeTrajectoryReveal)
	assert.Error(t, err)

	id, err := o.RequestDecryption(context.Background(), []Ciphertext{&plainCT{7}}, PurposeTrajectoryReveal)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := o.Deliver(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, o.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.Attach(callbackFunc(func(context.Context, RequestID, []byte, []byte) error { return nil }))
	n, err = o.Deliver(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, o.Pending())

	var got []byte
	o.Attach(callbackFunc(func(_ context.Context, rid RequestID, cleartexts, proof []byte) error {
		assert.Equal(t, id, rid)
		assert.True(t, o.Verify(rid, cleartexts, proof))
		got = cleartexts
		return nil
	}))
	n, err = o.Deliver(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, EncodeCleartexts(7), got)
	assert.Equal(t, 0, o.Pending())
}

type callbackFunc func(ctx context.Context, id RequestID, cleartexts, proof []byte) error

func (f callbackFunc) Fulfill(ctx context.Context, id RequestID, cleartexts, proof []byte) error {
	return f(ctx, id, cleartexts, proof)
}

func TestGuard(t *testing.T) {
	store := NewMemoryStore(nil)
	id, err := store.RegisterMission("alice", time.Now())
	require.NoError(t, err)

	strict := NewGuard(store, false)
	assert.NoError(t, strict.RequireOperator("alice", id))
	assert.ErrorIs(t, strict.RequireOperator("bob", id), ErrNotAuthorized)
	assert.ErrorIs(t, strict.RequireOperator("", id), ErrNotAuthorized)
	assert.ErrorIs(t, strict.RequireOperator("alice", id+1), ErrUnknownMission)

	assert.NoError(t, strict.RequireSubmitter("alice", "alice"))
	assert.ErrorIs(t, strict.RequireSubmitter("bob", "alice"), ErrNotAuthorized)
	assert.ErrorIs(t, strict.RequireSubmitter("", ""), ErrNotAuthorized)

	delegated := NewGuard(store, true)
	assert.NoError(t, delegated.RequireSubmitter("relay", "alice"))
}
