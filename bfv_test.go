package conjunction

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	bfvOnce sync.Once
	bfvEval *BFVEvaluator
	bfvErr  error
)

func sharedBFV(t *testing.T) *BFVEvaluator {
	t.Helper()
	if testing.Short() {
		t.Skip("BFV key generation is slow")
	}
	bfvOnce.Do(func() {
		var c *BFVCommittee
		c, bfvErr = NewBFVCommittee(3)
		if bfvErr == nil {
			bfvEval = NewBFVEvaluator(c)
		}
	})
	require.NoError(t, bfvErr)
	return bfvEval
}

func bfvDecrypt(t *testing.T, ev *BFVEvaluator, c Ciphertext) uint64 {
	t.Helper()
	v, err := ev.Committee().Decrypt(c)
	require.NoError(t, err)
	return v.Uint64()
}

func TestEncryptDecrypt(t *testing.T) {
	ev := sharedBFV(t)
	c, err := ev.Encrypt(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), bfvDecrypt(t, ev, c))
}

func TestBFVArithmetic(t *testing.T) {
	ev := sharedBFV(t)
	enc := func(v uint64) Ciphertext {
		c, err := ev.Encrypt(v)
		require.NoError(t, err)
		return c
	}

	sum, err := ev.Add(enc(20), enc(22))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), bfvDecrypt(t, ev, sum))

	diff, err := ev.Sub(enc(10), enc(13))
	require.NoError(t, err)
	assert.Equal(t, ev.Committee().T()-3, bfvDecrypt(t, ev, diff))

	sq, err := ev.Mul(diff, diff)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), bfvDecrypt(t, ev, sq))

	q, err := ev.DivConst(enc(2500), 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), bfvDecrypt(t, ev, q))

	gt, err := ev.Gt(enc(110), enc(100))
	require.NoError(t, err)
	sel, err := ev.Select(gt, enc(1), enc(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bfvDecrypt(t, ev, sel))
}

func TestBFVRefreshesDeepCiphertexts(t *testing.T) {
	ev := sharedBFV(t)
	acc, err := ev.Encrypt(1)
	require.NoError(t, err)
	two, err := ev.Encrypt(2)
	require.NoError(t, err)
	for i := 0; i < multLimit+2; i += 1 {
		acc, err = ev.Mul(acc, two)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(1<<(multLimit+2)), bfvDecrypt(t, ev, acc))
}

func TestBFVCodec(t *testing.T) {
	ev := sharedBFV(t)
	c, err := ev.Encrypt(31)
	require.NoError(t, err)
	data, err := ev.Export(c)
	require.NoError(t, err)
	back, err := ev.Import(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(31), bfvDecrypt(t, ev, back))

	_, err = ev.Add(back, &plainCT{1})
	assert.ErrorIs(t, err, ErrIncompatibleCiphertext)
}
