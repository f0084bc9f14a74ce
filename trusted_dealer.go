package conjunction

import (
	"fmt"
	"math/big"

	"github.com/niclabs/tcpaillier"
)

// DJCommittee is an n-of-n threshold Damgård–Jurik key committee. A trusted
// dealer generates the key shares; every share is needed to decrypt.
type DJCommittee struct {
	pk     *tcpaillier.PubKey
	shares []*tcpaillier.KeyShare
}

// NewDJCommittee deals key shares of bitSize for the given number of parties.
func NewDJCommittee(bitSize, parties int) (*DJCommittee, error) {
	if parties < 1 || parties > 255 {
		return nil, fmt.Errorf("committee size %d out of range", parties)
	}
	shares, pk, err := tcpaillier.NewKey(bitSize, 1, uint8(parties), uint8(parties))
	if err != nil {
		return nil, fmt.Errorf("deal committee keys: %w", err)
	}
	return &DJCommittee{pk: pk, shares: shares}, nil
}

func (c *DJCommittee) Parties() int {
	return len(c.shares)
}

// N is the size of the plaintext space.
func (c *DJCommittee) N() *big.Int {
	return c.pk.N
}

// Decrypt combines a partial decryption from every key share.
func (c *DJCommittee) Decrypt(ct Ciphertext) (*big.Int, error) {
	v, ok := ct.(*big.Int)
	if !ok {
		return nil, ErrIncompatibleCiphertext
	}
	return c.decrypt(v)
}

func (c *DJCommittee) decrypt(ct *big.Int) (*big.Int, error) {
	parts := make([]*tcpaillier.DecryptionShare, len(c.shares))
	for i, sk := range c.shares {
		part, err := sk.PartialDecrypt(ct)
		if err != nil {
			return nil, fmt.Errorf("partial decryption by party %d: %w", i, err)
		}
		parts[i] = part
	}
	v, err := c.pk.CombineShares(parts...)
	if err != nil {
		return nil, fmt.Errorf("combine decryption shares: %w", err)
	}
	return v.Mod(v, c.pk.N), nil
}

// evaluate runs fn on the plaintexts of cts inside the committee and returns
// the result re-encrypted. Used for the operations the scheme cannot express.
func (c *DJCommittee) evaluate(fn func(vals []*big.Int) *big.Int, cts ...*big.Int) (*big.Int, error) {
	vals := make([]*big.Int, len(cts))
	for i, ct := range cts {
		v, err := c.decrypt(ct)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	res := fn(vals)
	for _, v := range vals {
		v.SetInt64(0)
	}
	enc, _, err := c.pk.Encrypt(res)
	return enc, err
}
