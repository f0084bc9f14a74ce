package conjunction

import (
	"errors"
	"math/big"
)

// DJEvaluator evaluates on threshold Damgård–Jurik ciphertexts. Addition,
// subtraction and constants are homomorphic in the scheme; ciphertext
// multiplication runs the committee's secret-sharing protocol; comparison
// and division by a constant are evaluated inside the committee.
type DJEvaluator struct {
	committee *DJCommittee
	nSquared  *big.Int
	negOne    *big.Int
}

func NewDJEvaluator(committee *DJCommittee) *DJEvaluator {
	n := committee.pk.N
	return &DJEvaluator{
		committee: committee,
		nSquared:  new(big.Int).Mul(n, n),
		negOne:    new(big.Int).Sub(n, big.NewInt(1)),
	}
}

// Committee returns the key committee backing the evaluator.
func (ev *DJEvaluator) Committee() *DJCommittee {
	return ev.committee
}

func (ev *DJEvaluator) cast(cs ...Ciphertext) ([]*big.Int, error) {
	out := make([]*big.Int, len(cs))
	for i, c := range cs {
		v, ok := c.(*big.Int)
		if !ok || v == nil || v.Sign() <= 0 || v.Cmp(ev.nSquared) >= 0 {
			return nil, ErrIncompatibleCiphertext
		}
		out[i] = v
	}
	return out, nil
}

func (ev *DJEvaluator) Encrypt(v uint64) (Ciphertext, error) {
	c, _, err := ev.committee.pk.Encrypt(new(big.Int).SetUint64(v))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (ev *DJEvaluator) Constant(v uint64) (Ciphertext, error) {
	return ev.Encrypt(v)
}

func (ev *DJEvaluator) Add(a, b Ciphertext) (Ciphertext, error) {
	cs, err := ev.cast(a, b)
	if err != nil {
		return nil, err
	}
	return ev.committee.pk.Add(cs...)
}

func (ev *DJEvaluator) Sub(a, b Ciphertext) (Ciphertext, error) {
	cs, err := ev.cast(a, b)
	if err != nil {
		return nil, err
	}
	neg, _, err := ev.committee.pk.Multiply(cs[1], ev.negOne)
	if err != nil {
		return nil, err
	}
	return ev.committee.pk.Add(cs[0], neg)
}

func (ev *DJEvaluator) Mul(a, b Ciphertext) (Ciphertext, error) {
	cs, err := ev.cast(a, b)
	if err != nil {
		return nil, err
	}
	return ev.committee.multiply(cs[0], cs[1])
}

// DivConst decrypts a inside the committee and re-encrypts the quotient.
func (ev *DJEvaluator) DivConst(a Ciphertext, d uint64) (Ciphertext, error) {
	if d == 0 {
		return nil, errors.New("division by zero")
	}
	cs, err := ev.cast(a)
	if err != nil {
		return nil, err
	}
	div := new(big.Int).SetUint64(d)
	return ev.committee.evaluate(func(vals []*big.Int) *big.Int {
		return new(big.Int).Quo(vals[0], div)
	}, cs...)
}

// Gt decrypts both operands inside the committee and re-encrypts the result.
func (ev *DJEvaluator) Gt(a, b Ciphertext) (Ciphertext, error) {
	cs, err := ev.cast(a, b)
	if err != nil {
		return nil, err
	}
	return ev.committee.evaluate(func(vals []*big.Int) *big.Int {
		if vals[0].Cmp(vals[1]) > 0 {
			return big.NewInt(1)
		}
		return big.NewInt(0)
	}, cs...)
}

// Select computes ifFalse + cond*(ifTrue-ifFalse).
func (ev *DJEvaluator) Select(cond, ifTrue, ifFalse Ciphertext) (Ciphertext, error) {
	diff, err := ev.Sub(ifTrue, ifFalse)
	if err != nil {
		return nil, err
	}
	scaled, err := ev.Mul(cond, diff)
	if err != nil {
		return nil, err
	}
	return ev.Add(ifFalse, scaled)
}

func (ev *DJEvaluator) Export(c Ciphertext) ([]byte, error) {
	cs, err := ev.cast(c)
	if err != nil {
		return nil, err
	}
	return cs[0].Bytes(), nil
}

func (ev *DJEvaluator) Import(data []byte) (Ciphertext, error) {
	v := new(big.Int).SetBytes(data)
	if _, err := ev.cast(v); err != nil {
		return nil, err
	}
	return v, nil
}
