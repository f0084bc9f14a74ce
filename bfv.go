package conjunction

import (
	"errors"

	"github.com/ldsec/lattigo/bfv"
)

// multLimit is the multiplicative depth at which a ciphertext is refreshed
// before it is multiplied again.
const multLimit = 6

type bfvCiphertext struct {
	msg   *bfv.Ciphertext
	depth int
}

func maxDepth(a, b bfvCiphertext) int {
	if a.depth > b.depth {
		return a.depth
	}
	return b.depth
}

// BFVEvaluator evaluates on BFV ciphertexts in the first plaintext slot.
// Addition, subtraction and multiplication are homomorphic; comparison and
// division by a constant are evaluated inside the committee. Values wrap
// modulo the plaintext modulus T.
type BFVEvaluator struct {
	committee *BFVCommittee
}

func NewBFVEvaluator(committee *BFVCommittee) *BFVEvaluator {
	return &BFVEvaluator{committee: committee}
}

// Committee returns the key committee backing the evaluator.
func (ev *BFVEvaluator) Committee() *BFVCommittee {
	return ev.committee
}

func (ev *BFVEvaluator) cast(cs ...Ciphertext) ([]bfvCiphertext, error) {
	out := make([]bfvCiphertext, len(cs))
	for i, c := range cs {
		v, ok := c.(bfvCiphertext)
		if !ok || v.msg == nil {
			return nil, ErrIncompatibleCiphertext
		}
		out[i] = v
	}
	return out, nil
}

func (ev *BFVEvaluator) Encrypt(v uint64) (Ciphertext, error) {
	return bfvCiphertext{msg: ev.committee.encrypt(v)}, nil
}

func (ev *BFVEvaluator) Constant(v uint64) (Ciphertext, error) {
	return ev.Encrypt(v)
}

func (ev *BFVEvaluator) Add(a, b Ciphertext) (Ciphertext, error) {
	cs, err := ev.cast(a, b)
	if err != nil {
		return nil, err
	}
	evaluator := bfv.NewEvaluator(ev.committee.params)
	sum := evaluator.AddNew(cs[0].msg, cs[1].msg)
	return bfvCiphertext{msg: sum, depth: maxDepth(cs[0], cs[1])}, nil
}

func (ev *BFVEvaluator) Sub(a, b Ciphertext) (Ciphertext, error) {
	cs, err := ev.cast(a, b)
	if err != nil {
		return nil, err
	}
	evaluator := bfv.NewEvaluator(ev.committee.params)
	neg := evaluator.MulScalarNew(cs[1].msg, ev.committee.params.T-1)
	diff := evaluator.AddNew(cs[0].msg, neg)
	return bfvCiphertext{msg: diff, depth: maxDepth(cs[0], cs[1])}, nil
}

func (ev *BFVEvaluator) Mul(a, b Ciphertext) (Ciphertext, error) {
	cs, err := ev.cast(a, b)
	if err != nil {
		return nil, err
	}
	ac, bc := cs[0], cs[1]
	if ac.depth >= multLimit {
		ac = bfvCiphertext{msg: ev.committee.refresh(ac.msg)}
	}
	if bc.depth >= multLimit {
		bc = bfvCiphertext{msg: ev.committee.refresh(bc.msg)}
	}
	evaluator := bfv.NewEvaluator(ev.committee.params)
	store := evaluator.MulNew(ac.msg, bc.msg)
	prod := evaluator.RelinearizeNew(store, ev.committee.rlk)
	return bfvCiphertext{msg: prod, depth: maxDepth(ac, bc) + 1}, nil
}

// DivConst decrypts a inside the committee and re-encrypts the quotient.
func (ev *BFVEvaluator) DivConst(a Ciphertext, d uint64) (Ciphertext, error) {
	if d == 0 {
		return nil, errors.New("division by zero")
	}
	cs, err := ev.cast(a)
	if err != nil {
		return nil, err
	}
	q := ev.committee.decrypt(cs[0].msg) / d
	return ev.Encrypt(q)
}

// Gt decrypts both operands inside the committee and re-encrypts the result.
func (ev *BFVEvaluator) Gt(a, b Ciphertext) (Ciphertext, error) {
	cs, err := ev.cast(a, b)
	if err != nil {
		return nil, err
	}
	var flag uint64
	if ev.committee.decrypt(cs[0].msg) > ev.committee.decrypt(cs[1].msg) {
		flag = 1
	}
	return ev.Encrypt(flag)
}

// Select computes ifFalse + cond*(ifTrue-ifFalse).
func (ev *BFVEvaluator) Select(cond, ifTrue, ifFalse Ciphertext) (Ciphertext, error) {
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

func (ev *BFVEvaluator) Export(c Ciphertext) ([]byte, error) {
	cs, err := ev.cast(c)
	if err != nil {
		return nil, err
	}
	return cs[0].msg.MarshalBinary()
}

// Import restores a ciphertext. Its noise history is unknown, so it is
// refreshed before its next multiplication.
func (ev *BFVEvaluator) Import(data []byte) (Ciphertext, error) {
	msg := bfv.NewCiphertext(ev.committee.params, 1)
	if err := msg.UnmarshalBinary(data); err != nil {
		return nil, ErrIncompatibleCiphertext
	}
	return bfvCiphertext{msg: msg, depth: multLimit}, nil
}

var _ Evaluator = (*BFVEvaluator)(nil)
var _ Evaluator = (*DJEvaluator)(nil)
var _ KeyCommittee = (*BFVCommittee)(nil)
var _ KeyCommittee = (*DJCommittee)(nil)
