package conjunction

import (
	"math/big"
)

// Ciphertext is an opaque handle to an encrypted scalar. Only the Evaluator
// that produced it knows its concrete type; everything else moves it around
// and hands it back.
type Ciphertext interface{}

// Codec moves ciphertexts to and from their exchangeable byte form.
type Codec interface {
	Export(c Ciphertext) ([]byte, error)
	Import(data []byte) (Ciphertext, error)
}

// Evaluator is the homomorphic arithmetic capability. Values are unsigned
// integers in the plaintext space of the backing scheme; arithmetic wraps
// modulo that space.
type Evaluator interface {
	Codec

	// Encrypt encrypts a client input.
	Encrypt(v uint64) (Ciphertext, error)
	// Constant encodes a public constant as a ciphertext.
	Constant(v uint64) (Ciphertext, error)

	Add(a, b Ciphertext) (Ciphertext, error)
	Sub(a, b Ciphertext) (Ciphertext, error)
	Mul(a, b Ciphertext) (Ciphertext, error)

	// DivConst is unsigned integer division by a public constant. The
	// DJ and BFV evaluators in this package compute it inside the key
	// committee, so the committee learns the operand.
	DivConst(a Ciphertext, d uint64) (Ciphertext, error)
	// Gt returns an encrypted 1 if a > b and an encrypted 0 otherwise. The
	// DJ and BFV evaluators in this package compute it inside the key
	// committee, so the committee learns both operands.
	Gt(a, b Ciphertext) (Ciphertext, error)
	// Select returns ifTrue when cond encrypts 1 and ifFalse when it encrypts
	// 0. Both branches are always consumed.
	Select(cond, ifTrue, ifFalse Ciphertext) (Ciphertext, error)
}

// KeyCommittee holds the decryption capability. Only the decryption oracle
// talks to it.
type KeyCommittee interface {
	Decrypt(c Ciphertext) (*big.Int, error)
	Parties() int
}
