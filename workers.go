package conjunction

import (
	"crypto/rand"
	"errors"
	"math/big"
	"sync"

	"github.com/niclabs/tcpaillier"
)

var errAborted = errors.New("multiplication protocol aborted")

// sample a uniform random integer smaller than q
func SampleInt(q *big.Int) (*big.Int, error) {
	return rand.Int(rand.Reader, q)
}

// mulSession carries the channels of one run of the multiplication protocol.
// Party 0 is the central party; every other party talks only to it.
type mulSession struct {
	pk *tcpaillier.PubKey
	n  int

	maskCh  chan *big.Int
	masksCh chan []*big.Int
	decCh   chan *tcpaillier.DecryptionShare

	abort chan struct{}
	once  sync.Once
	err   error
}

type mulResult struct {
	product *big.Int
	err     error
}

func newMulSession(pk *tcpaillier.PubKey, n int) *mulSession {
	return &mulSession{
		pk:      pk,
		n:       n,
		maskCh:  make(chan *big.Int),
		masksCh: make(chan []*big.Int),
		decCh:   make(chan *tcpaillier.DecryptionShare),
		abort:   make(chan struct{}),
	}
}

func (s *mulSession) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.abort)
	})
}

func (s *mulSession) sendMask(v *big.Int) error {
	select {
	case s.maskCh <- v:
		return nil
	case <-s.abort:
		return errAborted
	}
}

func (s *mulSession) recvMask() (*big.Int, error) {
	select {
	case v := <-s.maskCh:
		return v, nil
	case <-s.abort:
		return nil, errAborted
	}
}

func (s *mulSession) sendMasks(v []*big.Int) error {
	select {
	case s.masksCh <- v:
		return nil
	case <-s.abort:
		return errAborted
	}
}

func (s *mulSession) recvMasks() ([]*big.Int, error) {
	select {
	case v := <-s.masksCh:
		return v, nil
	case <-s.abort:
		return nil, errAborted
	}
}

func (s *mulSession) sendDec(v *tcpaillier.DecryptionShare) error {
	select {
	case s.decCh <- v:
		return nil
	case <-s.abort:
		return errAborted
	}
}

func (s *mulSession) recvDec() (*tcpaillier.DecryptionShare, error) {
	select {
	case v := <-s.decCh:
		return v, nil
	case <-s.abort:
		return nil, errAborted
	}
}

// collect receives one mask from every outer party and hands the full list
// back to each of them.
func (s *mulSession) collect(own *big.Int) ([]*big.Int, error) {
	all := make([]*big.Int, s.n)
	all[0] = own
	for i := 1; i < s.n; i += 1 {
		v, err := s.recvMask()
		if err != nil {
			return nil, err
		}
		all[i] = v
	}
	for i := 1; i < s.n; i += 1 {
		if err := s.sendMasks(all); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// Additive secret sharing

// getRandomEncrypted samples d and returns it with its encryption (ASS, step 1).
func (s *mulSession) getRandomEncrypted() (plain, cipher *big.Int, err error) {
	plain, err = SampleInt(s.pk.N)
	if err != nil {
		return
	}
	cipher, _, err = s.pk.Encrypt(plain)
	return
}

// sumMasksDecrypt masks a with every d and partially decrypts (ASS, steps 5 & 6).
func (s *mulSession) sumMasksDecrypt(a *big.Int, ds []*big.Int, sk *tcpaillier.KeyShare) (*tcpaillier.DecryptionShare, error) {
	terms := append([]*big.Int{a}, ds...)
	masked, err := s.pk.Add(terms...)
	if err != nil {
		return nil, err
	}
	return sk.PartialDecrypt(masked)
}

// centralASS leaves the central party holding e - d, where e = a + sum(d).
func (s *mulSession) centralASS(a *big.Int, sk *tcpaillier.KeyShare) (*big.Int, error) {
	dPlain, dEnc, err := s.getRandomEncrypted()
	if err != nil {
		return nil, err
	}
	allD, err := s.collect(dEnc)
	if err != nil {
		return nil, err
	}
	ePartial, err := s.sumMasksDecrypt(a, allD, sk)
	if err != nil {
		return nil, err
	}
	eParts := make([]*tcpaillier.DecryptionShare, s.n)
	eParts[0] = ePartial
	for i := 1; i < s.n; i += 1 {
		if eParts[i], err = s.recvDec(); err != nil {
			return nil, err
		}
	}
	e, err := s.pk.CombineShares(eParts...)
	if err != nil {
		return nil, err
	}
	share := new(big.Int).Sub(e, dPlain)
	return share.Mod(share, s.pk.N), nil
}

// outerASS leaves an outer party holding -d.
func (s *mulSession) outerASS(a *big.Int, sk *tcpaillier.KeyShare) (*big.Int, error) {
	dPlain, dEnc, err := s.getRandomEncrypted()
	if err != nil {
		return nil, err
	}
	if err := s.sendMask(dEnc); err != nil {
		return nil, err
	}
	allD, err := s.recvMasks()
	if err != nil {
		return nil, err
	}
	ePartial, err := s.sumMasksDecrypt(a, allD, sk)
	if err != nil {
		return nil, err
	}
	if err := s.sendDec(ePartial); err != nil {
		return nil, err
	}
	neg := new(big.Int).Neg(dPlain)
	return neg.Mod(neg, s.pk.N), nil
}

// Multiplication

func (s *mulSession) centralMultWorker(a, b *big.Int, sk *tcpaillier.KeyShare, out chan<- mulResult) {
	out <- s.centralMult(a, b, sk)
}

func (s *mulSession) centralMult(a, b *big.Int, sk *tcpaillier.KeyShare) mulResult {
	aShare, err := s.centralASS(a, sk)
	if err != nil {
		return mulResult{err: err}
	}
	// step 2: partial multiplication
	prod, _, err := s.pk.Multiply(b, aShare)
	if err != nil {
		return mulResult{err: err}
	}
	partials, err := s.collect(prod)
	if err != nil {
		return mulResult{err: err}
	}
	// step 6: sum partials
	sum, err := s.pk.Add(partials...)
	return mulResult{product: sum, err: err}
}

func (s *mulSession) multWorker(a, b *big.Int, sk *tcpaillier.KeyShare, out chan<- mulResult) {
	out <- s.outerMult(a, b, sk)
}

func (s *mulSession) outerMult(a, b *big.Int, sk *tcpaillier.KeyShare) mulResult {
	aShare, err := s.outerASS(a, sk)
	if err != nil {
		return mulResult{err: err}
	}
	prod, _, err := s.pk.Multiply(b, aShare)
	if err != nil {
		return mulResult{err: err}
	}
	if err := s.sendMask(prod); err != nil {
		return mulResult{err: err}
	}
	partials, err := s.recvMasks()
	if err != nil {
		return mulResult{err: err}
	}
	sum, err := s.pk.Add(partials...)
	return mulResult{product: sum, err: err}
}

// multiply computes Enc(a*b) from Enc(a) and Enc(b). Each party splits a into
// an additive share, multiplies Enc(b) by its share and the products are summed.
// No party learns a or b.
func (c *DJCommittee) multiply(a, b *big.Int) (*big.Int, error) {
	n := len(c.shares)
	s := newMulSession(c.pk, n)
	results := make(chan mulResult, n)

	go s.centralMultWorker(a, b, c.shares[0], results)
	for i := 1; i < n; i += 1 {
		go s.multWorker(a, b, c.shares[i], results)
	}

	var product *big.Int
	for i := 0; i < n; i += 1 {
		r := <-results
		if r.err != nil {
			s.fail(r.err)
			continue
		}
		product = r.product
	}
	if s.err != nil {
		return nil, s.err
	}
	return product, nil
}
