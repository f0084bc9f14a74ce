package conjunction

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ldsec/lattigo/bfv"
	"github.com/ldsec/lattigo/dbfv"
	"github.com/ldsec/lattigo/ring"
)

// BFVCommittee is an n-party BFV key committee. The public and
// relinearization keys are generated collectively; decryption is a
// collective key switch to a target key held by the committee's coprocessor.
// Party 0 is the central party, all other parties talk only to it.
type BFVCommittee struct {
	params *bfv.Parameters
	crs    *ring.Poly
	crp    []*ring.Poly
	pk     *bfv.PublicKey
	rlk    *bfv.EvaluationKey
	sks    []*bfv.SecretKey
	tpk    *bfv.PublicKey
	tsk    *bfv.SecretKey
}

func createChans(n int) []chan interface{} {
	chans := make([]chan interface{}, n)
	for i := range chans {
		chans[i] = make(chan interface{})
	}
	return chans
}

// NewBFVCommittee runs the distributed key generation for the given number
// of parties.
func NewBFVCommittee(parties int) (*BFVCommittee, error) {
	if parties < 1 {
		return nil, fmt.Errorf("committee size %d out of range", parties)
	}
	params := bfv.DefaultParams[bfv.PN14QP438]
	params.T = 65537
	crs, crp := GenCRP(params)
	c := &BFVCommittee{
		params: params,
		crs:    crs,
		crp:    crp,
		sks:    make([]*bfv.SecretKey, parties),
	}

	channels := createChans(parties - 1)
	var wg sync.WaitGroup
	for i := 0; i < parties-1; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.sks[i+1] = c.outerKeyGenerator(channels[i])
		}(i)
	}
	c.pk, c.sks[0], c.rlk = c.centralKeyGenerator(channels)
	wg.Wait()

	c.tsk, c.tpk = bfv.NewKeyGenerator(params).GenKeyPair()
	return c, nil
}

func (c *BFVCommittee) Parties() int {
	return len(c.sks)
}

// T is the plaintext modulus.
func (c *BFVCommittee) T() uint64 {
	return c.params.T
}

func (c *BFVCommittee) centralKeyGenerator(channels []chan interface{}) (*bfv.PublicKey, *bfv.SecretKey, *bfv.EvaluationKey) {
	// generate secret key
	sk := bfv.NewKeyGenerator(c.params).GenSecretKey()

	// generate public key
	ckg := dbfv.NewCKGProtocol(c.params)
	ckgShare := ckg.AllocateShares()
	ckg.GenShare(sk.Get(), c.crs, ckgShare)

	ckgCombined := ckg.AllocateShares()
	ckg.AggregateShares(ckgShare, ckgCombined, ckgCombined)
	for _, ch := range channels {
		ckg.AggregateShares((<-ch).(dbfv.CKGShare), ckgCombined, ckgCombined)
	}
	pk := bfv.NewPublicKey(c.params)
	ckg.GenPublicKey(ckgCombined, c.crs, pk)

	// distribute public key
	for _, ch := range channels {
		ch <- pk
	}

	// generate relinearization key
	rkg := dbfv.NewEkgProtocol(c.params)
	contextKeys, _ := ring.NewContextWithParams(1<<c.params.LogN, append(c.params.Qi, c.params.Pi...))
	rlkEphemSk := contextKeys.SampleTernaryMontgomeryNTTNew(1.0 / 3)
	rkgShareOne, rkgShareTwo, rkgShareThree := rkg.AllocateShares()

	rkg.GenShareRoundOne(rlkEphemSk, sk.Get(), c.crp, rkgShareOne)

	rkgCombined1, rkgCombined2, rkgCombined3 := rkg.AllocateShares()
	rkg.AggregateShareRoundOne(rkgShareOne, rkgCombined1, rkgCombined1)
	for _, ch := range channels {
		rkg.AggregateShareRoundOne((<-ch).(dbfv.RKGShareRoundOne), rkgCombined1, rkgCombined1)
	}
	for _, ch := range channels {
		ch <- rkgCombined1
	}

	rkg.GenShareRoundTwo(rkgCombined1, sk.Get(), c.crp, rkgShareTwo)

	rkg.AggregateShareRoundTwo(rkgShareTwo, rkgCombined2, rkgCombined2)
	for _, ch := range channels {
		rkg.AggregateShareRoundTwo((<-ch).(dbfv.RKGShareRoundTwo), rkgCombined2, rkgCombined2)
	}
	for _, ch := range channels {
		ch <- rkgCombined2
	}

	rkg.GenShareRoundThree(rkgCombined2, rlkEphemSk, sk.Get(), rkgShareThree)

	rkg.AggregateShareRoundThree(rkgShareThree, rkgCombined3, rkgCombined3)
	for _, ch := range channels {
		rkg.AggregateShareRoundThree((<-ch).(dbfv.RKGShareRoundThree), rkgCombined3, rkgCombined3)
	}

	rlk := bfv.NewRelinKey(c.params, 1)
	rkg.GenRelinearizationKey(rkgCombined2, rkgCombined3, rlk)
	for _, ch := range channels {
		ch <- rlk
	}

	return pk, sk, rlk
}

func (c *BFVCommittee) outerKeyGenerator(channel chan interface{}) *bfv.SecretKey {
	sk := bfv.NewKeyGenerator(c.params).GenSecretKey()

	ckg := dbfv.NewCKGProtocol(c.params)
	ckgShare := ckg.AllocateShares()
	ckg.GenShare(sk.Get(), c.crs, ckgShare)
	channel <- ckgShare
	<-channel // public key

	rkg := dbfv.NewEkgProtocol(c.params)
	contextKeys, _ := ring.NewContextWithParams(1<<c.params.LogN, append(c.params.Qi, c.params.Pi...))
	rlkEphemSk := contextKeys.SampleTernaryMontgomeryNTTNew(1.0 / 3)
	rkgShareOne, rkgShareTwo, rkgShareThree := rkg.AllocateShares()

	rkg.GenShareRoundOne(rlkEphemSk, sk.Get(), c.crp, rkgShareOne)

	channel <- rkgShareOne
	rkgCombined1 := (<-channel).(dbfv.RKGShareRoundOne)

	rkg.GenShareRoundTwo(rkgCombined1, sk.Get(), c.crp, rkgShareTwo)

	channel <- rkgShareTwo
	rkgCombined2 := (<-channel).(dbfv.RKGShareRoundTwo)

	rkg.GenShareRoundThree(rkgCombined2, rlkEphemSk, sk.Get(), rkgShareThree)

	channel <- rkgShareThree
	<-channel // relinearization key

	return sk
}

// decrypt switches enc to the target key with a share from every party and
// decrypts the first slot.
func (c *BFVCommittee) decrypt(enc *bfv.Ciphertext) uint64 {
	channels := createChans(len(c.sks) - 1)
	for i := range channels {
		go c.outerDecryptor(enc, c.sks[i+1], channels[i])
	}
	return c.centralDecryptor(enc, c.sks[0], channels)
}

func (c *BFVCommittee) centralDecryptor(enc *bfv.Ciphertext, sk *bfv.SecretKey, channels []chan interface{}) uint64 {
	pcks := dbfv.NewPCKSProtocol(c.params, 3.19)
	pcksShare := pcks.AllocateShares()
	pcks.GenShare(sk.Get(), c.tpk, enc, pcksShare)

	pcksCombined := pcks.AllocateShares()
	pcks.AggregateShares(pcksShare, pcksCombined, pcksCombined)
	for _, ch := range channels {
		pcks.AggregateShares((<-ch).(dbfv.PCKSShare), pcksCombined, pcksCombined)
	}

	encOut := bfv.NewCiphertext(c.params, 1)
	pcks.KeySwitch(pcksCombined, enc, encOut)

	decryptor := bfv.NewDecryptor(c.params, c.tsk)
	ptres := bfv.NewPlaintext(c.params)
	decryptor.Decrypt(encOut, ptres)
	encoder := bfv.NewEncoder(c.params)
	dec := encoder.DecodeUint(ptres)

	for _, ch := range channels {
		ch <- dec
	}
	return dec[0]
}

func (c *BFVCommittee) outerDecryptor(enc *bfv.Ciphertext, sk *bfv.SecretKey, channel chan interface{}) {
	pcks := dbfv.NewPCKSProtocol(c.params, 3.19)
	pcksShare := pcks.AllocateShares()
	pcks.GenShare(sk.Get(), c.tpk, enc, pcksShare)

	channel <- pcksShare
	<-channel
}

// refresh re-encrypts cipher collectively, resetting its noise.
func (c *BFVCommittee) refresh(cipher *bfv.Ciphertext) *bfv.Ciphertext {
	channels := createChans(len(c.sks) - 1)
	for i := range channels {
		go c.outerRefresh(cipher, c.sks[i+1], channels[i])
	}
	return c.centralRefresh(cipher, c.sks[0], channels)
}

func (c *BFVCommittee) centralRefresh(cipher *bfv.Ciphertext, sk *bfv.SecretKey, channels []chan interface{}) *bfv.Ciphertext {
	rpf := dbfv.NewRefreshProtocol(c.params)
	share := rpf.AllocateShares()
	rpf.GenShares(sk.Get(), cipher, c.crs, share)

	for _, ch := range channels {
		rpf.Aggregate(share, (<-ch).(dbfv.RefreshShare), share)
	}

	newCipher := bfv.NewCiphertext(c.params, 1)
	rpf.Finalize(cipher, c.crs, share, newCipher)

	for _, ch := range channels {
		ch <- newCipher
	}
	return newCipher
}

func (c *BFVCommittee) outerRefresh(cipher *bfv.Ciphertext, sk *bfv.SecretKey, channel chan interface{}) {
	rpf := dbfv.NewRefreshProtocol(c.params)
	share := rpf.AllocateShares()
	rpf.GenShares(sk.Get(), cipher, c.crs, share)

	channel <- share
	<-channel
}

func (c *BFVCommittee) encrypt(val uint64) *bfv.Ciphertext {
	encoder := bfv.NewEncoder(c.params)
	pt := bfv.NewPlaintext(c.params)
	encoder.EncodeUint([]uint64{val % c.params.T}, pt)

	encryptor := bfv.NewEncryptorFromPk(c.params, c.pk)
	return encryptor.EncryptNew(pt)
}

// Decrypt implements KeyCommittee.
func (c *BFVCommittee) Decrypt(ct Ciphertext) (*big.Int, error) {
	v, ok := ct.(bfvCiphertext)
	if !ok || v.msg == nil {
		return nil, ErrIncompatibleCiphertext
	}
	return new(big.Int).SetUint64(c.decrypt(v.msg)), nil
}

func GenCRP(params *bfv.Parameters) (*ring.Poly, []*ring.Poly) {
	contextKeys, _ := ring.NewContextWithParams(1<<params.LogN, append(params.Qi, params.Pi...))
	crsGen := ring.NewCRPGenerator([]byte{'o', 'n', 't', 'a', 'n', 'j'}, contextKeys)
	crs := crsGen.ClockNew()
	crp := make([]*ring.Poly, params.Beta())
	for i := uint64(0); i < params.Beta(); i++ {
		crp[i] = crsGen.ClockNew()
	}
	return crs, crp
}
