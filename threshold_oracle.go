package conjunction

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const attestationDomain = "conjunction/oracle/v1"

type decryptionJob struct {
	id      RequestID
	batch   []Ciphertext
	purpose Purpose
}

// ThresholdOracle decrypts batches with a key committee and attests each
// result with an Ed25519 signature over the request id and the cleartexts.
// Requests are queued; Run or Deliver hands the results to the attached
// callback.
type ThresholdOracle struct {
	committee KeyCommittee
	key       ed25519.PrivateKey
	pub       ed25519.PublicKey
	log       *logrus.Logger

	mu       sync.Mutex
	queue    []decryptionJob
	callback Callback
	wake     chan struct{}
}

func NewThresholdOracle(committee KeyCommittee, logger *logrus.Logger) (*ThresholdOracle, error) {
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate attestation key: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ThresholdOracle{
		committee: committee,
		key:       key,
		pub:       pub,
		log:       logger,
		wake:      make(chan struct{}, 1),
	}, nil
}

// Attach sets the callback results are delivered to.
func (o *ThresholdOracle) Attach(cb Callback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callback = cb
}

// PublicKey is the key attestations verify against.
func (o *ThresholdOracle) PublicKey() ed25519.PublicKey {
	return o.pub
}

func (o *ThresholdOracle) RequestDecryption(ctx context.Context, batch []Ciphertext, purpose Purpose) (RequestID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(batch) == 0 {
		return "", errors.New("empty decryption batch")
	}
	job := decryptionJob{
		id:      RequestID(uuid.NewString()),
		batch:   append([]Ciphertext(nil), batch...),
		purpose: purpose,
	}
	o.mu.Lock()
	o.queue = append(o.queue, job)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return job.id, nil
}

// Pending is the number of queued requests.
func (o *ThresholdOracle) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func attestation(id RequestID, cleartexts []byte) []byte {
	msg := make([]byte, 0, len(attestationDomain)+len(id)+len(cleartexts)+2)
	msg = append(msg, attestationDomain...)
	msg = append(msg, 0)
	msg = append(msg, string(id)...)
	msg = append(msg, 0)
	return append(msg, cleartexts...)
}

// Sign attests cleartexts for request id.
func (o *ThresholdOracle) Sign(id RequestID, cleartexts []byte) []byte {
	return ed25519.Sign(o.key, attestation(id, cleartexts))
}

func (o *ThresholdOracle) Verify(id RequestID, cleartexts, proof []byte) bool {
	if len(proof) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(o.pub, attestation(id, cleartexts), proof)
}

// resolve decrypts the batch of a job and returns its attested cleartexts.
func (o *ThresholdOracle) resolve(job decryptionJob) ([]byte, []byte, error) {
	vals := make([]*big.Int, len(job.batch))
	for i, c := range job.batch {
		v, err := o.committee.Decrypt(c)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypt field %d: %w", i, err)
		}
		vals[i] = v
	}
	cleartexts, err := encodeWords(vals)
	if err != nil {
		return nil, nil, err
	}
	return cleartexts, o.Sign(job.id, cleartexts), nil
}

// Deliver resolves every queued request and hands each result to the
// callback. It returns the number of callbacks that succeeded and the joined
// errors of those that did not.
func (o *ThresholdOracle) Deliver(ctx context.Context) (int, error) {
	o.mu.Lock()
	jobs := o.queue
	o.queue = nil
	cb := o.callback
	o.mu.Unlock()

	if cb == nil && len(jobs) > 0 {
		o.mu.Lock()
		o.queue = append(jobs, o.queue...)
		o.mu.Unlock()
		return 0, errors.New("no callback attached")
	}

	delivered := 0
	var errs []error
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			o.mu.Lock()
			o.queue = append(jobs[i:], o.queue...)
			o.mu.Unlock()
			errs = append(errs, err)
			break
		}
		entry := o.log.WithFields(logrus.Fields{"request": job.id, "purpose": job.purpose})
		cleartexts, proof, err := o.resolve(job)
		if err != nil {
			entry.WithError(err).Error("decryption failed")
			errs = append(errs, fmt.Errorf("request %s: %w", job.id, err))
			continue
		}
		if err := cb.Fulfill(ctx, job.id, cleartexts, proof); err != nil {
			entry.WithError(err).Warn("callback rejected result")
			errs = append(errs, fmt.Errorf("request %s: %w", job.id, err))
			continue
		}
		entry.Debug("result delivered")
		delivered += 1
	}
	return delivered, errors.Join(errs...)
}

// Run delivers results as requests arrive until ctx is done.
func (o *ThresholdOracle) Run(ctx context.Context) error {
	for {
		if _, err := o.Deliver(ctx); err != nil && ctx.Err() == nil {
			o.log.WithError(err).Warn("delivery round finished with errors")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.wake:
		}
	}
}

var _ Oracle = (*ThresholdOracle)(nil)
