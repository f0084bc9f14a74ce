package conjunction

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Oracle is the external decryption service. It decrypts a batch off the
// engine and later delivers the cleartexts through a Callback.
type Oracle interface {
	// RequestDecryption queues batch for decryption and returns the id the
	// callback will carry. It must not invoke the callback itself.
	RequestDecryption(ctx context.Context, batch []Ciphertext, purpose Purpose) (RequestID, error)
	// Verify reports whether proof authenticates cleartexts for the request.
	Verify(id RequestID, cleartexts, proof []byte) bool
}

// Callback receives decryption results from an Oracle.
type Callback interface {
	Fulfill(ctx context.Context, id RequestID, cleartexts, proof []byte) error
}

// WordSize is the width of one encoded cleartext.
const WordSize = 32

// EncodeCleartexts packs values as consecutive 32-byte big-endian words.
func EncodeCleartexts(vals ...uint64) []byte {
	out := make([]byte, 0, len(vals)*WordSize)
	for _, v := range vals {
		word := make([]byte, WordSize)
		new(big.Int).SetUint64(v).FillBytes(word)
		out = append(out, word...)
	}
	return out
}

func encodeWords(vals []*big.Int) ([]byte, error) {
	out := make([]byte, len(vals)*WordSize)
	for i, v := range vals {
		if v.Sign() < 0 || v.BitLen() > WordSize*8 {
			return nil, fmt.Errorf("cleartext %d does not fit a word", i)
		}
		v.FillBytes(out[i*WordSize : (i+1)*WordSize])
	}
	return out, nil
}

// decodeCleartexts unpacks exactly n words, each of which must fit a uint64.
func decodeCleartexts(data []byte, n int) ([]uint64, error) {
	if len(data) != n*WordSize {
		return nil, fmt.Errorf("got %d bytes, want %d words: %w", len(data), n, ErrInvalidCleartexts)
	}
	vals := make([]uint64, n)
	for i := range vals {
		w := new(big.Int).SetBytes(data[i*WordSize : (i+1)*WordSize])
		if !w.IsUint64() {
			return nil, fmt.Errorf("word %d overflows: %w", i, ErrInvalidCleartexts)
		}
		vals[i] = w.Uint64()
	}
	return vals, nil
}

// OracleClient issues decryption requests for operators and applies the
// verified results to the store.
type OracleClient struct {
	store           Store
	oracle          Oracle
	guard           *Guard
	notifier        Notifier
	log             *logrus.Logger
	allowConcurrent bool

	// issuing is held while a request is handed to the oracle and recorded,
	// so a fast callback cannot overtake its own pending record.
	issuing sync.Mutex
}

func NewOracleClient(store Store, oracle Oracle, guard *Guard, notifier Notifier, cfg Config) *OracleClient {
	if notifier == nil {
		notifier = discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &OracleClient{
		store:           store,
		oracle:          oracle,
		guard:           guard,
		notifier:        notifier,
		log:             logger,
		allowConcurrent: cfg.AllowConcurrentRequests,
	}
}

func (c *OracleClient) checkPending(purpose Purpose, id MissionID, analysisID int) error {
	if c.allowConcurrent {
		return nil
	}
	rid, ok, err := c.store.PendingFor(purpose, id, analysisID)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("request %s for mission %d: %w", rid, id, ErrRequestPending)
	}
	return nil
}

func (c *OracleClient) issue(ctx context.Context, batch []Ciphertext, r PendingRequest) (RequestID, error) {
	c.issuing.Lock()
	defer c.issuing.Unlock()
	rid, err := c.oracle.RequestDecryption(ctx, batch, r.Purpose)
	if err != nil {
		return "", fmt.Errorf("request decryption: %w", err)
	}
	r.ID = rid
	r.IssuedAt = time.Now().UTC()
	if err := c.store.PutPendingRequest(r); err != nil {
		return "", err
	}
	c.log.WithFields(logrus.Fields{
		"mission": r.MissionID,
		"request": rid,
		"purpose": r.Purpose,
	}).Info("decryption requested")
	return rid, nil
}

// RequestTrajectoryDecryption asks the oracle to decrypt the trajectory of
// mission id on behalf of its operator.
func (c *OracleClient) RequestTrajectoryDecryption(ctx context.Context, caller Identity, id MissionID) (RequestID, error) {
	if err := c.guard.RequireOperator(caller, id); err != nil {
		return "", err
	}
	plain, err := c.store.DecryptedTrajectory(id)
	if err != nil {
		return "", err
	}
	if plain.IsRevealed {
		return "", fmt.Errorf("mission %d: %w", id, ErrAlreadyRevealed)
	}
	traj, err := c.store.EncryptedTrajectory(id)
	if err != nil {
		return "", err
	}
	if err := c.checkPending(PurposeTrajectoryReveal, id, 0); err != nil {
		return "", err
	}
	return c.issue(ctx, traj.Batch(), PendingRequest{Purpose: PurposeTrajectoryReveal, MissionID: id})
}

// RequestAnalysisDecryption asks the oracle to decrypt one analysis entry.
func (c *OracleClient) RequestAnalysisDecryption(ctx context.Context, caller Identity, id MissionID, analysisID int) (RequestID, error) {
	if err := c.guard.RequireOperator(caller, id); err != nil {
		return "", err
	}
	plain, err := c.store.DecryptedAnalysis(id, analysisID)
	if err != nil {
		return "", err
	}
	if plain.IsRevealed {
		return "", fmt.Errorf("analysis %d of mission %d: %w", analysisID, id, ErrAlreadyRevealed)
	}
	a, err := c.store.Analysis(id, analysisID)
	if err != nil {
		return "", err
	}
	if err := c.checkPending(PurposeAnalysisReveal, id, analysisID); err != nil {
		return "", err
	}
	return c.issue(ctx, a.Batch(), PendingRequest{Purpose: PurposeAnalysisReveal, MissionID: id, AnalysisID: analysisID})
}

func (c *OracleClient) lookup(rid RequestID) (PendingRequest, error) {
	// wait out an issuance that may still be recording this request
	c.issuing.Lock()
	c.issuing.Unlock()
	return c.store.PendingRequest(rid)
}

func (c *OracleClient) pending(rid RequestID, purpose Purpose) (PendingRequest, error) {
	r, err := c.lookup(rid)
	if err != nil {
		return PendingRequest{}, err
	}
	if r.Purpose != purpose {
		return PendingRequest{}, fmt.Errorf("request %s is a %s reveal: %w", rid, r.Purpose, ErrInvalidRequest)
	}
	return r, nil
}

// DecryptTrajectory applies an oracle result for a trajectory request.
func (c *OracleClient) DecryptTrajectory(ctx context.Context, rid RequestID, cleartexts, proof []byte) error {
	r, err := c.pending(rid, PurposeTrajectoryReveal)
	if err != nil {
		return err
	}
	plain, err := c.store.DecryptedTrajectory(r.MissionID)
	if err != nil {
		return err
	}
	if plain.IsRevealed {
		return fmt.Errorf("mission %d: %w", r.MissionID, ErrAlreadyRevealed)
	}
	if !c.oracle.Verify(rid, cleartexts, proof) {
		c.log.WithFields(logrus.Fields{"mission": r.MissionID, "request": rid}).Warn("rejected oracle proof")
		return fmt.Errorf("request %s: %w", rid, ErrProofVerificationFailed)
	}
	vals, err := decodeCleartexts(cleartexts, PurposeTrajectoryReveal.fieldCount())
	if err != nil {
		return err
	}
	err = c.store.CompleteTrajectoryReveal(rid, DecryptedTrajectory{
		PositionX:  vals[0],
		PositionY:  vals[1],
		PositionZ:  vals[2],
		Velocity:   vals[3],
		TimeWindow: vals[4],
	})
	if err != nil {
		return err
	}
	c.notifier.Notify(Event{Kind: EventTrajectoryRevealed, MissionID: r.MissionID, Timestamp: time.Now().UTC()})
	c.log.WithFields(logrus.Fields{"mission": r.MissionID, "request": rid}).Info("trajectory revealed")
	return nil
}

// DecryptAnalysis applies an oracle result for an analysis request.
func (c *OracleClient) DecryptAnalysis(ctx context.Context, rid RequestID, cleartexts, proof []byte) error {
	r, err := c.pending(rid, PurposeAnalysisReveal)
	if err != nil {
		return err
	}
	plain, err := c.store.DecryptedAnalysis(r.MissionID, r.AnalysisID)
	if err != nil {
		return err
	}
	if plain.IsRevealed {
		return fmt.Errorf("analysis %d of mission %d: %w", r.AnalysisID, r.MissionID, ErrAlreadyRevealed)
	}
	if !c.oracle.Verify(rid, cleartexts, proof) {
		c.log.WithFields(logrus.Fields{"mission": r.MissionID, "request": rid}).Warn("rejected oracle proof")
		return fmt.Errorf("request %s: %w", rid, ErrProofVerificationFailed)
	}
	vals, err := decodeCleartexts(cleartexts, PurposeAnalysisReveal.fieldCount())
	if err != nil {
		return err
	}
	err = c.store.CompleteAnalysisReveal(rid, DecryptedAnalysis{
		RiskScore:       vals[0],
		DistanceSquared: vals[1],
		TimeConflict:    vals[2],
	})
	if err != nil {
		return err
	}
	c.notifier.Notify(Event{Kind: EventAnalysisRevealed, MissionID: r.MissionID, AnalysisID: r.AnalysisID, Timestamp: time.Now().UTC()})
	c.log.WithFields(logrus.Fields{"mission": r.MissionID, "analysis": r.AnalysisID, "request": rid}).Info("analysis revealed")
	return nil
}

// Fulfill routes an oracle result by the purpose recorded for its request.
func (c *OracleClient) Fulfill(ctx context.Context, rid RequestID, cleartexts, proof []byte) error {
	r, err := c.lookup(rid)
	if err != nil {
		return err
	}
	switch r.Purpose {
	case PurposeTrajectoryReveal:
		return c.DecryptTrajectory(ctx, rid, cleartexts, proof)
	case PurposeAnalysisReveal:
		return c.DecryptAnalysis(ctx, rid, cleartexts, proof)
	default:
		return fmt.Errorf("request %s has purpose %s: %w", rid, r.Purpose, ErrInvalidRequest)
	}
}

var _ Callback = (*OracleClient)(nil)
