package conjunction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Service is the entry point for operators and the oracle. Submissions run
// one at a time; every other mutation of a mission holds that mission's lock.
type Service struct {
	store  Store
	eval   Evaluator
	engine *Engine
	guard  *Guard
	client *OracleClient
	log    *logrus.Logger

	submitMu sync.Mutex
	locksMu  sync.Mutex
	locks    map[MissionID]*sync.Mutex
}

func NewService(store Store, eval Evaluator, oracle Oracle, notifier Notifier, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	guard := NewGuard(store, cfg.AllowDelegatedSubmission)
	return &Service{
		store:  store,
		eval:   eval,
		engine: NewEngine(store, eval, notifier, cfg),
		guard:  guard,
		client: NewOracleClient(store, oracle, guard, notifier, cfg),
		log:    cfg.Logger,
		locks:  make(map[MissionID]*sync.Mutex),
	}
}

func (s *Service) lock(id MissionID) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// EncryptTrajectory encrypts plaintext trajectory fields on the client side.
func EncryptTrajectory(ev Evaluator, x, y, z, velocity, window uint64) (EncryptedTrajectory, error) {
	vals := []uint64{x, y, z, velocity, window}
	cs := make([]Ciphertext, len(vals))
	for i, v := range vals {
		c, err := ev.Encrypt(v)
		if err != nil {
			return EncryptedTrajectory{}, fmt.Errorf("encrypt field %d: %w", i, err)
		}
		cs[i] = c
	}
	return EncryptedTrajectory{
		PositionX:  cs[0],
		PositionY:  cs[1],
		PositionZ:  cs[2],
		Velocity:   cs[3],
		TimeWindow: cs[4],
	}, nil
}

// SubmitTrajectory registers a new mission for operator, stores its trajectory
// and appends its comparison against every mission registered before it. The
// analysis is computed before anything is stored and the writes happen in one
// step, so a failed submission leaves no mission behind.
func (s *Service) SubmitTrajectory(ctx context.Context, caller, operator Identity, traj EncryptedTrajectory) (MissionID, error) {
	if err := s.guard.RequireSubmitter(caller, operator); err != nil {
		return NoMission, err
	}
	if !traj.complete() {
		return NoMission, ErrIncompleteTrajectory
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	traj.MissionID = NoMission
	entries, err := s.engine.AnalyzeCollisionRisks(ctx, traj)
	if err != nil {
		s.log.WithError(err).WithField("operator", operator).Warn("submission rejected")
		return NoMission, fmt.Errorf("collision analysis: %w", err)
	}
	id, err := s.engine.Commit(operator, time.Now().UTC(), traj, entries)
	if err != nil {
		return NoMission, err
	}
	s.log.WithFields(logrus.Fields{
		"mission":  id,
		"operator": operator,
		"analyses": len(entries),
	}).Info("trajectory submitted")
	return id, nil
}

func (s *Service) RequestTrajectoryDecryption(ctx context.Context, caller Identity, id MissionID) (RequestID, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.client.RequestTrajectoryDecryption(ctx, caller, id)
}

func (s *Service) RequestAnalysisDecryption(ctx context.Context, caller Identity, id MissionID, analysisID int) (RequestID, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.client.RequestAnalysisDecryption(ctx, caller, id, analysisID)
}

// lockRequest locks the mission a pending request targets.
func (s *Service) lockRequest(rid RequestID) (func(), error) {
	r, err := s.client.lookup(rid)
	if err != nil {
		return nil, err
	}
	return s.lock(r.MissionID), nil
}

// DecryptTrajectory is the oracle callback for trajectory reveals.
func (s *Service) DecryptTrajectory(ctx context.Context, rid RequestID, cleartexts, proof []byte) error {
	unlock, err := s.lockRequest(rid)
	if err != nil {
		return err
	}
	defer unlock()
	return s.client.DecryptTrajectory(ctx, rid, cleartexts, proof)
}

// DecryptAnalysis is the oracle callback for analysis reveals.
func (s *Service) DecryptAnalysis(ctx context.Context, rid RequestID, cleartexts, proof []byte) error {
	unlock, err := s.lockRequest(rid)
	if err != nil {
		return err
	}
	defer unlock()
	return s.client.DecryptAnalysis(ctx, rid, cleartexts, proof)
}

// Fulfill is the single callback entry point for the oracle.
func (s *Service) Fulfill(ctx context.Context, rid RequestID, cleartexts, proof []byte) error {
	unlock, err := s.lockRequest(rid)
	if err != nil {
		return err
	}
	defer unlock()
	return s.client.Fulfill(ctx, rid, cleartexts, proof)
}

// DecryptedTrajectory returns the plaintext shadow of a mission to its
// operator. Fields are zero until the reveal.
func (s *Service) DecryptedTrajectory(caller Identity, id MissionID) (DecryptedTrajectory, error) {
	if err := s.guard.RequireOperator(caller, id); err != nil {
		return DecryptedTrajectory{}, err
	}
	return s.store.DecryptedTrajectory(id)
}

// DecryptedAnalysis returns the plaintext shadow of one analysis entry to
// the mission's operator.
func (s *Service) DecryptedAnalysis(caller Identity, id MissionID, analysisID int) (DecryptedAnalysis, error) {
	if err := s.guard.RequireOperator(caller, id); err != nil {
		return DecryptedAnalysis{}, err
	}
	return s.store.DecryptedAnalysis(id, analysisID)
}

// Evaluator is the evaluator clients encrypt submissions with.
func (s *Service) Evaluator() Evaluator {
	return s.eval
}

func (s *Service) Mission(id MissionID) (Mission, error) {
	return s.store.Mission(id)
}

func (s *Service) MissionCount() (int, error) {
	return s.store.MissionCount()
}

func (s *Service) AnalysisCount(id MissionID) (int, error) {
	return s.store.AnalysisCount(id)
}

// Analyses lists which missions the operator's mission was compared
// against. The encrypted values stay in the store.
func (s *Service) Analyses(caller Identity, id MissionID) ([]AnalysisRef, error) {
	if err := s.guard.RequireOperator(caller, id); err != nil {
		return nil, err
	}
	list, err := s.store.Analyses(id)
	if err != nil {
		return nil, err
	}
	refs := make([]AnalysisRef, len(list))
	for i, a := range list {
		refs[i] = AnalysisRef{MissionID: id, AnalysisID: i, OtherID: a.OtherID}
	}
	return refs, nil
}

var _ Callback = (*Service)(nil)
