package conjunction

import (
	"fmt"
	"sync"
	"time"
)

// Store owns every mission record. Reads hand out copies; the only way to
// change a record is through the methods below.
type Store interface {
	// RegisterMission allocates the next mission id.
	RegisterMission(operator Identity, createdAt time.Time) (MissionID, error)
	// PutEncryptedTrajectory stores the ciphertexts together with a zeroed,
	// unrevealed plaintext shadow and emits a submission event.
	PutEncryptedTrajectory(id MissionID, t EncryptedTrajectory) error
	// AppendAnalyses appends entries to the mission's analysis list in order.
	AppendAnalyses(id MissionID, entries []CollisionAnalysis) error
	// CreateMission registers a mission, stores its trajectory and appends
	// its analyses as one step. On failure nothing is stored.
	CreateMission(operator Identity, createdAt time.Time, t EncryptedTrajectory, entries []CollisionAnalysis) (MissionID, error)
	PutPendingRequest(r PendingRequest) error

	MissionCount() (int, error)
	Mission(id MissionID) (Mission, error)
	EncryptedTrajectory(id MissionID) (EncryptedTrajectory, error)
	DecryptedTrajectory(id MissionID) (DecryptedTrajectory, error)
	Analyses(id MissionID) ([]CollisionAnalysis, error)
	Analysis(id MissionID, analysisID int) (CollisionAnalysis, error)
	AnalysisCount(id MissionID) (int, error)
	DecryptedAnalysis(id MissionID, analysisID int) (DecryptedAnalysis, error)
	PendingRequest(rid RequestID) (PendingRequest, error)
	// PendingFor reports whether a request for the target is outstanding.
	PendingFor(purpose Purpose, id MissionID, analysisID int) (RequestID, bool, error)

	// CompleteTrajectoryReveal writes the plaintext of the request's mission
	// and consumes the request. Nothing changes when it fails.
	CompleteTrajectoryReveal(rid RequestID, plain DecryptedTrajectory) error
	// CompleteAnalysisReveal does the same for one analysis entry.
	CompleteAnalysisReveal(rid RequestID, plain DecryptedAnalysis) error

	Close() error
}

type missionRecord struct {
	mission   Mission
	encrypted *EncryptedTrajectory
	decrypted DecryptedTrajectory
	analyses  []CollisionAnalysis
	revealed  []DecryptedAnalysis
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	missions []*missionRecord
	pending  map[RequestID]PendingRequest
	notifier Notifier
}

func NewMemoryStore(notifier Notifier) *MemoryStore {
	if notifier == nil {
		notifier = discard{}
	}
	return &MemoryStore{
		pending:  make(map[RequestID]PendingRequest),
		notifier: notifier,
	}
}

func (s *MemoryStore) record(id MissionID) (*missionRecord, error) {
	if id == NoMission || uint64(id) > uint64(len(s.missions)) {
		return nil, fmt.Errorf("mission %d: %w", id, ErrUnknownMission)
	}
	return s.missions[id-1], nil
}

func (s *MemoryStore) RegisterMission(operator Identity, createdAt time.Time) (MissionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register(operator, createdAt).mission.ID, nil
}

// register appends a new record; the caller holds mu.
func (s *MemoryStore) register(operator Identity, createdAt time.Time) *missionRecord {
	id := MissionID(len(s.missions) + 1)
	rec := &missionRecord{mission: Mission{ID: id, Operator: operator, CreatedAt: createdAt}}
	s.missions = append(s.missions, rec)
	return rec
}

func putTrajectory(rec *missionRecord, t EncryptedTrajectory) error {
	if rec.encrypted != nil {
		return fmt.Errorf("mission %d: %w", rec.mission.ID, ErrTrajectoryExists)
	}
	t.MissionID = rec.mission.ID
	rec.encrypted = &t
	rec.decrypted = DecryptedTrajectory{}
	return nil
}

func appendAnalyses(rec *missionRecord, entries []CollisionAnalysis) {
	for _, e := range entries {
		e.MissionID = rec.mission.ID
		rec.analyses = append(rec.analyses, e)
		rec.revealed = append(rec.revealed, DecryptedAnalysis{})
	}
}

func (s *MemoryStore) submitted(m Mission) {
	s.notifier.Notify(Event{Kind: EventTrajectorySubmitted, MissionID: m.ID, Operator: m.Operator, Timestamp: m.CreatedAt})
}

func (s *MemoryStore) PutEncryptedTrajectory(id MissionID, t EncryptedTrajectory) error {
	if !t.complete() {
		return ErrIncompleteTrajectory
	}
	s.mu.Lock()
	rec, err := s.record(id)
	if err == nil {
		err = putTrajectory(rec, t)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.submitted(rec.mission)
	return nil
}

func (s *MemoryStore) AppendAnalyses(id MissionID, entries []CollisionAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(id)
	if err != nil {
		return err
	}
	appendAnalyses(rec, entries)
	return nil
}

func (s *MemoryStore) CreateMission(operator Identity, createdAt time.Time, t EncryptedTrajectory, entries []CollisionAnalysis) (MissionID, error) {
	if !t.complete() {
		return NoMission, ErrIncompleteTrajectory
	}
	for i, e := range entries {
		if !e.complete() {
			return NoMission, fmt.Errorf("analysis %d: %w", i, ErrIncompleteAnalysis)
		}
	}
	s.mu.Lock()
	rec := s.register(operator, createdAt)
	// a fresh record has no trajectory, so this cannot fail
	_ = putTrajectory(rec, t)
	appendAnalyses(rec, entries)
	s.mu.Unlock()

	s.submitted(rec.mission)
	return rec.mission.ID, nil
}

func (s *MemoryStore) PutPendingRequest(r PendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.record(r.MissionID); err != nil {
		return err
	}
	if _, ok := s.pending[r.ID]; ok {
		return fmt.Errorf("request %s already recorded: %w", r.ID, ErrInvalidRequest)
	}
	s.pending[r.ID] = r
	return nil
}

func (s *MemoryStore) MissionCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.missions), nil
}

func (s *MemoryStore) Mission(id MissionID) (Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(id)
	if err != nil {
		return Mission{}, err
	}
	return rec.mission, nil
}

func (s *MemoryStore) EncryptedTrajectory(id MissionID) (EncryptedTrajectory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(id)
	if err != nil {
		return EncryptedTrajectory{}, err
	}
	if rec.encrypted == nil {
		return EncryptedTrajectory{}, fmt.Errorf("mission %d has no trajectory: %w", id, ErrUnknownMission)
	}
	return *rec.encrypted, nil
}

func (s *MemoryStore) DecryptedTrajectory(id MissionID) (DecryptedTrajectory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(id)
	if err != nil {
		return DecryptedTrajectory{}, err
	}
	return rec.decrypted, nil
}

func (s *MemoryStore) Analyses(id MissionID) ([]CollisionAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}
	out := make([]CollisionAnalysis, len(rec.analyses))
	copy(out, rec.analyses)
	return out, nil
}

func (s *MemoryStore) analysisIndex(rec *missionRecord, analysisID int) error {
	if analysisID < 0 || analysisID >= len(rec.analyses) {
		return fmt.Errorf("analysis %d of mission %d: %w", analysisID, rec.mission.ID, ErrUnknownAnalysis)
	}
	return nil
}

func (s *MemoryStore) Analysis(id MissionID, analysisID int) (CollisionAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(id)
	if err != nil {
		return CollisionAnalysis{}, err
	}
	if err := s.analysisIndex(rec, analysisID); err != nil {
		return CollisionAnalysis{}, err
	}
	return rec.analyses[analysisID], nil
}

func (s *MemoryStore) AnalysisCount(id MissionID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(id)
	if err != nil {
		return 0, err
	}
	return len(rec.analyses), nil
}

func (s *MemoryStore) DecryptedAnalysis(id MissionID, analysisID int) (DecryptedAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(id)
	if err != nil {
		return DecryptedAnalysis{}, err
	}
	if err := s.analysisIndex(rec, analysisID); err != nil {
		return DecryptedAnalysis{}, err
	}
	return rec.revealed[analysisID], nil
}

func (s *MemoryStore) PendingRequest(rid RequestID) (PendingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.pending[rid]
	if !ok {
		return PendingRequest{}, fmt.Errorf("request %s: %w", rid, ErrInvalidRequest)
	}
	return r, nil
}

func (s *MemoryStore) PendingFor(purpose Purpose, id MissionID, analysisID int) (RequestID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for rid, r := range s.pending {
		if r.Purpose == purpose && r.MissionID == id && (purpose != PurposeAnalysisReveal || r.AnalysisID == analysisID) {
			return rid, true, nil
		}
	}
	return "", false, nil
}

// consume looks up a pending request of the given purpose; the caller holds mu.
func (s *MemoryStore) consume(rid RequestID, purpose Purpose) (PendingRequest, *missionRecord, error) {
	r, ok := s.pending[rid]
	if !ok || r.Purpose != purpose {
		return PendingRequest{}, nil, fmt.Errorf("request %s: %w", rid, ErrInvalidRequest)
	}
	rec, err := s.record(r.MissionID)
	if err != nil {
		return PendingRequest{}, nil, err
	}
	return r, rec, nil
}

func (s *MemoryStore) CompleteTrajectoryReveal(rid RequestID, plain DecryptedTrajectory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, rec, err := s.consume(rid, PurposeTrajectoryReveal)
	if err != nil {
		return err
	}
	if rec.decrypted.IsRevealed {
		return fmt.Errorf("mission %d: %w", rec.mission.ID, ErrAlreadyRevealed)
	}
	plain.IsRevealed = true
	rec.decrypted = plain
	delete(s.pending, rid)
	return nil
}

func (s *MemoryStore) CompleteAnalysisReveal(rid RequestID, plain DecryptedAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, rec, err := s.consume(rid, PurposeAnalysisReveal)
	if err != nil {
		return err
	}
	if err := s.analysisIndex(rec, r.AnalysisID); err != nil {
		return err
	}
	if rec.revealed[r.AnalysisID].IsRevealed {
		return fmt.Errorf("analysis %d of mission %d: %w", r.AnalysisID, rec.mission.ID, ErrAlreadyRevealed)
	}
	plain.IsRevealed = true
	rec.revealed[r.AnalysisID] = plain
	delete(s.pending, rid)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
