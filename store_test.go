package conjunction

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T, n Notifier) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, n Notifier) Store {
			return NewMemoryStore(n)
		},
		"sqlite": func(t *testing.T, n Notifier) Store {
			s, err := OpenSQLStore(filepath.Join(t.TempDir(), "conjunction.db"), &plainEvaluator{}, n)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func plainTrajectory(x, y, z, v, w uint64) EncryptedTrajectory {
	return EncryptedTrajectory{
		PositionX:  &plainCT{x},
		PositionY:  &plainCT{y},
		PositionZ:  &plainCT{z},
		Velocity:   &plainCT{v},
		TimeWindow: &plainCT{w},
	}
}

func plainAnalysis(other MissionID, d, f, r uint64) CollisionAnalysis {
	return CollisionAnalysis{
		OtherID:          other,
		DistanceSquared:  &plainCT{d},
		TimeConflictFlag: &plainCT{f},
		RiskScore:        &plainCT{r},
	}
}

func TestStores(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("mission ids are monotonic", func(t *testing.T) {
				s := open(t, nil)
				for want := MissionID(1); want <= 3; want += 1 {
					id, err := s.RegisterMission("op", time.Now())
					require.NoError(t, err)
					assert.Equal(t, want, id)
				}
				n, err := s.MissionCount()
				require.NoError(t, err)
				assert.Equal(t, 3, n)

				_, err = s.Mission(NoMission)
				assert.ErrorIs(t, err, ErrUnknownMission)
				_, err = s.Mission(4)
				assert.ErrorIs(t, err, ErrUnknownMission)
			})

			t.Run("trajectory starts hidden", func(t *testing.T) {
				events := NewBroadcaster(quietLogger(), DefaultEventHistory)
				s := open(t, events)
				created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
				id, err := s.RegisterMission("alice", created)
				require.NoError(t, err)
				require.NoError(t, s.PutEncryptedTrajectory(id, plainTrajectory(1, 2, 3, 4, 5)))

				m, err := s.Mission(id)
				require.NoError(t, err)
				assert.Equal(t, Identity("alice"), m.Operator)
				assert.True(t, created.Equal(m.CreatedAt))

				plain, err := s.DecryptedTrajectory(id)
				require.NoError(t, err)
				assert.Equal(t, DecryptedTrajectory{}, plain)

				traj, err := s.EncryptedTrajectory(id)
				require.NoError(t, err)
				assert.Equal(t, id, traj.MissionID)
				assert.Equal(t, &plainCT{4}, traj.Velocity)

				err = s.PutEncryptedTrajectory(id, plainTrajectory(1, 2, 3, 4, 5))
				assert.ErrorIs(t, err, ErrTrajectoryExists)

				evs := events.Events()
				require.Len(t, evs, 1)
				assert.Equal(t, EventTrajectorySubmitted, evs[0].Kind)
				assert.Equal(t, id, evs[0].MissionID)
				assert.Equal(t, Identity("alice"), evs[0].Operator)
			})

			t.Run("incomplete trajectory is rejected", func(t *testing.T) {
				s := open(t, nil)
				id, err := s.RegisterMission("op", time.Now())
				require.NoError(t, err)
				traj := plainTrajectory(1, 2, 3, 4, 5)
				traj.TimeWindow = nil
				assert.ErrorIs(t, s.PutEncryptedTrajectory(id, traj), ErrIncompleteTrajectory)
			})

			t.Run("analyses append in order", func(t *testing.T) {
				s := open(t, nil)
				id, err := s.RegisterMission("op", time.Now())
				require.NoError(t, err)
				require.NoError(t, s.AppendAnalyses(id, []CollisionAnalysis{plainAnalysis(1, 10, 0, 0)}))
				require.NoError(t, s.AppendAnalyses(id, []CollisionAnalysis{plainAnalysis(2, 20, 1, 1), plainAnalysis(3, 30, 0, 0)}))

				list, err := s.Analyses(id)
				require.NoError(t, err)
				require.Len(t, list, 3)
				for i, a := range list {
					assert.Equal(t, id, a.MissionID)
					assert.Equal(t, MissionID(i+1), a.OtherID)
					assert.Equal(t, &plainCT{uint64(10 * (i + 1))}, a.DistanceSquared)
				}
				n, err := s.AnalysisCount(id)
				require.NoError(t, err)
				assert.Equal(t, 3, n)

				_, err = s.Analysis(id, 3)
				assert.ErrorIs(t, err, ErrUnknownAnalysis)
				_, err = s.DecryptedAnalysis(id, -1)
				assert.ErrorIs(t, err, ErrUnknownAnalysis)
			})

			t.Run("trajectory reveal consumes request", func(t *testing.T) {
				s := open(t, nil)
				id, err := s.RegisterMission("op", time.Now())
				require.NoError(t, err)
				require.NoError(t, s.PutEncryptedTrajectory(id, plainTrajectory(1, 2, 3, 4, 5)))
				require.NoError(t, s.PutPendingRequest(PendingRequest{ID: "r1", Purpose: PurposeTrajectoryReveal, MissionID: id, IssuedAt: time.Now()}))
				require.NoError(t, s.PutPendingRequest(PendingRequest{ID: "r2", Purpose: PurposeTrajectoryReveal, MissionID: id, IssuedAt: time.Now()}))

				rid, ok, err := s.PendingFor(PurposeTrajectoryReveal, id, 0)
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Contains(t, []RequestID{"r1", "r2"}, rid)

				want := DecryptedTrajectory{PositionX: 1, PositionY: 2, PositionZ: 3, Velocity: 4, TimeWindow: 5}
				require.NoError(t, s.CompleteTrajectoryReveal("r1", want))

				got, err := s.DecryptedTrajectory(id)
				require.NoError(t, err)
				want.IsRevealed = true
				assert.Equal(t, want, got)

				_, err = s.PendingRequest("r1")
				assert.ErrorIs(t, err, ErrInvalidRequest)
				assert.ErrorIs(t, s.CompleteTrajectoryReveal("r1", want), ErrInvalidRequest)

				err = s.CompleteTrajectoryReveal("r2", DecryptedTrajectory{PositionX: 99})
				assert.ErrorIs(t, err, ErrAlreadyRevealed)
				got, err = s.DecryptedTrajectory(id)
				require.NoError(t, err)
				assert.Equal(t, want, got)
				_, err = s.PendingRequest("r2")
				assert.NoError(t, err, "failed reveal must leave the request in place")
			})

			t.Run("analysis reveal checks purpose", func(t *testing.T) {
				s := open(t, nil)
				id, err := s.RegisterMission("op", time.Now())
				require.NoError(t, err)
				require.NoError(t, s.AppendAnalyses(id, []CollisionAnalysis{plainAnalysis(7, 25, 1, 1)}))
				require.NoError(t, s.PutPendingRequest(PendingRequest{ID: "a1", Purpose: PurposeAnalysisReveal, MissionID: id, AnalysisID: 0, IssuedAt: time.Now()}))

				_, ok, err := s.PendingFor(PurposeAnalysisReveal, id, 1)
				require.NoError(t, err)
				assert.False(t, ok)

				err = s.CompleteTrajectoryReveal("a1", DecryptedTrajectory{})
				assert.ErrorIs(t, err, ErrInvalidRequest)

				require.NoError(t, s.CompleteAnalysisReveal("a1", DecryptedAnalysis{RiskScore: 1, DistanceSquared: 25, TimeConflict: 1}))
				got, err := s.DecryptedAnalysis(id, 0)
				require.NoError(t, err)
				assert.Equal(t, DecryptedAnalysis{RiskScore: 1, DistanceSquared: 25, TimeConflict: 1, IsRevealed: true}, got)

				a, err := s.Analysis(id, 0)
				require.NoError(t, err)
				assert.Equal(t, &plainCT{25}, a.DistanceSquared, "encrypted entry stays untouched")
			})

			t.Run("create mission stores everything", func(t *testing.T) {
				events := NewBroadcaster(quietLogger(), DefaultEventHistory)
				s := open(t, events)
				id, err := s.CreateMission("alice", time.Now(), plainTrajectory(1, 2, 3, 4, 5),
					[]CollisionAnalysis{plainAnalysis(7, 25, 1, 1)})
				require.NoError(t, err)
				assert.Equal(t, MissionID(1), id)

				traj, err := s.EncryptedTrajectory(id)
				require.NoError(t, err)
				assert.Equal(t, &plainCT{3}, traj.PositionZ)
				list, err := s.Analyses(id)
				require.NoError(t, err)
				require.Len(t, list, 1)
				assert.Equal(t, id, list[0].MissionID)
				assert.Equal(t, MissionID(7), list[0].OtherID)
				an, err := s.DecryptedAnalysis(id, 0)
				require.NoError(t, err)
				assert.False(t, an.IsRevealed)

				evs := events.Events()
				require.Len(t, evs, 1)
				assert.Equal(t, EventTrajectorySubmitted, evs[0].Kind)
				assert.Equal(t, id, evs[0].MissionID)
			})

			t.Run("create mission is all or nothing", func(t *testing.T) {
				events := NewBroadcaster(quietLogger(), DefaultEventHistory)
				s := open(t, events)
				bad := plainTrajectory(1, 2, 3, 4, 5)
				bad.Velocity = nil
				_, err := s.CreateMission("alice", time.Now(), bad, nil)
				assert.ErrorIs(t, err, ErrIncompleteTrajectory)

				broken := plainAnalysis(1, 1, 1, 1)
				broken.RiskScore = nil
				_, err = s.CreateMission("alice", time.Now(), plainTrajectory(1, 2, 3, 4, 5),
					[]CollisionAnalysis{plainAnalysis(1, 1, 1, 1), broken})
				assert.ErrorIs(t, err, ErrIncompleteAnalysis)

				n, err := s.MissionCount()
				require.NoError(t, err)
				assert.Equal(t, 0, n)
				assert.Empty(t, events.Events())

				id, err := s.CreateMission("alice", time.Now(), plainTrajectory(1, 2, 3, 4, 5), nil)
				require.NoError(t, err)
				assert.Equal(t, MissionID(1), id)
			})

			t.Run("pending request needs a mission", func(t *testing.T) {
				s := open(t, nil)
				err := s.PutPendingRequest(PendingRequest{ID: "x", Purpose: PurposeTrajectoryReveal, MissionID: 9})
				assert.ErrorIs(t, err, ErrUnknownMission)
			})
		})
	}
}

// foreignCT is a ciphertext the plain codec cannot export.
type foreignCT struct{}

func TestSQLStoreRollsBackFailedMission(t *testing.T) {
	s, err := OpenSQLStore(filepath.Join(t.TempDir(), "conjunction.db"), &plainEvaluator{}, nil)
	require.NoError(t, err)
	defer s.Close()

	entry := plainAnalysis(1, 1, 1, 1)
	entry.DistanceSquared = foreignCT{}
	_, err = s.CreateMission("op", time.Now(), plainTrajectory(1, 2, 3, 4, 5), []CollisionAnalysis{entry})
	require.Error(t, err)

	n, err := s.MissionCount()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// fail the last insert so the mission and trajectory rows must roll back
	_, err = s.db.Exec(`CREATE TRIGGER reject_analyses BEFORE INSERT ON analyses
		BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)
	_, err = s.CreateMission("op", time.Now(), plainTrajectory(1, 2, 3, 4, 5),
		[]CollisionAnalysis{plainAnalysis(1, 1, 1, 1)})
	require.ErrorContains(t, err, "rejected")

	n, err = s.MissionCount()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM trajectories`).Scan(&rows))
	assert.Equal(t, 0, rows)

	_, err = s.db.Exec(`DROP TRIGGER reject_analyses`)
	require.NoError(t, err)
	id, err := s.CreateMission("op", time.Now(), plainTrajectory(1, 2, 3, 4, 5),
		[]CollisionAnalysis{plainAnalysis(1, 1, 1, 1)})
	require.NoError(t, err)
	assert.Equal(t, MissionID(1), id)
}

func TestSQLStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conjunction.db")
	codec := &plainEvaluator{}

	s, err := OpenSQLStore(path, codec, nil)
	require.NoError(t, err)
	id, err := s.RegisterMission("op", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.PutEncryptedTrajectory(id, plainTrajectory(1, 2, 3, 4, 5)))
	require.NoError(t, s.PutPendingRequest(PendingRequest{ID: "r", Purpose: PurposeTrajectoryReveal, MissionID: id, IssuedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = OpenSQLStore(path, codec, nil)
	require.NoError(t, err)
	defer s.Close()

	r, err := s.PendingRequest("r")
	require.NoError(t, err)
	assert.Equal(t, id, r.MissionID)
	assert.Equal(t, PurposeTrajectoryReveal, r.Purpose)

	require.NoError(t, s.CompleteTrajectoryReveal("r", DecryptedTrajectory{PositionX: 1 << 63, TimeWindow: 5}))
	got, err := s.DecryptedTrajectory(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<63), got.PositionX)
	assert.True(t, got.IsRevealed)
}
