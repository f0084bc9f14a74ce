package conjunction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Engine computes encrypted pairwise collision metrics. It never sees a
// plaintext: every value passes through the Evaluator.
type Engine struct {
	store    Store
	eval     Evaluator
	notifier Notifier
	log      *logrus.Logger

	divisor   uint64
	threshold uint64
	workers   int
}

func NewEngine(store Store, eval Evaluator, notifier Notifier, cfg Config) *Engine {
	if notifier == nil {
		notifier = discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	workers := cfg.AnalysisWorkers
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		store:     store,
		eval:      eval,
		notifier:  notifier,
		log:       logger,
		divisor:   cfg.DistanceDivisor,
		threshold: cfg.TimeWindowThreshold,
		workers:   workers,
	}
}

// Compare builds the analysis of a against b.
//
//	distanceSquared  = (ax-bx)² + (ay-by)² + (az-bz)²
//	timeConflictFlag = (aw + bw > threshold) ? 1 : 0
//	riskScore        = distanceSquared / divisor + timeConflictFlag
func (e *Engine) Compare(a, b EncryptedTrajectory) (CollisionAnalysis, error) {
	dist, err := e.distanceSquared(a, b)
	if err != nil {
		return CollisionAnalysis{}, fmt.Errorf("distance: %w", err)
	}
	flag, err := e.timeConflict(a.TimeWindow, b.TimeWindow)
	if err != nil {
		return CollisionAnalysis{}, fmt.Errorf("time conflict: %w", err)
	}
	scaled, err := e.eval.DivConst(dist, e.divisor)
	if err != nil {
		return CollisionAnalysis{}, fmt.Errorf("scale distance: %w", err)
	}
	risk, err := e.eval.Add(scaled, flag)
	if err != nil {
		return CollisionAnalysis{}, fmt.Errorf("risk score: %w", err)
	}
	return CollisionAnalysis{
		MissionID:        a.MissionID,
		OtherID:          b.MissionID,
		DistanceSquared:  dist,
		TimeConflictFlag: flag,
		RiskScore:        risk,
	}, nil
}

func (e *Engine) distanceSquared(a, b EncryptedTrajectory) (Ciphertext, error) {
	pairs := [][2]Ciphertext{
		{a.PositionX, b.PositionX},
		{a.PositionY, b.PositionY},
		{a.PositionZ, b.PositionZ},
	}
	var sum Ciphertext
	for _, p := range pairs {
		d, err := e.eval.Sub(p[0], p[1])
		if err != nil {
			return nil, err
		}
		sq, err := e.eval.Mul(d, d)
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = sq
			continue
		}
		if sum, err = e.eval.Add(sum, sq); err != nil {
			return nil, err
		}
	}
	return sum, nil
}

func (e *Engine) timeConflict(wa, wb Ciphertext) (Ciphertext, error) {
	total, err := e.eval.Add(wa, wb)
	if err != nil {
		return nil, err
	}
	limit, err := e.eval.Constant(e.threshold)
	if err != nil {
		return nil, err
	}
	over, err := e.eval.Gt(total, limit)
	if err != nil {
		return nil, err
	}
	one, err := e.eval.Constant(1)
	if err != nil {
		return nil, err
	}
	zero, err := e.eval.Constant(0)
	if err != nil {
		return nil, err
	}
	return e.eval.Select(over, one, zero)
}

// Priors loads the stored trajectories of missions 1..count except self, in
// ascending id order. Missions without a trajectory are skipped.
func (e *Engine) Priors(ctx context.Context, self MissionID, count int) ([]EncryptedTrajectory, error) {
	priors := make([]EncryptedTrajectory, 0, count)
	for other := MissionID(1); other <= MissionID(count); other += 1 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if other == self {
			continue
		}
		t, err := e.store.EncryptedTrajectory(other)
		if errors.Is(err, ErrUnknownMission) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load trajectory %d: %w", other, err)
		}
		priors = append(priors, t)
	}
	return priors, nil
}

// Evaluate compares subject against every prior. Comparisons run on a bounded
// worker group; the result keeps the order of priors. Either every entry is
// returned or none is.
func (e *Engine) Evaluate(ctx context.Context, subject EncryptedTrajectory, priors []EncryptedTrajectory) ([]CollisionAnalysis, error) {
	out := make([]CollisionAnalysis, len(priors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, p := range priors {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, err := e.Compare(subject, p)
			if err != nil {
				return fmt.Errorf("compare against mission %d: %w", p.MissionID, err)
			}
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AnalyzeCollisionRisks compares subject against every other mission
// registered when the call starts, in ascending id order. A subject that is
// not stored yet carries NoMission and is compared against all of them.
// Either every entry is returned or none is.
func (e *Engine) AnalyzeCollisionRisks(ctx context.Context, subject EncryptedTrajectory) ([]CollisionAnalysis, error) {
	count, err := e.store.MissionCount()
	if err != nil {
		return nil, err
	}
	priors, err := e.Priors(ctx, subject.MissionID, count)
	if err != nil {
		return nil, err
	}
	entries, err := e.Evaluate(ctx, subject, priors)
	if err != nil {
		e.log.WithError(err).WithField("mission", subject.MissionID).Warn("collision analysis aborted")
		return nil, err
	}
	return entries, nil
}

// Commit stores a new mission together with its analyses and announces the
// resulting list length.
func (e *Engine) Commit(operator Identity, createdAt time.Time, subject EncryptedTrajectory, entries []CollisionAnalysis) (MissionID, error) {
	id, err := e.store.CreateMission(operator, createdAt, subject, entries)
	if err != nil {
		return NoMission, fmt.Errorf("store mission: %w", err)
	}
	e.notifier.Notify(Event{
		Kind:          EventAnalysisCompleted,
		MissionID:     id,
		Timestamp:     time.Now().UTC(),
		AnalysisCount: len(entries),
	})
	e.log.WithFields(logrus.Fields{"mission": id, "analyses": len(entries)}).Debug("collision analysis committed")
	return id, nil
}
