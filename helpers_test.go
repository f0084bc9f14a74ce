package conjunction

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var (
	djOnce sync.Once
	djEval *DJEvaluator
	djErr  error
)

// sharedDJ deals one 3-party committee for the whole package.
func sharedDJ(t testing.TB) *DJEvaluator {
	t.Helper()
	djOnce.Do(func() {
		var c *DJCommittee
		c, djErr = NewDJCommittee(512, 3)
		if djErr == nil {
			djEval = NewDJEvaluator(c)
		}
	})
	require.NoError(t, djErr)
	return djEval
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = quietLogger()
	return cfg
}

// plainCT is a ciphertext stand-in that carries its value in the clear.
type plainCT struct {
	v uint64
}

// plainEvaluator evaluates in the clear so property tests run fast.
type plainEvaluator struct {
	muls    atomic.Int64
	failMul int64 // fail the n-th multiplication when positive
}

var errInjected = errors.New("injected failure")

func (ev *plainEvaluator) cast(c Ciphertext) (uint64, error) {
	p, ok := c.(*plainCT)
	if !ok || p == nil {
		return 0, ErrIncompatibleCiphertext
	}
	return p.v, nil
}

func (ev *plainEvaluator) bin(a, b Ciphertext, fn func(x, y uint64) uint64) (Ciphertext, error) {
	x, err := ev.cast(a)
	if err != nil {
		return nil, err
	}
	y, err := ev.cast(b)
	if err != nil {
		return nil, err
	}
	return &plainCT{fn(x, y)}, nil
}

func (ev *plainEvaluator) Encrypt(v uint64) (Ciphertext, error)  { return &plainCT{v}, nil }
func (ev *plainEvaluator) Constant(v uint64) (Ciphertext, error) { return &plainCT{v}, nil }

func (ev *plainEvaluator) Add(a, b Ciphertext) (Ciphertext, error) {
	return ev.bin(a, b, func(x, y uint64) uint64 { return x + y })
}

func (ev *plainEvaluator) Sub(a, b Ciphertext) (Ciphertext, error) {
	return ev.bin(a, b, func(x, y uint64) uint64 { return x - y })
}

func (ev *plainEvaluator) Mul(a, b Ciphertext) (Ciphertext, error) {
	if n := ev.muls.Add(1); ev.failMul > 0 && n == ev.failMul {
		return nil, errInjected
	}
	return ev.bin(a, b, func(x, y uint64) uint64 { return x * y })
}

func (ev *plainEvaluator) DivConst(a Ciphertext, d uint64) (Ciphertext, error) {
	if d == 0 {
		return nil, errors.New("division by zero")
	}
	x, err := ev.cast(a)
	if err != nil {
		return nil, err
	}
	return &plainCT{x / d}, nil
}

func (ev *plainEvaluator) Gt(a, b Ciphertext) (Ciphertext, error) {
	return ev.bin(a, b, func(x, y uint64) uint64 {
		if x > y {
			return 1
		}
		return 0
	})
}

func (ev *plainEvaluator) Select(cond, ifTrue, ifFalse Ciphertext) (Ciphertext, error) {
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

func (ev *plainEvaluator) Export(c Ciphertext) ([]byte, error) {
	x, err := ev.cast(c)
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint64(nil, x), nil
}

func (ev *plainEvaluator) Import(data []byte) (Ciphertext, error) {
	if len(data) != 8 {
		return nil, ErrIncompatibleCiphertext
	}
	return &plainCT{binary.BigEndian.Uint64(data)}, nil
}

// Decrypt lets plainEvaluator act as its own key committee.
func (ev *plainEvaluator) Decrypt(c Ciphertext) (*big.Int, error) {
	x, err := ev.cast(c)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(x), nil
}

func (ev *plainEvaluator) Parties() int { return 1 }

var _ Evaluator = (*plainEvaluator)(nil)
var _ KeyCommittee = (*plainEvaluator)(nil)

type harness struct {
	svc    *Service
	oracle *ThresholdOracle
	events *Broadcaster
	store  Store
	eval   Evaluator
}

// newHarness wires a Service around eval. openStore builds the store on top
// of the harness notifier; nil selects a MemoryStore.
func newHarness(t *testing.T, eval Evaluator, committee KeyCommittee, cfg Config, openStore func(Notifier) (Store, error)) *harness {
	t.Helper()
	oracle, err := NewThresholdOracle(committee, cfg.Logger)
	require.NoError(t, err)
	events := NewBroadcaster(cfg.Logger, DefaultEventHistory)
	var store Store = NewMemoryStore(events)
	if openStore != nil {
		store, err = openStore(events)
		require.NoError(t, err)
	}
	svc := NewService(store, eval, oracle, events, cfg)
	oracle.Attach(svc)
	t.Cleanup(func() { _ = store.Close() })
	return &harness{svc: svc, oracle: oracle, events: events, store: store, eval: eval}
}

func newPlainHarness(t *testing.T) *harness {
	t.Helper()
	ev := &plainEvaluator{}
	return newHarness(t, ev, ev, testConfig(), nil)
}

func (h *harness) submit(t *testing.T, operator Identity, x, y, z, v, w uint64) MissionID {
	t.Helper()
	traj, err := EncryptTrajectory(h.eval, x, y, z, v, w)
	require.NoError(t, err)
	id, err := h.svc.SubmitTrajectory(context.Background(), operator, operator, traj)
	require.NoError(t, err)
	return id
}
