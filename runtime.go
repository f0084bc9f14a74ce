package conjunction

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Runtime is a fully wired Service with its reference oracle and backend.
type Runtime struct {
	Service   *Service
	Oracle    *ThresholdOracle
	Evaluator Evaluator
	Committee KeyCommittee
	Events    *Broadcaster

	store Store
	nc    *nats.Conn
	log   *logrus.Logger
}

// NewEvaluator builds the key committee and evaluator for the configured
// backend.
func NewEvaluator(cfg Config) (Evaluator, KeyCommittee, error) {
	switch cfg.Backend {
	case BackendDJ:
		committee, err := NewDJCommittee(cfg.KeyBits, cfg.Parties)
		if err != nil {
			return nil, nil, err
		}
		return NewDJEvaluator(committee), committee, nil
	case BackendBFV:
		committee, err := NewBFVCommittee(cfg.Parties)
		if err != nil {
			return nil, nil, err
		}
		return NewBFVEvaluator(committee), committee, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Open wires a Runtime from cfg: the backend, the store (SQLite when a
// database path is set), the notifiers and the oracle.
func Open(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		logger, err := cfg.NewLogger()
		if err != nil {
			return nil, err
		}
		cfg.Logger = logger
	}
	log := cfg.Logger

	eval, committee, err := NewEvaluator(cfg)
	if err != nil {
		return nil, fmt.Errorf("set up %s backend: %w", cfg.Backend, err)
	}
	log.WithFields(logrus.Fields{"backend": cfg.Backend, "parties": committee.Parties()}).Info("key committee ready")

	rt := &Runtime{Evaluator: eval, Committee: committee, Events: NewBroadcaster(log, cfg.EventHistory), log: log}
	notifiers := Notifiers{rt.Events}
	if cfg.NATSURL != "" {
		nn, nc, err := DialNATS(cfg.NATSURL, cfg.NATSPrefix, log)
		if err != nil {
			return nil, err
		}
		rt.nc = nc
		notifiers = append(notifiers, nn)
	}

	if cfg.DatabasePath != "" {
		rt.store, err = OpenSQLStore(cfg.DatabasePath, eval, notifiers)
		if err != nil {
			rt.Close()
			return nil, err
		}
	} else {
		rt.store = NewMemoryStore(notifiers)
	}

	rt.Oracle, err = NewThresholdOracle(committee, log)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Service = NewService(rt.store, eval, rt.Oracle, notifiers, cfg)
	rt.Oracle.Attach(rt.Service)
	return rt, nil
}

// Close drains the NATS connection and closes the store.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.nc != nil {
		if err := rt.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain nats: %w", err))
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
