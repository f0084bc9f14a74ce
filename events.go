package conjunction

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

type EventKind string

const (
	EventTrajectorySubmitted EventKind = "trajectory.submitted"
	EventAnalysisCompleted   EventKind = "analysis.completed"
	EventTrajectoryRevealed  EventKind = "trajectory.revealed"
	EventAnalysisRevealed    EventKind = "analysis.revealed"
)

// Event is a notification for external observers. It never carries
// ciphertexts or plaintexts.
type Event struct {
	Kind      EventKind `json:"kind"`
	MissionID MissionID `json:"missionId"`
	Operator  Identity  `json:"operator,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// AnalysisCount is set on analysis.completed.
	AnalysisCount int `json:"analysisCount"`
	// AnalysisID is set on analysis.revealed.
	AnalysisID int `json:"analysisId"`
}

// MarshalJSON writes the fields that belong to the event's kind. A count or
// index of zero is still written.
func (e Event) MarshalJSON() ([]byte, error) {
	type payload struct {
		Kind          EventKind `json:"kind"`
		MissionID     MissionID `json:"missionId"`
		Operator      Identity  `json:"operator,omitempty"`
		Timestamp     time.Time `json:"timestamp"`
		AnalysisCount *int      `json:"analysisCount,omitempty"`
		AnalysisID    *int      `json:"analysisId,omitempty"`
	}
	p := payload{Kind: e.Kind, MissionID: e.MissionID, Operator: e.Operator, Timestamp: e.Timestamp}
	switch e.Kind {
	case EventAnalysisCompleted:
		p.AnalysisCount = &e.AnalysisCount
	case EventAnalysisRevealed:
		p.AnalysisID = &e.AnalysisID
	}
	return json.Marshal(p)
}

// Notifier receives events. Notify must not block the caller for long and
// must not fail the operation that emitted the event.
type Notifier interface {
	Notify(e Event)
}

// Notifiers fans an event out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(e Event) {
	for _, n := range ns {
		n.Notify(e)
	}
}

type discard struct{}

func (discard) Notify(Event) {}

// DefaultEventHistory is how many recent events a Broadcaster keeps unless
// configured otherwise.
const DefaultEventHistory = 1024

// Broadcaster keeps the most recent events and fans events out to
// subscribers. A subscriber that falls behind loses events rather than
// blocking.
type Broadcaster struct {
	mu      sync.Mutex
	history []Event
	limit   int
	subs    map[int]chan Event
	nextSub int
	log     *logrus.Logger
}

// NewBroadcaster keeps the last history events; zero or less keeps none.
func NewBroadcaster(logger *logrus.Logger, history int) *Broadcaster {
	if logger == nil {
		logger = logrus.New()
	}
	if history < 0 {
		history = 0
	}
	return &Broadcaster{subs: make(map[int]chan Event), limit: history, log: logger}
}

func (b *Broadcaster) Notify(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 {
		if len(b.history) == b.limit {
			copy(b.history, b.history[1:])
			b.history = b.history[:b.limit-1]
		}
		b.history = append(b.history, e)
	}
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.WithFields(logrus.Fields{"subscriber": id, "kind": e.Kind}).Warn("dropping event for slow subscriber")
		}
	}
}

// Subscribe returns a channel of future events and a function that ends the
// subscription.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub += 1
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Events returns a copy of the retained events, oldest first.
func (b *Broadcaster) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Publisher is the part of *nats.Conn the NATS notifier needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSNotifier publishes events as JSON on <prefix>.<kind>.
type NATSNotifier struct {
	conn   Publisher
	prefix string
	log    *logrus.Logger
}

func NewNATSNotifier(conn Publisher, prefix string, logger *logrus.Logger) *NATSNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &NATSNotifier{conn: conn, prefix: prefix, log: logger}
}

// DialNATS connects to the server at url and returns a notifier on it along
// with the connection so the caller can drain it on shutdown.
func DialNATS(url, prefix string, logger *logrus.Logger) (*NATSNotifier, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("conjunction"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return NewNATSNotifier(nc, prefix, logger), nc, nil
}

func (n *NATSNotifier) Subject(kind EventKind) string {
	return n.prefix + "." + string(kind)
}

func (n *NATSNotifier) Notify(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		n.log.WithError(err).Error("encode event")
		return
	}
	if err := n.conn.Publish(n.Subject(e.Kind), data); err != nil {
		n.log.WithError(err).WithField("kind", e.Kind).Error("publish event")
	}
}
