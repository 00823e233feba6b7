// Package notify fans instrument result events out to subscribers such as
// review UIs (websocket) and downstream services (NATS).
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/metrics"
)

// Event types.
const (
	ResultCreated         = "result.created"
	ResultUpdated         = "result.updated"
	ResultPatientAssigned = "result.patient_assigned"
	ResultReprocessed     = "result.reprocessed"
	ResultDeleted         = "result.deleted"
)

// Event describes a change to an instrument result.
type Event struct {
	Type             string    `json:"type"`
	Instrument       string    `json:"instrument"`
	ResultID         string    `json:"resultId"`
	SampleNumber     string    `json:"sampleNumber,omitempty"`
	ProcessingStatus string    `json:"processingStatus,omitempty"`
	PatientID        string    `json:"patientId,omitempty"`
	Actor            string    `json:"actor,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must not block for long; the
// ingestion path calls Publish after every commit.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout delivers each event to every registered publisher. Failures are
// logged and never returned: a committed result stays committed.
type Fanout struct {
	mu         sync.RWMutex
	publishers []namedPublisher
	logger     zerolog.Logger
	metrics    *metrics.Ingest
}

type namedPublisher struct {
	name string
	pub  Publisher
}

// NewFanout creates an empty Fanout. m may be nil.
func NewFanout(logger zerolog.Logger, m *metrics.Ingest) *Fanout {
	return &Fanout{logger: logger, metrics: m}
}

// Add registers a publisher under a name used in logs.
func (f *Fanout) Add(name string, p Publisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishers = append(f.publishers, namedPublisher{name: name, pub: p})
}

// Len returns the number of registered publishers.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.publishers)
}

func (f *Fanout) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	f.mu.RLock()
	pubs := f.publishers
	f.mu.RUnlock()

	for _, np := range pubs {
		if err := np.pub.Publish(ctx, event); err != nil {
			f.logger.Warn().Err(err).
				Str("publisher", np.name).
				Str("event", event.Type).
				Str("result_id", event.ResultID).
				Msg("event delivery failed")
		}
	}
	f.metrics.RecordEvent(event.Type)
	return nil
}
