package labresult

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/domain/patient"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/metrics"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/notify"
)

// IngestOptions tunes how Ingest treats messages it cannot identify.
type IngestOptions struct {
	// RetainUnidentified stores PARSE_FAILED results that carry no sample
	// number instead of rejecting them. Socket ingestion sets it so no device
	// payload is lost; HTTP callers get an error and can resend.
	RetainUnidentified bool
}

type Service struct {
	repo       Repository
	registry   patient.Registry
	profiles   *Profiles
	pipeline   *Pipeline
	reconciler *Reconciler
	tx         Transactor
	events     notify.Publisher
	metrics    *metrics.Ingest
	logger     zerolog.Logger
}

func NewService(repo Repository, registry patient.Registry, profiles *Profiles, logger zerolog.Logger) *Service {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &Service{
		repo:       repo,
		registry:   registry,
		profiles:   profiles,
		pipeline:   NewPipeline(logger),
		reconciler: NewReconciler(registry, logger),
		tx:         noTx{},
		events:     notify.Nop{},
		logger:     logger,
	}
}

// SetTransactor makes multi-step updates atomic.
func (s *Service) SetTransactor(tx Transactor) {
	if tx != nil {
		s.tx = tx
	}
}

// SetPublisher attaches the event sink notified after every committed change.
func (s *Service) SetPublisher(p notify.Publisher) {
	if p != nil {
		s.events = p
	}
}

func (s *Service) SetMetrics(m *metrics.Ingest) {
	s.metrics = m
}

// Profiles returns the analyzer profiles the service accepts.
func (s *Service) Profiles() *Profiles {
	return s.profiles
}

// Ingest runs raw through the pipeline of its instrument and stores the
// outcome. A message whose (device id, sample number) is already stored
// fails with ErrDuplicateSample and leaves the stored record unchanged. When
// the store rejects the normalized result, the message is stored once more as
// PARSE_FAILED with only its identification and raw payload.
func (s *Service) Ingest(ctx context.Context, raw RawMessage, opts IngestOptions) (*InstrumentResult, error) {
	p, err := s.profiles.Get(raw.Instrument)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.Payload) == "" {
		return nil, validationError("rawData is required")
	}

	start := time.Now()
	res, perr := s.pipeline.Process(raw, p)
	s.metrics.ObservePipeline(p.Instrument, time.Since(start))

	log := s.logger.With().
		Str("instrument", p.Instrument).
		Str("transport", string(raw.Transport)).
		Logger()

	if perr != nil {
		if !opts.RetainUnidentified {
			log.Info().Err(perr).Msg("rejected unidentifiable message")
			return nil, perr
		}
		log.Warn().Err(perr).Str("result_id", res.ID.String()).Msg("retaining unidentifiable message")
	}

	if res.ProcessingStatus == StatusParsed {
		outcome := s.reconciler.Reconcile(ctx, res)
		log.Debug().Str("sample_number", res.SampleNumber).Str("link", string(outcome)).Msg("patient reconciliation")
		if n := res.DegradedCount(); n > 0 {
			s.metrics.RecordDegraded(p.Instrument, n)
		}
	}

	err = s.repo.Create(ctx, res)
	if err != nil && !errors.Is(err, ErrDuplicateSample) && ctx.Err() == nil {
		log.Warn().Err(err).
			Str("result_id", res.ID.String()).
			Str("sample_number", res.SampleNumber).
			Msg("store failed, retaining raw message as PARSE_FAILED")
		res = res.rawOnly(fmt.Sprintf("store failed: %v", err))
		err = s.repo.Create(ctx, res)
	}
	if err != nil {
		if errors.Is(err, ErrDuplicateSample) {
			s.metrics.RecordDuplicate(p.Instrument)
			log.Info().
				Str("device_id", res.DeviceID).
				Str("sample_number", res.SampleNumber).
				Msg("duplicate sample ignored")
		}
		return nil, err
	}
	s.metrics.RecordStored(p.Instrument, string(res.ProcessingStatus))

	log.Info().
		Str("result_id", res.ID.String()).
		Str("sample_number", res.SampleNumber).
		Str("status", string(res.ProcessingStatus)).
		Int("measurements", len(res.Measurements)).
		Msg("instrument result stored")

	s.publish(ctx, notify.ResultCreated, res)
	return res, nil
}

// List returns the results matching f, newest first, with the total count.
func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*InstrumentResult, int, error) {
	if f.Status != "" && !validProcessingStatuses[f.Status] {
		return nil, 0, validationError("invalid status: %s", f.Status)
	}
	items, total, err := s.repo.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, r := range items {
		s.attachPatient(ctx, r)
	}
	return items, total, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*InstrumentResult, error) {
	res, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.attachPatient(ctx, res)
	return res, nil
}

// GetBySampleNumber returns the result of an instrument for sampleNumber.
// deviceID may be empty; when the sample number was then reported by more
// than one device the lookup fails with ErrAmbiguousSample.
func (s *Service) GetBySampleNumber(ctx context.Context, instrument, sampleNumber, deviceID string) (*InstrumentResult, error) {
	p, err := s.profiles.Get(instrument)
	if err != nil {
		return nil, err
	}
	matches, err := s.repo.FindBySampleNumber(ctx, p.Instrument, sampleNumber, deviceID)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
	default:
		return nil, ErrAmbiguousSample
	}
	res := matches[0]
	s.attachPatient(ctx, res)
	return res, nil
}

// UpdateMeasurements applies manual value corrections. Each update is
// matched by measurement name; repeated names match repeated measurements
// in order. Status is recomputed from the stored reference range.
func (s *Service) UpdateMeasurements(ctx context.Context, id uuid.UUID, updates []MeasurementUpdate) (*InstrumentResult, error) {
	if len(updates) == 0 {
		return nil, validationError("at least one measurement update is required")
	}
	for i, u := range updates {
		if strings.TrimSpace(u.Name) == "" {
			return nil, validationError("update %d: name is required", i)
		}
	}

	var res *InstrumentResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if err := applyUpdates(res.Measurements, updates); err != nil {
			return err
		}
		return s.repo.UpdateMeasurements(ctx, id, res.Measurements)
	})
	if err != nil {
		return nil, err
	}
	res.UpdatedAt = time.Now().UTC()
	s.attachPatient(ctx, res)
	s.publish(ctx, notify.ResultUpdated, res)
	return res, nil
}

func applyUpdates(ms []Measurement, updates []MeasurementUpdate) error {
	seen := map[string]int{}
	for _, u := range updates {
		name := strings.TrimSpace(u.Name)
		nth := seen[name]
		seen[name]++

		idx, hit := -1, 0
		for i := range ms {
			if ms[i].Name != name {
				continue
			}
			if hit == nth {
				idx = i
				break
			}
			hit++
		}
		if idx < 0 {
			if nth > 0 {
				return validationError("measurement %q appears fewer than %d times", name, nth+1)
			}
			return validationError("unknown measurement %q", name)
		}
		ms[idx].Value = strings.TrimSpace(u.Value)
		ms[idx].Recompute()
	}
	return nil
}

// AssignPatient links the result to a registry patient, replacing any link.
func (s *Service) AssignPatient(ctx context.Context, id, patientID uuid.UUID) (*InstrumentResult, error) {
	if s.registry == nil {
		return nil, ErrPatientNotFound
	}
	p, err := s.registry.FindByID(ctx, patientID)
	if err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("looking up patient: %w", err)
	}

	var res *InstrumentResult
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		return s.repo.SetPatient(ctx, id, patientID)
	})
	if err != nil {
		return nil, err
	}

	res.PatientID = &patientID
	res.Patient = p
	res.UpdatedAt = time.Now().UTC()
	s.publish(ctx, notify.ResultPatientAssigned, res)
	return res, nil
}

// Delete removes a result permanently.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().
		Str("result_id", id.String()).
		Str("instrument", res.Instrument).
		Str("actor", actorFromContext(ctx)).
		Msg("instrument result deleted")
	s.publish(ctx, notify.ResultDeleted, res)
	return nil
}

// Reprocess runs the pipeline again over the stored raw payload of a
// PARSE_FAILED result, typically after its profile was fixed. A registry
// link already present is kept.
func (s *Service) Reprocess(ctx context.Context, id uuid.UUID) (*InstrumentResult, error) {
	var res *InstrumentResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		stored, err := s.repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if stored.ProcessingStatus != StatusParseFailed {
			return ErrNotReprocessable
		}
		p, err := s.profiles.Get(stored.Instrument)
		if err != nil {
			return err
		}

		fresh, perr := s.pipeline.Process(RawMessage{
			Payload:    stored.RawPayload,
			Transport:  stored.Transport,
			ReceivedAt: stored.ReceivedAt,
			Instrument: stored.Instrument,
		}, p)
		if perr != nil {
			return perr
		}

		fresh.ID = stored.ID
		fresh.CreatedAt = stored.CreatedAt
		fresh.UpdatedAt = time.Now().UTC()
		if stored.PatientID != nil {
			fresh.PatientID = stored.PatientID
			fresh.Patient = stored.Patient
		} else if fresh.ProcessingStatus == StatusParsed {
			s.reconciler.Reconcile(ctx, fresh)
		}

		if err := s.repo.SaveReprocessed(ctx, fresh); err != nil {
			return err
		}
		res = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordStored(res.Instrument, string(res.ProcessingStatus))
	s.attachPatient(ctx, res)
	s.publish(ctx, notify.ResultReprocessed, res)
	return res, nil
}

// Stats counts the results of an instrument by processing status.
func (s *Service) Stats(ctx context.Context, instrument string) (*Stats, error) {
	p, err := s.profiles.Get(instrument)
	if err != nil {
		return nil, err
	}
	return s.repo.CountByStatus(ctx, p.Instrument)
}

// attachPatient loads the linked registry patient when the repository did
// not. Lookup failures fall back to the device demographics.
func (s *Service) attachPatient(ctx context.Context, r *InstrumentResult) {
	if r.PatientID == nil || r.Patient != nil || s.registry == nil {
		return
	}
	p, err := s.registry.FindByID(ctx, *r.PatientID)
	if err != nil {
		s.logger.Debug().Err(err).Str("result_id", r.ID.String()).Msg("linked patient not loaded")
		return
	}
	r.Patient = p
}

func (s *Service) publish(ctx context.Context, eventType string, r *InstrumentResult) {
	event := notify.Event{
		Type:             eventType,
		Instrument:       r.Instrument,
		ResultID:         r.ID.String(),
		SampleNumber:     r.SampleNumber,
		ProcessingStatus: string(r.ProcessingStatus),
		Actor:            actorFromContext(ctx),
		Timestamp:        time.Now().UTC(),
	}
	if r.PatientID != nil {
		event.PatientID = r.PatientID.String()
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("event publish failed")
	}
}

type actorKey struct{}

// WithActor records who performs an operation, for events and logs.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}
