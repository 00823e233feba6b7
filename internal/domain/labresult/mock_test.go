package labresult

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/domain/patient"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/notify"
)

// -- Mock Repository --

type mockRepo struct {
	mu      sync.Mutex
	results map[uuid.UUID]*InstrumentResult
	failOn  string

	// rejectCreate, when set, can refuse a row the way the database would.
	rejectCreate func(*InstrumentResult) error
}

func newMockRepo() *mockRepo {
	return &mockRepo{results: make(map[uuid.UUID]*InstrumentResult)}
}

// clone copies r the way a database round trip would.
func clone(r *InstrumentResult) *InstrumentResult {
	c := *r
	c.Measurements = append([]Measurement{}, r.Measurements...)
	if r.PatientID != nil {
		id := *r.PatientID
		c.PatientID = &id
	}
	c.Patient = nil
	return &c
}

func (m *mockRepo) Create(_ context.Context, r *InstrumentResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "create" {
		return errors.New("connection refused")
	}
	if m.rejectCreate != nil {
		if err := m.rejectCreate(r); err != nil {
			return err
		}
	}
	if r.SampleNumber != "" {
		for _, existing := range m.results {
			if existing.DeviceID == r.DeviceID && existing.SampleNumber == r.SampleNumber {
				return ErrDuplicateSample
			}
		}
	}
	m.results[r.ID] = clone(r)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*InstrumentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *mockRepo) LockByID(ctx context.Context, id uuid.UUID) (*InstrumentResult, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRepo) FindBySampleNumber(_ context.Context, instrument, sampleNumber, deviceID string) ([]*InstrumentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*InstrumentResult
	for _, r := range m.results {
		if r.Instrument != instrument || r.SampleNumber != sampleNumber {
			continue
		}
		if deviceID != "" && r.DeviceID != deviceID {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockRepo) List(_ context.Context, f Filter, limit, offset int) ([]*InstrumentResult, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*InstrumentResult
	for _, r := range m.results {
		if f.Instrument != "" && r.Instrument != f.Instrument {
			continue
		}
		if f.Status != "" && r.ProcessingStatus != f.Status {
			continue
		}
		if f.PatientName != "" && !strings.Contains(strings.ToLower(r.DevicePatient.Name), strings.ToLower(f.PatientName)) {
			continue
		}
		all = append(all, clone(r))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SampleNumber < all[j].SampleNumber })
	total := len(all)
	if offset >= total {
		return []*InstrumentResult{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) UpdateMeasurements(_ context.Context, id uuid.UUID, ms []Measurement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return ErrNotFound
	}
	r.Measurements = append([]Measurement{}, ms...)
	r.UpdatedAt = time.Now()
	return nil
}

func (m *mockRepo) SetPatient(_ context.Context, id, patientID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return ErrNotFound
	}
	r.PatientID = &patientID
	return nil
}

func (m *mockRepo) SaveReprocessed(_ context.Context, r *InstrumentResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[r.ID]; !ok {
		return ErrNotFound
	}
	for id, existing := range m.results {
		if id != r.ID && r.SampleNumber != "" && existing.DeviceID == r.DeviceID && existing.SampleNumber == r.SampleNumber {
			return ErrDuplicateSample
		}
	}
	m.results[r.ID] = clone(r)
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[id]; !ok {
		return ErrNotFound
	}
	delete(m.results, id)
	return nil
}

func (m *mockRepo) CountByStatus(_ context.Context, instrument string) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{Instrument: instrument, ByStatus: map[ProcessingStatus]int{}}
	for _, r := range m.results {
		if r.Instrument != instrument {
			continue
		}
		stats.Total++
		stats.ByStatus[r.ProcessingStatus]++
		if r.PatientID == nil {
			stats.Unlinked++
		}
	}
	return stats, nil
}

func (m *mockRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

// -- Mock Registry --

type mockRegistry struct {
	patients []*patient.Patient
	err      error
}

func (m *mockRegistry) add(mrn, first, last string) *patient.Patient {
	p := &patient.Patient{ID: uuid.New(), MRN: mrn, FirstName: first, LastName: last, Active: true}
	m.patients = append(m.patients, p)
	return p
}

func (m *mockRegistry) FindByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, p := range m.patients {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, patient.ErrNotFound
}

func (m *mockRegistry) FindByIdentifier(_ context.Context, identifier string) ([]*patient.Patient, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*patient.Patient
	for _, p := range m.patients {
		if p.MRN == identifier || p.ID.String() == identifier {
			out = append(out, p)
		}
	}
	return out, nil
}

// -- Recording Publisher --

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recordingPublisher) all() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

type testEnv struct {
	svc      *Service
	repo     *mockRepo
	registry *mockRegistry
	events   *recordingPublisher
}

func newTestEnv() *testEnv {
	env := &testEnv{
		repo:     newMockRepo(),
		registry: &mockRegistry{},
		events:   &recordingPublisher{},
	}
	env.svc = NewService(env.repo, env.registry, DefaultProfiles(), zerolog.Nop())
	env.svc.SetPublisher(env.events)
	return env
}

// -- Sample Payloads --

const (
	msgWBCHigh   = "OBR|1||S-1001\rOBX|1|NM|WBC^Leucocitos^LN||12.5|10*9/L|4.0-10.0"
	msgWBCNormal = "OBR|1||S-1001\rOBX|1|NM|WBC^Leucocitos^LN||6.0|10*9/L|4.0-10.0"
	msgWBCErr    = "OBR|1||S-1002\rOBX|1|NM|WBC^Leucocitos^LN||ERR|10*9/L|4.0-10.0"
	msgNoResults = "OBR|1||S-1003"

	msgCBC = "MSH|^~\\&|DH36|LAB|||20240115143025||ORU^R01|MSG0001|P|2.3.1\r" +
		"PID|1||P-0001||Doe^Jane||19800515|F\r" +
		"OBR|1||S-2001|01001^Automated Count^99MRC|||20240115143000\r" +
		"OBX|1|NM|WBC^Leucocitos^LN||12.5|10*9/L|4.0-10.0|N|||F\r" +
		"OBX|2|NM|HGB^Hemoglobina^LN||11.1|g/dL|12.0-16.0|N|||F\r" +
		"OBX|3|NM|PLT^Plaquetas^LN||250|10*9/L|150-450||||F"

	msgImmuno = "MSH|^~\\&|FIA8|LAB|||20240116090000\r" +
		"OBR|1|I-77|MRN-55|Perez^Juan|34|M|Quantitative|20240116085500\r" +
		"OBX|1|NM|HBA1C^Hemoglobina glicosilada^LN||6,8|%|4.0-6.0"
)

func rawHTTP(instrument, payload string) RawMessage {
	return RawMessage{Payload: payload, Transport: TransportHTTP, Instrument: instrument}
}
