package labresult

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/domain/patient"
)

// Transport identifies the entry point a RawMessage arrived on.
type Transport string

const (
	TransportSocket Transport = "socket"
	TransportHTTP   Transport = "http"
)

// ProcessingStatus is the outcome of running the pipeline over a RawMessage.
type ProcessingStatus string

const (
	StatusReceived    ProcessingStatus = "RECEIVED"
	StatusParsed      ProcessingStatus = "PARSED"
	StatusParseFailed ProcessingStatus = "PARSE_FAILED"
)

var validProcessingStatuses = map[ProcessingStatus]bool{
	StatusReceived: true, StatusParsed: true, StatusParseFailed: true,
}

// Flag is the computed abnormal classification of a Measurement.
type Flag string

const (
	FlagNormal  Flag = "NORMAL"
	FlagHigh    Flag = "HIGH"
	FlagLow     Flag = "LOW"
	FlagUnknown Flag = "UNKNOWN"
)

// RawMessage is a device payload exactly as it was received.
type RawMessage struct {
	Payload    string
	Transport  Transport
	ReceivedAt time.Time
	Instrument string
}

// Measurement is one named result of an InstrumentResult.
type Measurement struct {
	Code           string   `json:"code"`
	Name           string   `json:"name"`
	Value          string   `json:"value"`
	Numeric        *float64 `json:"numericValue,omitempty"`
	Unit           string   `json:"unit"`
	ReferenceRange string   `json:"referenceRange"`
	Low            *float64 `json:"low,omitempty"`
	High           *float64 `json:"high,omitempty"`
	DeviceFlag     string   `json:"deviceFlag,omitempty"`
	Status         Flag     `json:"status"`
}

// DevicePatient holds the demographics exactly as the instrument sent them.
// They are kept even after the result is linked to a registry patient.
type DevicePatient struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Age        string `json:"age"`
	Sex        string `json:"sex"`
}

// DisplayPatient is the patient shown for a result: the registry patient
// when linked, the device demographics otherwise.
type DisplayPatient struct {
	Source     string `json:"source"`
	Identifier string `json:"identifier,omitempty"`
	Name       string `json:"name"`
	Age        string `json:"age,omitempty"`
	Sex        string `json:"sex,omitempty"`
}

const (
	DisplaySourceRegistry = "registry"
	DisplaySourceDevice   = "device"
)

// InstrumentResult is the persisted aggregate for one analyzed sample.
type InstrumentResult struct {
	ID               uuid.UUID        `json:"id"`
	Instrument       string           `json:"instrument"`
	DeviceID         string           `json:"deviceId"`
	SampleNumber     string           `json:"sampleNumber"`
	AnalysisMode     string           `json:"analysisMode"`
	TestedAt         *time.Time       `json:"testedAt,omitempty"`
	Measurements     []Measurement    `json:"measurements"`
	RawPayload       string           `json:"rawPayload"`
	Transport        Transport        `json:"transport"`
	ReceivedAt       time.Time        `json:"receivedAt"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	ParseError       string           `json:"parseError,omitempty"`
	PatientID        *uuid.UUID       `json:"patientId,omitempty"`
	DevicePatient    DevicePatient    `json:"devicePatient"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`

	// Patient is the linked registry patient, loaded for display only.
	Patient *patient.Patient `json:"-"`
}

// DisplayPatient resolves which demographics to show for the result.
func (r *InstrumentResult) DisplayPatient() DisplayPatient {
	if r.PatientID != nil && r.Patient != nil {
		d := DisplayPatient{
			Source:     DisplaySourceRegistry,
			Identifier: r.Patient.MRN,
			Name:       r.Patient.FullName(),
		}
		if r.Patient.Gender != nil {
			d.Sex = *r.Patient.Gender
		}
		at := r.ReceivedAt
		if r.TestedAt != nil {
			at = *r.TestedAt
		}
		if age := r.Patient.AgeAt(at); age >= 0 {
			d.Age = strconv.Itoa(age)
		}
		return d
	}
	return DisplayPatient{
		Source:     DisplaySourceDevice,
		Identifier: r.DevicePatient.Identifier,
		Name:       r.DevicePatient.Name,
		Age:        r.DevicePatient.Age,
		Sex:        r.DevicePatient.Sex,
	}
}

// View returns the JSON shape served by the API: the stored fields plus the
// resolved display patient.
func (r *InstrumentResult) View() ResultView {
	return ResultView{InstrumentResult: r, Display: r.DisplayPatient()}
}

// ResultView is the API representation of an InstrumentResult.
type ResultView struct {
	*InstrumentResult
	Display DisplayPatient `json:"patient"`
}

// Filter narrows List results. Empty fields do not filter.
type Filter struct {
	Instrument  string
	PatientName string
	Status      ProcessingStatus
}

// MeasurementUpdate is a manual correction of one measurement value, matched
// by display name.
type MeasurementUpdate struct {
	Name  string `json:"name"`
	Value string `json:"result"`
}

// Stats counts the results of an instrument by processing status.
type Stats struct {
	Instrument string                   `json:"instrument"`
	Total      int                      `json:"total"`
	ByStatus   map[ProcessingStatus]int `json:"byStatus"`
	Unlinked   int                      `json:"unlinked"`
}
