package labresult

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/hl7v2"
)

var (
	numericPattern = regexp.MustCompile(`^[+-]?\d+([.,]\d+)?$`)
	rangePattern   = regexp.MustCompile(`^([+-]?\d+(?:[.,]\d+)?)\s*-\s*([+-]?\d+(?:[.,]\d+)?)$`)
)

// ParseValue returns the numeric reading of a result value, accepting a
// comma as decimal separator. ok is false for anything else ("ERR", "<0.5",
// "+++", empty).
func ParseValue(s string) (v float64, ok bool) {
	s = strings.TrimSpace(s)
	if !numericPattern.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	return v, err == nil
}

// ParseRange splits a "low-high" reference range. Ranges in any other shape,
// or with low above high, are not comparable.
func ParseRange(s string) (lo, hi float64, ok bool) {
	m := rangePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, false
	}
	lo, okLo := ParseValue(m[1])
	hi, okHi := ParseValue(m[2])
	if !okLo || !okHi || lo > hi {
		return 0, 0, false
	}
	return lo, hi, true
}

// Classify computes the status of a value against inclusive bounds. Any nil
// input yields FlagUnknown.
func Classify(v, lo, hi *float64) Flag {
	if v == nil || lo == nil || hi == nil {
		return FlagUnknown
	}
	switch {
	case *v > *hi:
		return FlagHigh
	case *v < *lo:
		return FlagLow
	default:
		return FlagNormal
	}
}

// deviceFlags maps the abnormal flags analyzers commonly send.
var deviceFlags = map[string]Flag{
	"N": FlagNormal, "H": FlagHigh, "HH": FlagHigh, "L": FlagLow, "LL": FlagLow,
}

// NewMeasurement builds a measurement from the verbatim device columns and
// computes its status. The device flag is recorded but only consulted when
// trustFlag is set and the value is not comparable.
func NewMeasurement(code, value, unit, refRange, deviceFlag string, components byte, trustFlag bool) Measurement {
	m := Measurement{
		Code:           strings.TrimSpace(code),
		Value:          strings.TrimSpace(value),
		Unit:           strings.TrimSpace(unit),
		ReferenceRange: strings.TrimSpace(refRange),
		DeviceFlag:     strings.TrimSpace(deviceFlag),
	}
	m.Name = labelOf(m.Code, components)
	if v, ok := ParseValue(m.Value); ok {
		m.Numeric = &v
	}
	if lo, hi, ok := ParseRange(m.ReferenceRange); ok {
		m.Low, m.High = &lo, &hi
	}
	m.Status = Classify(m.Numeric, m.Low, m.High)
	if m.Status == FlagUnknown && trustFlag {
		if f, ok := deviceFlags[strings.ToUpper(m.DeviceFlag)]; ok {
			m.Status = f
		}
	}
	return m
}

// Recompute refreshes the numeric value and status after Value changed.
// The reference range is never touched.
func (m *Measurement) Recompute() {
	m.Numeric = nil
	if v, ok := ParseValue(m.Value); ok {
		m.Numeric = &v
	}
	m.Status = Classify(m.Numeric, m.Low, m.High)
}

// labelOf returns the human label of a compound code^label^system name: the
// second component when present, the first otherwise.
func labelOf(code string, sep byte) string {
	parts := strings.Split(code, string(sep))
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(parts[0])
}

// degradation explains why a measurement ended UNKNOWN, or "" when it did not.
func (m *Measurement) degradation() string {
	switch {
	case m.Status != FlagUnknown:
		return ""
	case m.Code == "":
		return "missing measurement name"
	case m.Value == "":
		return "missing value"
	case m.Numeric == nil:
		return "non-numeric value"
	case m.ReferenceRange == "":
		return "missing reference range"
	default:
		return "non-comparable reference range"
	}
}

// Pipeline turns raw device messages into InstrumentResults. It has no
// storage or transport dependencies; Process is safe for concurrent use.
type Pipeline struct {
	logger zerolog.Logger
	now    func() time.Time
}

func NewPipeline(logger zerolog.Logger) *Pipeline {
	return &Pipeline{logger: logger, now: time.Now}
}

// Process decodes raw with profile p and normalizes it. Fields are read from
// hl7v2.DeviceText of the payload; RawPayload keeps the bytes as received.
// The returned result is never nil and has a fresh ID. The error is non-nil only when the result
// cannot be identified: ErrDecodeFailure when no segment structure exists and
// ErrMissingSampleNumber when the sample number is absent. In both cases the
// result is PARSE_FAILED and the caller decides whether to keep it. A failure
// after the sample number is known yields a PARSE_FAILED result and no error.
func (pl *Pipeline) Process(raw RawMessage, p *Profile) (res *InstrumentResult, err error) {
	now := pl.now().UTC()
	res = &InstrumentResult{
		ID:               uuid.New(),
		Instrument:       p.Instrument,
		DeviceID:         p.DefaultDeviceID,
		Measurements:     []Measurement{},
		RawPayload:       raw.Payload,
		Transport:        raw.Transport,
		ReceivedAt:       raw.ReceivedAt.UTC(),
		ProcessingStatus: StatusReceived,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if res.ReceivedAt.IsZero() {
		res.ReceivedAt = now
	}

	msg, derr := hl7v2.Decode([]byte(hl7v2.DeviceText([]byte(raw.Payload))), p.Delimiters)
	if derr != nil {
		res.fail(derr.Error())
		return res, fmt.Errorf("%w: %w", ErrDecodeFailure, derr)
	}

	if id := Lookup(msg, p.DeviceID...); id != "" {
		res.DeviceID = id
	}
	res.SampleNumber = Lookup(msg, p.SampleNumber...)
	if res.SampleNumber == "" {
		res.fail(ErrMissingSampleNumber.Error())
		return res, ErrMissingSampleNumber
	}

	log := pl.logger.With().
		Str("instrument", p.Instrument).
		Str("device_id", res.DeviceID).
		Str("sample_number", res.SampleNumber).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("normalization panicked, keeping raw message")
			res.Measurements = []Measurement{}
			res.fail(fmt.Sprintf("internal error during normalization: %v", r))
			err = nil
		}
	}()

	pl.normalize(msg, p, res, log)
	res.ProcessingStatus = StatusParsed
	return res, nil
}

func (pl *Pipeline) normalize(msg *hl7v2.Message, p *Profile, res *InstrumentResult, log zerolog.Logger) {
	res.AnalysisMode = Lookup(msg, p.AnalysisMode...)
	if ts := Lookup(msg, p.TestedAt...); ts != "" {
		if t, err := hl7v2.ParseTimestamp(ts); err == nil {
			res.TestedAt = &t
		} else {
			log.Warn().Str("value", ts).Msg("unparseable test timestamp")
		}
	}

	res.DevicePatient = DevicePatient{
		Identifier: Lookup(msg, p.PatientIdentifier...),
		Name:       Lookup(msg, p.PatientName...),
		Age:        Lookup(msg, p.PatientAge...),
		Sex:        Lookup(msg, p.PatientSex...),
	}

	for i, seg := range msg.GetSegments(p.ResultSegment) {
		m := NewMeasurement(
			seg.GetField(p.Result.Name),
			seg.GetField(p.Result.Value),
			fieldOrEmpty(&seg, p.Result.Unit),
			fieldOrEmpty(&seg, p.Result.ReferenceRange),
			fieldOrEmpty(&seg, p.Result.DeviceFlag),
			msg.Delimiters.Component,
			p.TrustDeviceFlag,
		)
		if reason := m.degradation(); reason != "" {
			log.Warn().
				Int("segment", i+1).
				Str("code", m.Code).
				Str("value", m.Value).
				Str("reference_range", m.ReferenceRange).
				Str("reason", reason).
				Msg("measurement degraded")
		}
		res.Measurements = append(res.Measurements, m)
	}
}

func fieldOrEmpty(seg *hl7v2.Segment, idx int) string {
	if idx <= 0 {
		return ""
	}
	return seg.GetField(idx)
}

func (r *InstrumentResult) fail(reason string) {
	r.ProcessingStatus = StatusParseFailed
	r.ParseError = reason
}

// rawOnly returns a PARSE_FAILED copy of r that keeps identification,
// transport and the raw payload, and drops everything normalized.
func (r *InstrumentResult) rawOnly(reason string) *InstrumentResult {
	c := &InstrumentResult{
		ID:           r.ID,
		Instrument:   r.Instrument,
		DeviceID:     r.DeviceID,
		SampleNumber: r.SampleNumber,
		Measurements: []Measurement{},
		RawPayload:   r.RawPayload,
		Transport:    r.Transport,
		ReceivedAt:   r.ReceivedAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	c.fail(reason)
	return c
}

// DegradedCount returns how many measurements ended with UNKNOWN status.
func (r *InstrumentResult) DegradedCount() int {
	n := 0
	for i := range r.Measurements {
		if r.Measurements[i].Status == FlagUnknown {
			n++
		}
	}
	return n
}

// IsIdentificationError reports whether err means the message could not be
// tied to a sample.
func IsIdentificationError(err error) bool {
	return errors.Is(err, ErrDecodeFailure) || errors.Is(err, ErrMissingSampleNumber)
}
