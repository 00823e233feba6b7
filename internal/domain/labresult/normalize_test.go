package labresult

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"12.5", 12.5, true},
		{" 6 ", 6, true},
		{"6,8", 6.8, true},
		{"-0.5", -0.5, true},
		{"+3", 3, true},
		{"ERR", 0, false},
		{"<0.5", 0, false},
		{"+++", 0, false},
		{"1.2.3", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseValue(tt.in)
		assert.Equal(t, tt.ok, ok, "ParseValue(%q)", tt.in)
		if tt.ok {
			assert.InDelta(t, tt.want, got, 1e-9, "ParseValue(%q)", tt.in)
		}
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		in     string
		lo, hi float64
		ok     bool
	}{
		{"4.0-10.0", 4, 10, true},
		{"150 - 450", 150, 450, true},
		{"12,0-16,0", 12, 16, true},
		{"-1.0-1.0", -1, 1, true},
		{"10-4", 0, 0, false},
		{"<5", 0, 0, false},
		{"negative", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		lo, hi, ok := ParseRange(tt.in)
		assert.Equal(t, tt.ok, ok, "ParseRange(%q)", tt.in)
		if tt.ok {
			assert.InDelta(t, tt.lo, lo, 1e-9)
			assert.InDelta(t, tt.hi, hi, 1e-9)
		}
	}
}

func TestClassify_InclusiveBounds(t *testing.T) {
	lo, hi := 4.0, 10.0
	for v := 0.0; v <= 14.0; v += 0.5 {
		got := Classify(f64(v), &lo, &hi)
		var want Flag
		switch {
		case v > hi:
			want = FlagHigh
		case v < lo:
			want = FlagLow
		default:
			want = FlagNormal
		}
		assert.Equal(t, want, got, "value %v", v)
	}

	assert.Equal(t, FlagNormal, Classify(f64(4.0), &lo, &hi))
	assert.Equal(t, FlagNormal, Classify(f64(10.0), &lo, &hi))
	assert.Equal(t, FlagUnknown, Classify(nil, &lo, &hi))
	assert.Equal(t, FlagUnknown, Classify(f64(5), nil, &hi))
	assert.Equal(t, FlagUnknown, Classify(f64(5), &lo, nil))
}

func TestNewMeasurement(t *testing.T) {
	m := NewMeasurement("WBC^Leucocitos^LN", "12.5", "10*9/L", "4.0-10.0", "", '^', false)
	assert.Equal(t, "Leucocitos", m.Name)
	assert.Equal(t, "WBC^Leucocitos^LN", m.Code)
	assert.Equal(t, "12.5", m.Value)
	require.NotNil(t, m.Numeric)
	assert.Equal(t, 12.5, *m.Numeric)
	assert.Equal(t, FlagHigh, m.Status)

	plain := NewMeasurement("GLU", "98", "mg/dL", "70-110", "", '^', false)
	assert.Equal(t, "GLU", plain.Name)
	assert.Equal(t, FlagNormal, plain.Status)
}

func TestNewMeasurement_DeviceFlagIgnored(t *testing.T) {
	m := NewMeasurement("HGB^Hemoglobina", "11.1", "g/dL", "12.0-16.0", "N", '^', false)
	assert.Equal(t, FlagLow, m.Status)
	assert.Equal(t, "N", m.DeviceFlag)

	// Even a trusted flag never overrides a comparable value.
	m = NewMeasurement("HGB^Hemoglobina", "11.1", "g/dL", "12.0-16.0", "N", '^', true)
	assert.Equal(t, FlagLow, m.Status)
}

func TestNewMeasurement_TrustedFlagForTextValues(t *testing.T) {
	m := NewMeasurement("HIV^Anti-HIV", "REACTIVE", "", "", "H", '^', true)
	assert.Equal(t, FlagHigh, m.Status)

	m = NewMeasurement("HIV^Anti-HIV", "REACTIVE", "", "", "H", '^', false)
	assert.Equal(t, FlagUnknown, m.Status)
}

func TestMeasurement_Recompute(t *testing.T) {
	m := NewMeasurement("WBC^Leucocitos", "12.5", "", "4.0-10.0", "", '^', false)
	m.Value = "6.0"
	m.Recompute()
	assert.Equal(t, FlagNormal, m.Status)
	assert.Equal(t, "4.0-10.0", m.ReferenceRange)

	m.Value = "ERR"
	m.Recompute()
	assert.Nil(t, m.Numeric)
	assert.Equal(t, FlagUnknown, m.Status)
}

func TestMeasurement_Degradation(t *testing.T) {
	tests := []struct {
		m    Measurement
		want string
	}{
		{NewMeasurement("WBC", "5", "", "4-10", "", '^', false), ""},
		{NewMeasurement("", "5", "", "4-10", "", '^', false), "missing measurement name"},
		{NewMeasurement("WBC", "", "", "4-10", "", '^', false), "missing value"},
		{NewMeasurement("WBC", "ERR", "", "4-10", "", '^', false), "non-numeric value"},
		{NewMeasurement("WBC", "5", "", "", "", '^', false), "missing reference range"},
		{NewMeasurement("WBC", "5", "", "see note", "", '^', false), "non-comparable reference range"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.m.degradation())
	}
}

// -- Pipeline --

func newTestPipeline() *Pipeline {
	pl := NewPipeline(zerolog.Nop())
	pl.now = func() time.Time { return time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC) }
	return pl
}

func TestPipeline_ScenarioHigh(t *testing.T) {
	res, err := newTestPipeline().Process(rawHTTP("hematology", msgWBCHigh), &Hematology)
	require.NoError(t, err)

	assert.Equal(t, StatusParsed, res.ProcessingStatus)
	assert.Equal(t, "S-1001", res.SampleNumber)
	assert.Equal(t, "HEMATOLOGY", res.DeviceID)
	require.Len(t, res.Measurements, 1)
	m := res.Measurements[0]
	assert.Equal(t, "Leucocitos", m.Name)
	assert.Equal(t, "12.5", m.Value)
	assert.Equal(t, "10*9/L", m.Unit)
	assert.Equal(t, FlagHigh, m.Status)
	assert.Nil(t, res.PatientID)
	assert.Empty(t, res.DevicePatient.Identifier)
	assert.Equal(t, msgWBCHigh, res.RawPayload)
}

func TestPipeline_ScenarioNormal(t *testing.T) {
	res, err := newTestPipeline().Process(rawHTTP("hematology", msgWBCNormal), &Hematology)
	require.NoError(t, err)
	require.Len(t, res.Measurements, 1)
	assert.Equal(t, FlagNormal, res.Measurements[0].Status)
}

func TestPipeline_ScenarioNonNumeric(t *testing.T) {
	res, err := newTestPipeline().Process(rawHTTP("hematology", msgWBCErr), &Hematology)
	require.NoError(t, err)
	assert.Equal(t, StatusParsed, res.ProcessingStatus)
	require.Len(t, res.Measurements, 1)
	assert.Equal(t, "ERR", res.Measurements[0].Value)
	assert.Equal(t, FlagUnknown, res.Measurements[0].Status)
	assert.Equal(t, 1, res.DegradedCount())
}

func TestPipeline_ZeroResultSegments(t *testing.T) {
	res, err := newTestPipeline().Process(rawHTTP("hematology", msgNoResults), &Hematology)
	require.NoError(t, err)
	assert.Equal(t, StatusParsed, res.ProcessingStatus)
	require.NotNil(t, res.Measurements)
	assert.Empty(t, res.Measurements)
}

func TestPipeline_FullHematologyMessage(t *testing.T) {
	res, err := newTestPipeline().Process(rawHTTP("hematology", msgCBC), &Hematology)
	require.NoError(t, err)

	assert.Equal(t, "DH36", res.DeviceID)
	assert.Equal(t, "S-2001", res.SampleNumber)
	assert.Equal(t, "Automated Count", res.AnalysisMode)
	require.NotNil(t, res.TestedAt)
	assert.Equal(t, 14, res.TestedAt.Hour())
	assert.Equal(t, DevicePatient{Identifier: "P-0001", Name: "Doe Jane", Sex: "F"}, res.DevicePatient)

	require.Len(t, res.Measurements, 3)
	assert.Equal(t, []string{"Leucocitos", "Hemoglobina", "Plaquetas"},
		[]string{res.Measurements[0].Name, res.Measurements[1].Name, res.Measurements[2].Name})
	assert.Equal(t, FlagHigh, res.Measurements[0].Status, "device flag N is not trusted")
	assert.Equal(t, FlagLow, res.Measurements[1].Status)
	assert.Equal(t, FlagNormal, res.Measurements[2].Status)
}

func TestPipeline_ImmunoassayProfile(t *testing.T) {
	res, err := newTestPipeline().Process(rawHTTP("immunoassay", msgImmuno), &Immunoassay)
	require.NoError(t, err)

	assert.Equal(t, "FIA8", res.DeviceID)
	assert.Equal(t, "I-77", res.SampleNumber)
	assert.Equal(t, "Quantitative", res.AnalysisMode)
	assert.Equal(t, DevicePatient{Identifier: "MRN-55", Name: "Perez Juan", Age: "34", Sex: "M"}, res.DevicePatient)
	require.Len(t, res.Measurements, 1)
	assert.Equal(t, "Hemoglobina glicosilada", res.Measurements[0].Name)
	assert.Equal(t, FlagHigh, res.Measurements[0].Status)
}

func TestPipeline_MalformedSegmentDoesNotAbort(t *testing.T) {
	raw := "OBR|1||S-5\r" +
		"OBX|1|NM\r" +
		"OBX|2|NM|GLU^Glucosa||98|mg/dL|70-110"
	res, err := newTestPipeline().Process(rawHTTP("hematology", raw), &Hematology)
	require.NoError(t, err)
	require.Len(t, res.Measurements, 2)
	assert.Equal(t, FlagUnknown, res.Measurements[0].Status)
	assert.Equal(t, FlagNormal, res.Measurements[1].Status)
}

func TestPipeline_DecodeFailure(t *testing.T) {
	res, err := newTestPipeline().Process(rawHTTP("hematology", "this is not a device message"), &Hematology)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecodeFailure))
	assert.True(t, IsIdentificationError(err))
	require.NotNil(t, res)
	assert.Equal(t, StatusParseFailed, res.ProcessingStatus)
	assert.NotEmpty(t, res.ParseError)
	assert.Equal(t, "this is not a device message", res.RawPayload)
}

func TestPipeline_MissingSampleNumber(t *testing.T) {
	res, err := newTestPipeline().Process(rawHTTP("hematology", "OBX|1|NM|WBC||5|x|4-10"), &Hematology)
	assert.ErrorIs(t, err, ErrMissingSampleNumber)
	assert.Equal(t, StatusParseFailed, res.ProcessingStatus)
	assert.Empty(t, res.SampleNumber)
}

func TestPipeline_Deterministic(t *testing.T) {
	pl := newTestPipeline()
	a, err := pl.Process(rawHTTP("hematology", msgCBC), &Hematology)
	require.NoError(t, err)
	b, err := pl.Process(rawHTTP("hematology", msgCBC), &Hematology)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	b.ID = a.ID
	assert.Equal(t, a, b)
}

func TestPipeline_ReceivedAtDefaults(t *testing.T) {
	pl := newTestPipeline()
	res, err := pl.Process(rawHTTP("hematology", msgNoResults), &Hematology)
	require.NoError(t, err)
	assert.Equal(t, pl.now(), res.ReceivedAt)

	at := time.Date(2024, 1, 15, 9, 0, 0, 0, time.FixedZone("CST", -6*3600))
	raw := rawHTTP("hematology", msgNoResults)
	raw.ReceivedAt = at
	res, err = pl.Process(raw, &Hematology)
	require.NoError(t, err)
	assert.Equal(t, at.UTC(), res.ReceivedAt)
}

func ExampleClassify() {
	lo, hi := 4.0, 10.0
	for _, v := range []float64{3.9, 4.0, 10.0, 10.1} {
		v := v
		fmt.Println(v, Classify(&v, &lo, &hi))
	}
	// Output:
	// 3.9 LOW
	// 4 NORMAL
	// 10 NORMAL
	// 10.1 HIGH
}
